package nim

import (
	"context"
	"encoding/base64"
	"sort"
	"strings"
	"time"
)

// OCRClient calls the PaddleOCR-style text recognition service for table
// regions and reconstructs row structure from the recognized line boxes.
type OCRClient struct {
	c *client
}

func NewOCRClient(endpoint, apiKey string, timeout time.Duration) *OCRClient {
	return &OCRClient{c: newClient("ocr", endpoint, apiKey, timeout)}
}

type ocrResponse struct {
	Results []struct {
		TextLines []struct {
			Text string       `json:"text"`
			Box  [][2]float64 `json:"box"`
		} `json:"text_lines"`
	} `json:"results"`
}

type ocrLine struct {
	text string
	x    float64
	y    float64
}

// ExtractTable OCRs the table region at bbox and returns its cells as
// tab-separated rows in reading order.
func (o *OCRClient) ExtractTable(ctx context.Context, document []byte, page int, bbox [4]float64) (string, error) {
	req := regionRequest{
		Input: []regionInput{{
			Type: "application/pdf",
			Data: base64.StdEncoding.EncodeToString(document),
			Page: page,
			BBox: bbox,
		}},
	}

	var resp ocrResponse
	if err := o.c.post(ctx, req, &resp); err != nil {
		return "", err
	}

	var lines []ocrLine
	for _, result := range resp.Results {
		for _, tl := range result.TextLines {
			if tl.Text == "" || len(tl.Box) == 0 {
				continue
			}
			var sumY float64
			for _, point := range tl.Box {
				sumY += point[1]
			}
			lines = append(lines, ocrLine{
				text: tl.Text,
				x:    tl.Box[0][0],
				y:    sumY / float64(len(tl.Box)),
			})
		}
	}

	return assembleRows(lines), nil
}

// assembleRows groups recognized lines into table rows by vertical
// proximity, then orders cells left to right within each row.
func assembleRows(lines []ocrLine) string {
	if len(lines) == 0 {
		return ""
	}

	const rowBand = 10.0

	rows := make(map[int][]ocrLine)
	for _, line := range lines {
		key := int(line.y / rowBand)
		rows[key] = append(rows[key], line)
	}

	keys := make([]int, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	var out []string
	for _, k := range keys {
		row := rows[k]
		sort.Slice(row, func(i, j int) bool { return row[i].x < row[j].x })

		cells := make([]string, len(row))
		for i, cell := range row {
			cells[i] = cell.text
		}
		out = append(out, strings.Join(cells, "\t"))
	}

	return strings.Join(out, "\n")
}
