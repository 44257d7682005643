package nim

import (
	"context"
	"encoding/base64"
	"strings"
	"time"
)

// ChartExtractor calls the DePlot-style chart understanding service, which
// turns a chart region into its underlying data table as plain text.
type ChartExtractor struct {
	c *client
}

func NewChartExtractor(endpoint, apiKey string, timeout time.Duration) *ChartExtractor {
	return &ChartExtractor{c: newClient("chart", endpoint, apiKey, timeout)}
}

type regionRequest struct {
	Input []regionInput `json:"input"`
}

type regionInput struct {
	Type string     `json:"type"`
	Data string     `json:"data"`
	Page int        `json:"page"`
	BBox [4]float64 `json:"bbox"`
}

type chartResponse struct {
	Results []struct {
		Data string `json:"data"`
	} `json:"results"`
}

// ExtractChart returns the data table underlying the chart at bbox on the
// given page, one row per line.
func (e *ChartExtractor) ExtractChart(ctx context.Context, document []byte, page int, bbox [4]float64) (string, error) {
	req := regionRequest{
		Input: []regionInput{{
			Type: "application/pdf",
			Data: base64.StdEncoding.EncodeToString(document),
			Page: page,
			BBox: bbox,
		}},
	}

	var resp chartResponse
	if err := e.c.post(ctx, req, &resp); err != nil {
		return "", err
	}

	var lines []string
	for _, r := range resp.Results {
		if r.Data != "" {
			lines = append(lines, r.Data)
		}
	}
	return strings.Join(lines, "\n"), nil
}
