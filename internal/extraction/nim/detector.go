package nim

import (
	"context"
	"encoding/base64"
	"time"

	"go.uber.org/zap"

	"github.com/carbonlens/backend/pkg/logger"
)

// Detection is one page element found by the layout detection model.
type Detection struct {
	Label      string
	Page       int
	BBox       [4]float64
	Confidence float64
}

// Detector calls the YOLOX-style page element detection service. One call
// covers the whole document; the response carries per-page elements.
type Detector struct {
	c *client
}

func NewDetector(endpoint, apiKey string, timeout time.Duration) *Detector {
	return &Detector{c: newClient("detection", endpoint, apiKey, timeout)}
}

type detectRequest struct {
	Input []detectInput `json:"input"`
}

type detectInput struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

type detectResponse struct {
	Results []struct {
		Page  int `json:"page"`
		Boxes []struct {
			Label       string     `json:"label"`
			Coordinates [4]float64 `json:"coordinates"`
			Confidence  float64    `json:"confidence"`
		} `json:"boxes"`
	} `json:"results"`
}

func (d *Detector) Detect(ctx context.Context, document []byte) ([]Detection, error) {
	req := detectRequest{
		Input: []detectInput{{
			Type: "application/pdf",
			Data: base64.StdEncoding.EncodeToString(document),
		}},
	}

	var resp detectResponse
	if err := d.c.post(ctx, req, &resp); err != nil {
		return nil, err
	}

	var detections []Detection
	for _, page := range resp.Results {
		for _, box := range page.Boxes {
			detections = append(detections, Detection{
				Label:      box.Label,
				Page:       page.Page,
				BBox:       box.Coordinates,
				Confidence: box.Confidence,
			})
		}
	}

	logger.Debug("Page elements detected", zap.Int("count", len(detections)))

	return detections, nil
}
