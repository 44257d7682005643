package extraction

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carbonlens/backend/internal/extraction/nim"
)

type fakeDetector struct {
	detections []nim.Detection
	err        error
}

func (f *fakeDetector) Detect(ctx context.Context, document []byte) ([]nim.Detection, error) {
	return f.detections, f.err
}

type fakeRegion struct {
	text string
	err  error
}

func (f *fakeRegion) ExtractChart(ctx context.Context, document []byte, page int, bbox [4]float64) (string, error) {
	return f.text, f.err
}

func (f *fakeRegion) ExtractTable(ctx context.Context, document []byte, page int, bbox [4]float64) (string, error) {
	return f.text, f.err
}

func TestExtractRejectsNonPDF(t *testing.T) {
	e := NewExtractor(&fakeDetector{}, &fakeRegion{}, &fakeRegion{}, Config{})

	_, err := e.Extract(context.Background(), []byte("not a pdf at all"))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestResolveElementsFiltersByConfidence(t *testing.T) {
	e := NewExtractor(nil, &fakeRegion{text: "chart data"}, &fakeRegion{text: "table data"}, Config{MinConfidence: 0.5, Workers: 2})

	detections := []nim.Detection{
		{Label: "table", Page: 1, BBox: [4]float64{0, 10, 100, 50}, Confidence: 0.9},
		{Label: "table", Page: 1, BBox: [4]float64{0, 60, 100, 90}, Confidence: 0.2},
		{Label: "chart", Page: 2, BBox: [4]float64{0, 5, 100, 40}, Confidence: 0.7},
	}

	segments, err := e.resolveElements(context.Background(), nil, detections)
	require.NoError(t, err)
	require.Len(t, segments, 2)

	assert.Equal(t, SegmentTable, segments[0].Type)
	assert.Equal(t, "table data", segments[0].Text)
	assert.Equal(t, SegmentChart, segments[1].Type)
	assert.Equal(t, "chart data", segments[1].Text)
}

func TestResolveElementsPropagatesServiceFailure(t *testing.T) {
	boom := errors.New("ocr down")
	e := NewExtractor(nil, &fakeRegion{}, &fakeRegion{err: boom}, Config{MinConfidence: 0.5, Workers: 2})

	detections := []nim.Detection{
		{Label: "table", Page: 3, BBox: [4]float64{0, 0, 10, 10}, Confidence: 0.8},
	}

	_, err := e.resolveElements(context.Background(), nil, detections)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrService)
}

func TestResolveElementsKeepsDetectionOrder(t *testing.T) {
	e := NewExtractor(nil, &fakeRegion{text: "c"}, &fakeRegion{text: "t"}, Config{MinConfidence: 0.1, Workers: 8})

	var detections []nim.Detection
	for i := 0; i < 20; i++ {
		label := "table"
		if i%2 == 1 {
			label = "chart"
		}
		detections = append(detections, nim.Detection{Label: label, Page: i, BBox: [4]float64{0, 0, 1, 1}, Confidence: 0.9})
	}

	segments, err := e.resolveElements(context.Background(), nil, detections)
	require.NoError(t, err)
	require.Len(t, segments, 20)

	for i, seg := range segments {
		assert.Equal(t, i, seg.Page)
	}
}

func TestSortSegmentsReadingOrder(t *testing.T) {
	box := func(top float64) *[4]float64 { return &[4]float64{0, top, 100, top + 20} }

	segments := []Segment{
		{Type: SegmentChart, Page: 2, BBox: box(30), Text: "p2 chart"},
		{Type: SegmentTable, Page: 1, BBox: box(200), Text: "p1 low table"},
		{Type: SegmentText, Page: 2, Text: "p2 text"},
		{Type: SegmentTable, Page: 1, BBox: box(40), Text: "p1 high table"},
		{Type: SegmentText, Page: 1, Text: "p1 text"},
	}

	sortSegments(segments)

	want := []string{"p1 text", "p1 high table", "p1 low table", "p2 text", "p2 chart"}
	for i, w := range want {
		assert.Equal(t, w, segments[i].Text)
	}
}
