package extraction

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	pdflib "github.com/ledongthuc/pdf"
	"go.uber.org/zap"

	"github.com/carbonlens/backend/internal/extraction/nim"
	"github.com/carbonlens/backend/pkg/logger"
)

var (
	// ErrUnsupportedFormat means the input bytes are not a parseable PDF.
	ErrUnsupportedFormat = errors.New("unsupported document format")

	// ErrService means a delegated detection/extraction call failed after
	// its retry budget.
	ErrService = errors.New("extraction service failure")
)

type SegmentType string

const (
	SegmentText  SegmentType = "text"
	SegmentTable SegmentType = "table"
	SegmentChart SegmentType = "chart"
	SegmentImage SegmentType = "image"
)

// Segment is one typed piece of a document in reading order. Tables and
// charts carry their text-equivalent content with the original type tag
// preserved so downstream filters can tell them apart.
type Segment struct {
	Type SegmentType
	Page int
	BBox *[4]float64
	Text string
}

type Detector interface {
	Detect(ctx context.Context, document []byte) ([]nim.Detection, error)
}

type ChartExtractor interface {
	ExtractChart(ctx context.Context, document []byte, page int, bbox [4]float64) (string, error)
}

type TableExtractor interface {
	ExtractTable(ctx context.Context, document []byte, page int, bbox [4]float64) (string, error)
}

type Config struct {
	MinConfidence float64
	Workers       int
}

type Extractor struct {
	detector Detector
	charts   ChartExtractor
	tables   TableExtractor
	cfg      Config
}

func NewExtractor(detector Detector, charts ChartExtractor, tables TableExtractor, cfg Config) *Extractor {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 0.5
	}
	return &Extractor{
		detector: detector,
		charts:   charts,
		tables:   tables,
		cfg:      cfg,
	}
}

// Extract parses a PDF into segments ordered by page, then by vertical
// position. Table and chart regions are resolved concurrently through
// their services and reassembled in document order before returning.
func (e *Extractor) Extract(ctx context.Context, document []byte) ([]Segment, error) {
	reader, err := pdflib.NewReader(bytes.NewReader(document), int64(len(document)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}

	segments := e.extractPageText(reader)

	detections, err := e.detector.Detect(ctx, document)
	if err != nil {
		return nil, fmt.Errorf("%w: detect page elements: %v", ErrService, err)
	}

	elements, err := e.resolveElements(ctx, document, detections)
	if err != nil {
		return nil, err
	}
	segments = append(segments, elements...)

	sortSegments(segments)

	logger.Info("Document extracted",
		zap.Int("pages", reader.NumPage()),
		zap.Int("segments", len(segments)),
	)

	return segments, nil
}

func (e *Extractor) extractPageText(reader *pdflib.Reader) []Segment {
	var segments []Segment
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			logger.Warn("Failed to extract page text", zap.Int("page", i), zap.Error(err))
			continue
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		segments = append(segments, Segment{
			Type: SegmentText,
			Page: i,
			Text: text,
		})
	}
	return segments
}

// resolveElements dispatches table and chart regions to their services
// with a bounded worker pool. Results keep the index of their detection so
// ordering does not depend on completion order.
func (e *Extractor) resolveElements(ctx context.Context, document []byte, detections []nim.Detection) ([]Segment, error) {
	kept := make([]nim.Detection, 0, len(detections))
	for _, d := range detections {
		if d.Confidence >= e.cfg.MinConfidence {
			kept = append(kept, d)
		}
	}
	if len(kept) == 0 {
		return nil, nil
	}

	results := make([]Segment, len(kept))
	sem := make(chan struct{}, e.cfg.Workers)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)

	for i, d := range kept {
		wg.Add(1)
		go func(i int, d nim.Detection) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			seg, err := e.resolveElement(ctx, document, d)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			results[i] = seg
		}(i, d)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}

	segments := make([]Segment, 0, len(results))
	for _, seg := range results {
		segments = append(segments, seg)
	}
	return segments, nil
}

func (e *Extractor) resolveElement(ctx context.Context, document []byte, d nim.Detection) (Segment, error) {
	bbox := d.BBox
	seg := Segment{
		Page: d.Page,
		BBox: &bbox,
	}

	switch d.Label {
	case "table":
		text, err := e.tables.ExtractTable(ctx, document, d.Page, d.BBox)
		if err != nil {
			return Segment{}, fmt.Errorf("%w: table on page %d: %v", ErrService, d.Page, err)
		}
		seg.Type = SegmentTable
		seg.Text = text
	case "chart":
		text, err := e.charts.ExtractChart(ctx, document, d.Page, d.BBox)
		if err != nil {
			return Segment{}, fmt.Errorf("%w: chart on page %d: %v", ErrService, d.Page, err)
		}
		seg.Type = SegmentChart
		seg.Text = text
	default:
		seg.Type = SegmentImage
	}

	return seg, nil
}

// sortSegments restores reading order: page ascending, then top edge
// ascending (detection boxes use image coordinates, origin top-left).
// Page-level text has no bbox and sorts before positioned elements on the
// same page.
func sortSegments(segments []Segment) {
	sort.SliceStable(segments, func(i, j int) bool {
		a, b := segments[i], segments[j]
		if a.Page != b.Page {
			return a.Page < b.Page
		}
		if (a.BBox == nil) != (b.BBox == nil) {
			return a.BBox == nil
		}
		if a.BBox != nil && b.BBox != nil {
			return a.BBox[1] < b.BBox[1]
		}
		return false
	})
}
