package chunker

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/jdkato/prose/v2"
	"go.uber.org/zap"

	"github.com/carbonlens/backend/internal/extraction"
	"github.com/carbonlens/backend/pkg/logger"
	"github.com/carbonlens/backend/pkg/utils"
)

// Chunk is one retrieval unit. IDs are derived from the document ID, the
// chunk position and its content, so re-ingesting an unchanged document
// produces the same IDs and upserts instead of duplicating, while
// repeated content (the same table on two pages) still gets distinct IDs.
type Chunk struct {
	ID         string
	DocumentID string
	Index      int
	Type       extraction.SegmentType
	Page       int
	Text       string
}

type Config struct {
	MinSize         int
	MaxSize         int
	Overlap         int
	MinSegmentChars int
}

type Chunker struct {
	cfg Config
}

func New(cfg Config) *Chunker {
	if cfg.MinSize <= 0 {
		cfg.MinSize = 200
	}
	if cfg.MaxSize <= cfg.MinSize {
		cfg.MaxSize = cfg.MinSize * 10
	}
	if cfg.Overlap < 0 {
		cfg.Overlap = 0
	}
	if cfg.Overlap >= cfg.MaxSize {
		cfg.Overlap = cfg.MaxSize / 4
	}
	if cfg.MinSegmentChars <= 0 {
		cfg.MinSegmentChars = 10
	}
	return &Chunker{cfg: cfg}
}

// Chunk turns ordered segments into chunks. Text segments are merged up to
// MaxSize with an Overlap-character carry between consecutive chunks;
// tables and charts stay standalone so their structure survives retrieval.
// The result is deterministic for a given input.
func (c *Chunker) Chunk(docID string, segments []extraction.Segment) []Chunk {
	var chunks []Chunk

	var (
		buf      strings.Builder
		bufPage  int
		carry    string
	)

	flush := func() {
		text := strings.TrimSpace(buf.String())
		buf.Reset()
		if len(text) == 0 {
			return
		}
		chunks = append(chunks, c.newChunk(docID, len(chunks), extraction.SegmentText, bufPage, text))
		carry = tail(text, c.cfg.Overlap)
	}

	for _, seg := range segments {
		text := strings.TrimSpace(seg.Text)
		if !c.keep(seg, text) {
			continue
		}

		if seg.Type != extraction.SegmentText {
			flush()
			chunks = append(chunks, c.newChunk(docID, len(chunks), seg.Type, seg.Page, text))
			carry = ""
			continue
		}

		for _, piece := range c.split(text) {
			if buf.Len() == 0 {
				bufPage = seg.Page
				buf.WriteString(carry)
			}
			if buf.Len() > 0 && buf.Len()+len(piece)+1 > c.cfg.MaxSize {
				flush()
				bufPage = seg.Page
				buf.WriteString(carry)
			}
			if buf.Len() > 0 {
				buf.WriteString(" ")
			}
			buf.WriteString(piece)
		}
	}
	flush()

	logger.Debug("Document chunked",
		zap.String("document_id", docID),
		zap.Int("segments", len(segments)),
		zap.Int("chunks", len(chunks)),
	)

	return chunks
}

// boilerplate matches repeating page furniture: bare page numbers and
// "Page 3 of 12" style headers or footers.
var boilerplate = regexp.MustCompile(`(?i)^(page\s+\d+(\s+of\s+\d+)?|\d+(\s*/\s*\d+)?)$`)

func (c *Chunker) keep(seg extraction.Segment, text string) bool {
	if seg.Type == extraction.SegmentImage {
		return false
	}
	if len(text) < c.cfg.MinSegmentChars {
		return false
	}
	if seg.Type == extraction.SegmentText && boilerplate.MatchString(text) {
		return false
	}
	return true
}

func (c *Chunker) newChunk(docID string, index int, typ extraction.SegmentType, page int, text string) Chunk {
	return Chunk{
		ID:         utils.HashString(fmt.Sprintf("%s\x00%d\x00%s", docID, index, text)),
		DocumentID: docID,
		Index:      index,
		Type:       typ,
		Page:       page,
		Text:       text,
	}
}

// split breaks text into pieces no larger than MaxSize, preferring
// sentence boundaries. Pieces already within bounds come back unchanged.
func (c *Chunker) split(text string) []string {
	if len(text) <= c.cfg.MaxSize {
		return []string{text}
	}

	sentences := splitSentences(text)

	var (
		pieces  []string
		current strings.Builder
	)
	for _, s := range sentences {
		if current.Len() > 0 && current.Len()+len(s)+1 > c.cfg.MaxSize {
			pieces = append(pieces, strings.TrimSpace(current.String()))
			current.Reset()
		}
		// A single sentence longer than MaxSize gets hard-split at a
		// whitespace boundary.
		for len(s) > c.cfg.MaxSize {
			cut := hardCut(s, c.cfg.MaxSize)
			pieces = append(pieces, strings.TrimSpace(s[:cut]))
			s = strings.TrimLeft(s[cut:], " ")
		}
		if current.Len() > 0 {
			current.WriteString(" ")
		}
		current.WriteString(s)
	}
	if current.Len() > 0 {
		pieces = append(pieces, strings.TrimSpace(current.String()))
	}
	return pieces
}

func splitSentences(text string) []string {
	doc, err := prose.NewDocument(text,
		prose.WithTagging(false),
		prose.WithExtraction(false),
	)
	if err != nil {
		return []string{text}
	}

	var sentences []string
	for _, s := range doc.Sentences() {
		trimmed := strings.TrimSpace(s.Text)
		if trimmed != "" {
			sentences = append(sentences, trimmed)
		}
	}
	if len(sentences) == 0 {
		return []string{text}
	}
	return sentences
}

// hardCut picks a cut point at or before max, preferring the last space
// and otherwise backing up to a rune boundary so a multi-byte character
// is never split.
func hardCut(s string, max int) int {
	if idx := strings.LastIndexByte(s[:max], ' '); idx > 0 {
		return idx
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	if cut == 0 {
		return max
	}
	return cut
}

// tail returns the last n bytes of s, extended left to the nearest word
// boundary so the overlap never starts mid-word.
func tail(s string, n int) string {
	if n <= 0 || len(s) <= n {
		if n <= 0 {
			return ""
		}
		return s
	}
	cut := s[len(s)-n:]
	if idx := strings.IndexByte(cut, ' '); idx >= 0 && idx < len(cut)-1 {
		cut = cut[idx+1:]
	}
	return cut
}
