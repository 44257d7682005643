package ingestion

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carbonlens/backend/internal/chunker"
	"github.com/carbonlens/backend/internal/extraction"
	"github.com/carbonlens/backend/internal/storage/models"
	"github.com/carbonlens/backend/internal/vector/milvus"
)

type fakeExtractor struct {
	segments []extraction.Segment
	err      error
}

func (f *fakeExtractor) Extract(ctx context.Context, document []byte) ([]extraction.Segment, error) {
	return f.segments, f.err
}

type fakeChunker struct {
	chunks []chunker.Chunk
}

func (f *fakeChunker) Chunk(docID string, segments []extraction.Segment) []chunker.Chunk {
	return f.chunks
}

type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 2, 3}
	}
	return out, nil
}

type fakeVectors struct {
	inserted []milvus.Record
	err      error
}

func (f *fakeVectors) Insert(ctx context.Context, collection string, records []milvus.Record) error {
	if f.err != nil {
		return f.err
	}
	f.inserted = append(f.inserted, records...)
	return nil
}

type fakeDocStore struct {
	statuses []models.DocumentStatus
	last     models.Document
	chunks   []models.Chunk
}

func (f *fakeDocStore) SaveDocument(ctx context.Context, doc *models.Document) error {
	f.statuses = append(f.statuses, doc.Status)
	f.last = *doc
	return nil
}

func (f *fakeDocStore) SaveChunks(ctx context.Context, documentID string, chunks []models.Chunk) error {
	f.chunks = chunks
	return nil
}

func testChunks() []chunker.Chunk {
	return []chunker.Chunk{
		{ID: "c1", DocumentID: "d", Index: 0, Type: extraction.SegmentText, Page: 1, Text: "electricity usage"},
		{ID: "c2", DocumentID: "d", Index: 1, Type: extraction.SegmentTable, Page: 2, Text: "Source\tAmount"},
	}
}

func TestIngestWalksAllStages(t *testing.T) {
	store := &fakeDocStore{}
	vectors := &fakeVectors{}
	p := NewPipeline(
		&fakeExtractor{segments: []extraction.Segment{{Type: extraction.SegmentText, Page: 3, Text: "x"}}},
		&fakeChunker{chunks: testChunks()},
		&fakeEmbedder{},
		vectors,
		store,
		nil,
		Config{Collection: "docs"},
	)

	doc, err := p.Ingest(context.Background(), "report.pdf", []byte("pdf bytes"))
	require.NoError(t, err)

	assert.Equal(t, []models.DocumentStatus{
		models.StatusReceived,
		models.StatusExtracted,
		models.StatusChunked,
		models.StatusEmbedded,
		models.StatusStored,
		models.StatusDone,
	}, store.statuses)

	assert.Equal(t, 3, doc.Pages)
	assert.Equal(t, 2, doc.Chunks)
	require.Len(t, vectors.inserted, 2)
	assert.Equal(t, "c1", vectors.inserted[0].ID)
	assert.Equal(t, "report.pdf", vectors.inserted[0].Metadata["document"])

	require.Len(t, store.chunks, 2)
	assert.Equal(t, "electricity usage", store.chunks[0].Text)
}

func TestIngestSameBytesSameID(t *testing.T) {
	store := &fakeDocStore{}
	p := NewPipeline(
		&fakeExtractor{segments: []extraction.Segment{{Type: extraction.SegmentText, Page: 1, Text: "x"}}},
		&fakeChunker{chunks: testChunks()},
		&fakeEmbedder{},
		&fakeVectors{},
		store,
		nil,
		Config{Collection: "docs"},
	)

	first, err := p.Ingest(context.Background(), "a.pdf", []byte("same bytes"))
	require.NoError(t, err)
	second, err := p.Ingest(context.Background(), "a.pdf", []byte("same bytes"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
}

func TestIngestRecordsExtractionFailure(t *testing.T) {
	store := &fakeDocStore{}
	vectors := &fakeVectors{}
	p := NewPipeline(
		&fakeExtractor{err: extraction.ErrUnsupportedFormat},
		&fakeChunker{},
		&fakeEmbedder{},
		vectors,
		store,
		nil,
		Config{Collection: "docs"},
	)

	_, err := p.Ingest(context.Background(), "broken.bin", []byte("junk"))
	require.Error(t, err)
	assert.ErrorIs(t, err, extraction.ErrUnsupportedFormat)

	assert.Equal(t, models.StatusFailed, store.last.Status)
	assert.Equal(t, "extraction", store.last.FailureStage)
	assert.Empty(t, vectors.inserted)
}

func TestIngestNoPartialCommitOnEmbeddingFailure(t *testing.T) {
	store := &fakeDocStore{}
	vectors := &fakeVectors{}
	p := NewPipeline(
		&fakeExtractor{segments: []extraction.Segment{{Type: extraction.SegmentText, Page: 1, Text: "x"}}},
		&fakeChunker{chunks: testChunks()},
		&fakeEmbedder{err: errors.New("service down")},
		vectors,
		store,
		nil,
		Config{Collection: "docs"},
	)

	_, err := p.Ingest(context.Background(), "a.pdf", []byte("pdf"))
	require.Error(t, err)

	assert.Equal(t, models.StatusFailed, store.last.Status)
	assert.Equal(t, "embedding", store.last.FailureStage)
	assert.Empty(t, vectors.inserted)
}

func TestIngestFailsOnEmptyContent(t *testing.T) {
	store := &fakeDocStore{}
	p := NewPipeline(
		&fakeExtractor{segments: nil},
		&fakeChunker{chunks: nil},
		&fakeEmbedder{},
		&fakeVectors{},
		store,
		nil,
		Config{Collection: "docs"},
	)

	_, err := p.Ingest(context.Background(), "empty.pdf", []byte("pdf"))
	require.Error(t, err)
	assert.Equal(t, "chunking", store.last.FailureStage)
}
