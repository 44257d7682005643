package retrieval

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carbonlens/backend/internal/rerank"
	"github.com/carbonlens/backend/internal/storage/models"
	"github.com/carbonlens/backend/internal/vector/milvus"
)

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.1, 0.2}, nil
}

type fakeSearcher struct {
	hits []milvus.Hit
	topK int
}

func (f *fakeSearcher) Search(ctx context.Context, collection string, vector []float32, topK int) ([]milvus.Hit, error) {
	f.topK = topK
	return f.hits, nil
}

type fakeReranker struct {
	rankings []rerank.Ranking
	err      error
}

func (f *fakeReranker) Rerank(ctx context.Context, query string, passages []string) ([]rerank.Ranking, error) {
	return f.rankings, f.err
}

type fakeGenerator struct {
	answer string
	calls  int
}

func (f *fakeGenerator) Complete(ctx context.Context, system, user string) (string, error) {
	f.calls++
	return f.answer, nil
}

func (f *fakeGenerator) BuildContext(passages []string) string {
	return strings.Join(passages, "\n")
}

type fakeHistory struct {
	records []models.QueryRecord
}

func (f *fakeHistory) SaveQuery(ctx context.Context, record *models.QueryRecord) error {
	f.records = append(f.records, *record)
	return nil
}

func (f *fakeHistory) ListQueries(ctx context.Context, limit int) ([]models.QueryRecord, error) {
	return f.records, nil
}

type fakeCache struct {
	values map[string][]byte
}

func (f *fakeCache) GetAnswer(ctx context.Context, query string) ([]byte, error) {
	return f.values[query], nil
}

func (f *fakeCache) SetAnswer(ctx context.Context, query string, payload []byte) error {
	if f.values == nil {
		f.values = map[string][]byte{}
	}
	f.values[query] = payload
	return nil
}

func testHits() []milvus.Hit {
	return []milvus.Hit{
		{ID: "c1", Text: "Electricity usage was 120 kWh.", Distance: 0.4, Metadata: map[string]interface{}{"document": "report.pdf", "page": float64(2)}},
		{ID: "c2", Text: "Diesel consumption totaled 500 L.", Distance: 0.9},
		{ID: "c3", Text: "Unrelated marketing copy.", Distance: 2.5},
	}
}

func TestAnswerHappyPath(t *testing.T) {
	gen := &fakeGenerator{answer: "Electricity usage was 120 kWh [1]."}
	history := &fakeHistory{}
	p := NewPipeline(fakeEmbedder{}, &fakeSearcher{hits: testHits()},
		&fakeReranker{rankings: []rerank.Ranking{{Index: 1, Score: 3.0}, {Index: 0, Score: 1.5}}},
		gen, history, nil,
		Config{Collection: "docs", TopK: 10, RerankK: 5, MaxDistance: 1.5, MinRerankScore: 0.1})

	result, err := p.Answer(context.Background(), "How much electricity was used?", Options{})
	require.NoError(t, err)

	assert.False(t, result.InsufficientEvidence)
	assert.Equal(t, "Electricity usage was 120 kWh [1].", result.Answer)

	// Hit beyond the distance threshold never reaches rerank or sources.
	require.Len(t, result.Sources, 2)
	assert.Equal(t, "c2", result.Sources[0].ChunkID)
	assert.Equal(t, "c1", result.Sources[1].ChunkID)
	assert.Equal(t, "report.pdf", result.Sources[1].Document)
	assert.Equal(t, 2, result.Sources[1].Page)

	require.Len(t, history.records, 1)
	assert.Equal(t, "How much electricity was used?", history.records[0].Query)
}

func TestAnswerInsufficientEvidenceSkipsGenerator(t *testing.T) {
	gen := &fakeGenerator{answer: "should not be called"}
	p := NewPipeline(fakeEmbedder{}, &fakeSearcher{hits: []milvus.Hit{
		{ID: "c1", Text: "far away", Distance: 3.0},
	}}, &fakeReranker{}, gen, &fakeHistory{}, nil,
		Config{Collection: "docs", TopK: 10, RerankK: 5, MaxDistance: 1.5, MinRerankScore: 0.1})

	result, err := p.Answer(context.Background(), "anything?", Options{})
	require.NoError(t, err)

	assert.True(t, result.InsufficientEvidence)
	assert.Equal(t, 0, gen.calls)
	assert.Empty(t, result.Sources)
}

func TestAnswerInsufficientWhenRerankScoresTooLow(t *testing.T) {
	gen := &fakeGenerator{answer: "should not be called"}
	p := NewPipeline(fakeEmbedder{}, &fakeSearcher{hits: testHits()},
		&fakeReranker{rankings: []rerank.Ranking{{Index: 0, Score: 0.01}, {Index: 1, Score: 0.02}}},
		gen, &fakeHistory{}, nil,
		Config{Collection: "docs", TopK: 10, RerankK: 5, MaxDistance: 1.5, MinRerankScore: 0.1})

	result, err := p.Answer(context.Background(), "anything?", Options{})
	require.NoError(t, err)

	assert.True(t, result.InsufficientEvidence)
	assert.Equal(t, 0, gen.calls)
}

func TestAnswerFallsBackToVectorOrderWhenRerankFails(t *testing.T) {
	gen := &fakeGenerator{answer: "answer"}
	p := NewPipeline(fakeEmbedder{}, &fakeSearcher{hits: testHits()},
		&fakeReranker{err: errors.New("rerank down")},
		gen, &fakeHistory{}, nil,
		Config{Collection: "docs", TopK: 10, RerankK: 5, MaxDistance: 1.5, MinRerankScore: 0.1})

	result, err := p.Answer(context.Background(), "diesel?", Options{})
	require.NoError(t, err)

	require.Len(t, result.Sources, 2)
	assert.Equal(t, "c1", result.Sources[0].ChunkID)
	assert.Equal(t, "c2", result.Sources[1].ChunkID)
	assert.Equal(t, 1, gen.calls)
}

func TestAnswerUsesCache(t *testing.T) {
	gen := &fakeGenerator{answer: "fresh answer"}
	cache := &fakeCache{}
	p := NewPipeline(fakeEmbedder{}, &fakeSearcher{hits: testHits()},
		&fakeReranker{rankings: []rerank.Ranking{{Index: 0, Score: 2.0}, {Index: 1, Score: 1.0}}},
		gen, &fakeHistory{}, cache,
		Config{Collection: "docs", TopK: 10, RerankK: 5, MaxDistance: 1.5, MinRerankScore: 0.1})

	first, err := p.Answer(context.Background(), "q", Options{})
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := p.Answer(context.Background(), "q", Options{})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Answer, second.Answer)
	assert.Equal(t, 1, gen.calls)
}

func TestAnswerDepthOverridesBypassCache(t *testing.T) {
	gen := &fakeGenerator{answer: "deep answer"}
	cache := &fakeCache{}
	searcher := &fakeSearcher{hits: testHits()}
	p := NewPipeline(fakeEmbedder{}, searcher,
		&fakeReranker{rankings: []rerank.Ranking{{Index: 0, Score: 2.0}, {Index: 1, Score: 1.0}}},
		gen, &fakeHistory{}, cache,
		Config{Collection: "docs", TopK: 10, RerankK: 5, MaxDistance: 1.5, MinRerankScore: 0.1})

	_, err := p.Answer(context.Background(), "q", Options{})
	require.NoError(t, err)
	assert.Equal(t, 10, searcher.topK)

	result, err := p.Answer(context.Background(), "q", Options{TopK: 20, RerankK: 1})
	require.NoError(t, err)
	assert.False(t, result.Cached)
	assert.Equal(t, 20, searcher.topK)
	assert.Len(t, result.Sources, 1)
	assert.Equal(t, 2, gen.calls)
}

func TestAnswerRespectsRerankK(t *testing.T) {
	gen := &fakeGenerator{answer: "ok"}
	p := NewPipeline(fakeEmbedder{}, &fakeSearcher{hits: testHits()},
		&fakeReranker{rankings: []rerank.Ranking{{Index: 0, Score: 3.0}, {Index: 1, Score: 2.0}}},
		gen, &fakeHistory{}, nil,
		Config{Collection: "docs", TopK: 10, RerankK: 1, MaxDistance: 1.5, MinRerankScore: 0.1})

	result, err := p.Answer(context.Background(), "q", Options{})
	require.NoError(t, err)
	assert.Len(t, result.Sources, 1)
	assert.Equal(t, "c1", result.Sources[0].ChunkID)
}
