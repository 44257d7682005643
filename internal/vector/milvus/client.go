package milvus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/carbonlens/backend/pkg/logger"
)

// ErrWriteFailed means an insert did not commit. The wrapped message
// carries the affected IDs so the caller can report what was lost.
var ErrWriteFailed = errors.New("vector write failed")

const (
	fieldID        = "id"
	fieldEmbedding = "embedding"
	fieldText      = "text"
	fieldMetadata  = "metadata"

	maxIDLength   = 64
	maxTextLength = 65535
)

type Config struct {
	URI         string
	Token       string
	VectorDim   int
	IndexNList  int
	SearchNProbe int
}

// Record is one chunk ready for storage.
type Record struct {
	ID       string
	Vector   []float32
	Text     string
	Metadata map[string]interface{}
}

// Hit is one search result, ordered by ascending L2 distance.
type Hit struct {
	ID       string
	Text     string
	Distance float32
	Metadata map[string]interface{}
}

// Store wraps a Milvus connection. Collections are loaded on demand with
// a reference count so concurrent searches share one load and the last
// finisher releases it.
type Store struct {
	c   client.Client
	cfg Config

	mu     sync.Mutex
	loaded map[string]int
}

func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.IndexNList <= 0 {
		cfg.IndexNList = 128
	}
	if cfg.SearchNProbe <= 0 {
		cfg.SearchNProbe = 10
	}

	c, err := client.NewClient(ctx, client.Config{
		Address: cfg.URI,
		APIKey:  cfg.Token,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to milvus: %w", err)
	}

	return &Store{
		c:      c,
		cfg:    cfg,
		loaded: make(map[string]int),
	}, nil
}

func (s *Store) Close() error {
	return s.c.Close()
}

// EnsureCollection creates the collection and its index when missing. An
// existing collection is left untouched, but its vector dimension must
// match the configured one; a mismatch means the embedding model changed
// and the collection needs a rebuild.
func (s *Store) EnsureCollection(ctx context.Context, name string) error {
	exists, err := s.c.HasCollection(ctx, name)
	if err != nil {
		return fmt.Errorf("check collection %s: %w", name, err)
	}
	if exists {
		return s.verifyDimension(ctx, name)
	}
	return s.createCollection(ctx, name)
}

func (s *Store) verifyDimension(ctx context.Context, name string) error {
	coll, err := s.c.DescribeCollection(ctx, name)
	if err != nil {
		return fmt.Errorf("describe collection %s: %w", name, err)
	}
	for _, field := range coll.Schema.Fields {
		if field.Name != fieldEmbedding {
			continue
		}
		dim, err := strconv.Atoi(field.TypeParams[entity.TypeParamDim])
		if err != nil {
			return fmt.Errorf("collection %s: unreadable vector dimension: %w", name, err)
		}
		if dim != s.cfg.VectorDim {
			return fmt.Errorf("collection %s has dimension %d, configured %d; rebuild the collection to change embedding models",
				name, dim, s.cfg.VectorDim)
		}
		return nil
	}
	return fmt.Errorf("collection %s has no %s field", name, fieldEmbedding)
}

// Ping verifies the connection is usable.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.c.ListCollections(ctx); err != nil {
		return fmt.Errorf("milvus unreachable: %w", err)
	}
	return nil
}

// Rebuild drops and recreates the collection. All stored vectors are
// lost; callers must make this explicit to their users.
func (s *Store) Rebuild(ctx context.Context, name string) error {
	exists, err := s.c.HasCollection(ctx, name)
	if err != nil {
		return fmt.Errorf("check collection %s: %w", name, err)
	}
	if exists {
		if err := s.c.DropCollection(ctx, name); err != nil {
			return fmt.Errorf("drop collection %s: %w", name, err)
		}
		logger.Warn("Dropped existing collection", zap.String("collection", name))
	}
	return s.createCollection(ctx, name)
}

func (s *Store) createCollection(ctx context.Context, name string) error {
	schema := entity.NewSchema().
		WithName(name).
		WithDescription("document chunks with embeddings").
		WithField(entity.NewField().
			WithName(fieldID).
			WithDataType(entity.FieldTypeVarChar).
			WithMaxLength(maxIDLength).
			WithIsPrimaryKey(true)).
		WithField(entity.NewField().
			WithName(fieldEmbedding).
			WithDataType(entity.FieldTypeFloatVector).
			WithDim(int64(s.cfg.VectorDim))).
		WithField(entity.NewField().
			WithName(fieldText).
			WithDataType(entity.FieldTypeVarChar).
			WithMaxLength(maxTextLength)).
		WithField(entity.NewField().
			WithName(fieldMetadata).
			WithDataType(entity.FieldTypeJSON))

	if err := s.c.CreateCollection(ctx, schema, 1); err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}

	index, err := entity.NewIndexIvfFlat(entity.L2, s.cfg.IndexNList)
	if err != nil {
		return fmt.Errorf("build index config: %w", err)
	}
	if err := s.c.CreateIndex(ctx, name, fieldEmbedding, index, false); err != nil {
		return fmt.Errorf("create index on %s: %w", name, err)
	}

	logger.Info("Collection created",
		zap.String("collection", name),
		zap.Int("dim", s.cfg.VectorDim),
	)
	return nil
}

// Insert writes records with delete-before-insert on their IDs, so
// re-ingesting an unchanged document replaces rows instead of duplicating
// them.
func (s *Store) Insert(ctx context.Context, collection string, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	ids := make([]string, len(records))
	vectors := make([][]float32, len(records))
	texts := make([]string, len(records))
	metadatas := make([][]byte, len(records))

	for i, r := range records {
		meta, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("%w: marshal metadata for %s: %v", ErrWriteFailed, r.ID, err)
		}
		ids[i] = r.ID
		vectors[i] = r.Vector
		texts[i] = truncateText(r.Text, maxTextLength)
		metadatas[i] = meta
	}

	expr := fmt.Sprintf("%s in [%s]", fieldID, quoteJoin(ids))
	if err := s.c.Delete(ctx, collection, "", expr); err != nil {
		return fmt.Errorf("%w: clear existing ids [%s]: %v", ErrWriteFailed, strings.Join(ids, ","), err)
	}

	_, err := s.c.Insert(ctx, collection, "",
		entity.NewColumnVarChar(fieldID, ids),
		entity.NewColumnFloatVector(fieldEmbedding, s.cfg.VectorDim, vectors),
		entity.NewColumnVarChar(fieldText, texts),
		entity.NewColumnJSONBytes(fieldMetadata, metadatas),
	)
	if err != nil {
		return fmt.Errorf("%w: ids [%s]: %v", ErrWriteFailed, strings.Join(ids, ","), err)
	}

	if err := s.c.Flush(ctx, collection, false); err != nil {
		return fmt.Errorf("%w: flush after insert: %v", ErrWriteFailed, err)
	}

	logger.Info("Vectors stored",
		zap.String("collection", collection),
		zap.Int("count", len(records)),
	)
	return nil
}

// Search returns up to topK hits sorted by ascending distance. An empty
// result is not an error.
func (s *Store) Search(ctx context.Context, collection string, vector []float32, topK int) ([]Hit, error) {
	if err := s.acquire(ctx, collection); err != nil {
		return nil, err
	}
	defer s.release(ctx, collection)

	sp, err := entity.NewIndexIvfFlatSearchParam(s.cfg.SearchNProbe)
	if err != nil {
		return nil, fmt.Errorf("build search params: %w", err)
	}

	results, err := s.c.Search(ctx, collection, nil, "",
		[]string{fieldText, fieldMetadata},
		[]entity.Vector{entity.FloatVector(vector)},
		fieldEmbedding, entity.L2, topK, sp,
	)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", collection, err)
	}

	var hits []Hit
	for _, result := range results {
		textCol := result.Fields.GetColumn(fieldText)
		metaCol, _ := result.Fields.GetColumn(fieldMetadata).(*entity.ColumnJSONBytes)

		for i := 0; i < result.ResultCount; i++ {
			id, err := result.IDs.GetAsString(i)
			if err != nil {
				return nil, fmt.Errorf("read result id: %w", err)
			}

			hit := Hit{ID: id, Distance: result.Scores[i]}
			if textCol != nil {
				hit.Text, _ = textCol.GetAsString(i)
			}
			if metaCol != nil && i < len(metaCol.Data()) {
				var meta map[string]interface{}
				if err := json.Unmarshal(metaCol.Data()[i], &meta); err == nil {
					hit.Metadata = meta
				}
			}
			hits = append(hits, hit)
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// DeleteDocument removes all chunks whose metadata document_id matches.
func (s *Store) DeleteDocument(ctx context.Context, collection, documentID string) error {
	expr := fmt.Sprintf(`%s["document_id"] == "%s"`, fieldMetadata, documentID)
	if err := s.c.Delete(ctx, collection, "", expr); err != nil {
		return fmt.Errorf("delete document %s: %w", documentID, err)
	}
	return nil
}

func (s *Store) acquire(ctx context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loaded[collection] == 0 {
		if err := s.c.LoadCollection(ctx, collection, false); err != nil {
			return fmt.Errorf("load collection %s: %w", collection, err)
		}
	}
	s.loaded[collection]++
	return nil
}

func (s *Store) release(ctx context.Context, collection string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.loaded[collection]--
	if s.loaded[collection] > 0 {
		return
	}
	delete(s.loaded, collection)

	if err := s.c.ReleaseCollection(ctx, collection); err != nil {
		logger.Warn("Failed to release collection",
			zap.String("collection", collection),
			zap.Error(err),
		)
	}
}

func truncateText(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}

func quoteJoin(ids []string) string {
	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = fmt.Sprintf("%q", id)
	}
	return strings.Join(quoted, ",")
}
