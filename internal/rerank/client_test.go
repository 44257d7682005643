package rerank

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRerankSortsByScore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rankRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-reranker", req.Model)
		assert.Equal(t, "diesel usage", req.Query.Text)
		require.Len(t, req.Passages, 3)

		json.NewEncoder(w).Encode(map[string]interface{}{
			"rankings": []map[string]interface{}{
				{"index": 2, "logit": -1.2},
				{"index": 0, "logit": 4.5},
				{"index": 1, "logit": 0.3},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(Config{Endpoint: srv.URL, Model: "test-reranker"})

	rankings, err := c.Rerank(context.Background(), "diesel usage", []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, rankings, 3)

	assert.Equal(t, 0, rankings[0].Index)
	assert.InDelta(t, 4.5, rankings[0].Score, 1e-9)
	assert.Equal(t, 1, rankings[1].Index)
	assert.Equal(t, 2, rankings[2].Index)
}

func TestRerankRejectsBadIndices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"rankings": []map[string]interface{}{
				{"index": 0, "logit": 1.0},
				{"index": 5, "logit": 0.5},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(Config{Endpoint: srv.URL, Model: "test-reranker"})

	_, err := c.Rerank(context.Background(), "q", []string{"a", "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid passage index")
}

func TestRerankDoesNotRetryClientErrors(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(Config{Endpoint: srv.URL, Model: "test-reranker"})
	c.retryCfg.InitialDelay = time.Millisecond

	_, err := c.Rerank(context.Background(), "q", []string{"a"})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRerankRetriesServerErrors(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"rankings": []map[string]interface{}{{"index": 0, "logit": 2.0}},
		})
	}))
	defer srv.Close()

	c := NewClient(Config{Endpoint: srv.URL, Model: "test-reranker"})
	c.retryCfg.InitialDelay = time.Millisecond

	rankings, err := c.Rerank(context.Background(), "q", []string{"a"})
	require.NoError(t, err)
	require.Len(t, rankings, 1)
	assert.Equal(t, 3, calls)
}

func TestRerankEmptyPassages(t *testing.T) {
	c := NewClient(Config{Endpoint: "http://unused", Model: "m"})

	rankings, err := c.Rerank(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.Empty(t, rankings)
}
