package embedder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOllama answers /api/embed with deterministic vectors: element 0
// encodes the text's length so tests can verify ordering survives
// batch splitting.
func fakeOllama(t *testing.T, dim int, calls *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embed", r.URL.Path)
		calls.Add(1)

		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := ollamaEmbedResponse{Embeddings: make([][]float32, len(req.Input))}
		for i, text := range req.Input {
			v := make([]float32, dim)
			v[0] = float32(len(text))
			resp.Embeddings[i] = v
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestOllamaEmbed_SingleText(t *testing.T) {
	var calls atomic.Int64
	srv := fakeOllama(t, 8, &calls)
	defer srv.Close()

	e := NewOllamaEmbedder(OllamaConfig{BaseURL: srv.URL, Dimension: 8})
	vec, err := e.Embed(context.Background(), "hello")

	require.NoError(t, err)
	assert.Len(t, vec, 8)
	assert.Equal(t, float32(5), vec[0])
	assert.Equal(t, int64(1), calls.Load())
}

func TestOllamaEmbedBatch_PreservesInputOrderAcrossBatches(t *testing.T) {
	var calls atomic.Int64
	srv := fakeOllama(t, 4, &calls)
	defer srv.Close()

	// 40 texts across a batch size of 16 means three upstream requests.
	texts := make([]string, 40)
	for i := range texts {
		texts[i] = strings.Repeat("a", i+1)
	}

	e := NewOllamaEmbedder(OllamaConfig{BaseURL: srv.URL, Dimension: 4, Concurrency: 2})
	vecs, err := e.EmbedBatch(context.Background(), texts)

	require.NoError(t, err)
	require.Len(t, vecs, 40)
	for i, v := range vecs {
		assert.Equal(t, float32(i+1), v[0], "vector %d out of order", i)
	}
	assert.Equal(t, int64(3), calls.Load())
}

func TestOllamaEmbedBatch_EmptyInput(t *testing.T) {
	e := NewOllamaEmbedder(OllamaConfig{BaseURL: "http://unused"})
	vecs, err := e.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vecs)
}

func TestOllamaEmbed_DimensionMismatchRejected(t *testing.T) {
	var calls atomic.Int64
	srv := fakeOllama(t, 4, &calls)
	defer srv.Close()

	e := NewOllamaEmbedder(OllamaConfig{BaseURL: srv.URL, Dimension: 768})
	_, err := e.Embed(context.Background(), "hello")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension")
}

func TestOllamaEmbed_UpstreamErrorSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(OllamaConfig{BaseURL: srv.URL})
	_, err := e.Embed(context.Background(), "hello")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}
