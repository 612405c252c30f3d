package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlpapers/retrieval/internal/extract"
	"github.com/mlpapers/retrieval/internal/index"
	"github.com/mlpapers/retrieval/internal/sparse"
)

// stubSearch records calls and replays canned results.
type stubSearch struct {
	results []index.ScoredDoc
	err     error

	calls     int
	lastQuery string
	lastK     int
}

func (s *stubSearch) run(query string, k int) ([]index.ScoredDoc, error) {
	s.calls++
	s.lastQuery = query
	s.lastK = k
	return s.results, s.err
}

func (s *stubSearch) Sparse(ctx context.Context, query string, k int) ([]index.ScoredDoc, error) {
	return s.run(query, k)
}

func (s *stubSearch) Dense(ctx context.Context, query string, k int) ([]index.ScoredDoc, error) {
	return s.run(query, k)
}

func (s *stubSearch) Hybrid(ctx context.Context, query string, k int) ([]index.ScoredDoc, error) {
	return s.run(query, k)
}

// stubExtractor returns one record per document, nil for ids in failIDs.
type stubExtractor struct {
	failIDs map[string]bool
	lastIDs []string
	calls   int
}

func (s *stubExtractor) Extract(ctx context.Context, documentIDs []string) [][]extract.Result {
	s.calls++
	s.lastIDs = documentIDs
	out := make([][]extract.Result, len(documentIDs))
	for i, id := range documentIDs {
		if s.failIDs[id] {
			continue
		}
		out[i] = []extract.Result{{Task: "classification", Metric: "accuracy", Dataset: id}}
	}
	return out
}

func newTestServer(t *testing.T, search SearchService, extractor DocExtractor) *HTTPServer {
	t.Helper()
	srv := NewHTTPServer(HTTPServerConfig{Port: 0})
	if search != nil {
		srv.Publish(&Pipeline{Search: search, Extractor: extractor})
	}
	return srv
}

func postJSON(t *testing.T, srv *HTTPServer, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

func TestSearchBeforeReadinessReturns503(t *testing.T) {
	srv := newTestServer(t, nil, nil)

	for _, path := range []string{"/search/sparse", "/search/dense", "/search/hybrid"} {
		rec := postJSON(t, srv, path, `{"query": "transformers"}`)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
		assert.Equal(t, "Service is starting, please try again later", decodeError(t, rec), path)
	}
}

func TestSearchMissingQuery(t *testing.T) {
	search := &stubSearch{}
	srv := newTestServer(t, search, &stubExtractor{})

	rec := postJSON(t, srv, "/search/sparse", `{"k": 5}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Query parameter is required", decodeError(t, rec))
	assert.Zero(t, search.calls, "pipeline must not run on invalid input")
}

func TestSearchWhitespaceQuery(t *testing.T) {
	search := &stubSearch{}
	srv := newTestServer(t, search, &stubExtractor{})

	rec := postJSON(t, srv, "/search/hybrid", `{"query": "  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Query cannot be empty", decodeError(t, rec))
	assert.Zero(t, search.calls)
}

func TestSearchRejectsMalformedBody(t *testing.T) {
	srv := newTestServer(t, &stubSearch{}, &stubExtractor{})

	rec := postJSON(t, srv, "/search/sparse", `{"query": 42}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, srv, "/search/sparse", `{"query": "ok", "unknown_field": true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchRejectsOutOfRangeK(t *testing.T) {
	search := &stubSearch{}
	srv := newTestServer(t, search, &stubExtractor{})

	for _, body := range []string{
		`{"query": "q", "k": 0}`,
		`{"query": "q", "k": -3}`,
		`{"query": "q", "k": 1001}`,
	} {
		rec := postJSON(t, srv, "/search/dense", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		assert.Equal(t, "k must be between 1 and 1000", decodeError(t, rec), body)
	}
	assert.Zero(t, search.calls)
}

func TestSearchDefaultK(t *testing.T) {
	search := &stubSearch{}
	srv := newTestServer(t, search, &stubExtractor{})

	rec := postJSON(t, srv, "/search/sparse", `{"query": "knowledge distillation"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 20, search.lastK)
	assert.Equal(t, "knowledge distillation", search.lastQuery)
}

func TestSearchTextTooLong(t *testing.T) {
	search := &stubSearch{err: sparse.ErrTextTooLong}
	srv := newTestServer(t, search, &stubExtractor{})

	for _, path := range []string{"/search/sparse", "/search/hybrid"} {
		rec := postJSON(t, srv, path, `{"query": "very long text"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
		assert.Equal(t, "Input text is too long", decodeError(t, rec), path)
	}
}

func TestSearchInternalErrorIsGeneric(t *testing.T) {
	search := &stubSearch{err: errors.New("pgx: connection refused to secret-host:5432")}
	srv := newTestServer(t, search, &stubExtractor{})

	rec := postJSON(t, srv, "/search/dense", `{"query": "q"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Internal server error", decodeError(t, rec))
	assert.NotContains(t, rec.Body.String(), "secret-host")
}

func TestSearchHappyPath(t *testing.T) {
	search := &stubSearch{results: []index.ScoredDoc{
		{DocumentID: "paper-a", Score: 7.5},
		{DocumentID: "paper-b", Score: 2.25},
	}}
	extractor := &stubExtractor{}
	srv := newTestServer(t, search, extractor)

	rec := postJSON(t, srv, "/search/sparse", `{"query": "distillation", "k": 2}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var body searchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Results, 2)
	assert.Equal(t, "paper-a", body.Results[0].DocumentID)
	assert.Equal(t, 7.5, body.Results[0].Score)
	assert.Nil(t, body.Results[0].ExtractedData)

	assert.Zero(t, extractor.calls, "extraction must be opt-in")
	assert.Equal(t, 2, search.lastK)
}

func TestSearchWithExtraction(t *testing.T) {
	search := &stubSearch{results: []index.ScoredDoc{
		{DocumentID: "paper-a", Score: 3.0},
		{DocumentID: "paper-broken", Score: 2.0},
		{DocumentID: "paper-c", Score: 1.0},
	}}
	extractor := &stubExtractor{failIDs: map[string]bool{"paper-broken": true}}
	srv := newTestServer(t, search, extractor)

	rec := postJSON(t, srv, "/search/hybrid", `{"query": "benchmarks", "k": 3, "extract": true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []string{"paper-a", "paper-broken", "paper-c"}, extractor.lastIDs)

	var body searchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Results, 3)

	require.Len(t, body.Results[0].ExtractedData, 1)
	assert.Equal(t, "paper-a", body.Results[0].ExtractedData[0].Dataset)
	assert.Nil(t, body.Results[1].ExtractedData, "failed extraction surfaces as null")
	require.Len(t, body.Results[2].ExtractedData, 1)
}

func TestReadyzTracksPublish(t *testing.T) {
	srv := NewHTTPServer(HTTPServerConfig{Port: 0})

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	srv.Publish(&Pipeline{Search: &stubSearch{}, Extractor: &stubExtractor{}})

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthzAlwaysHealthy(t *testing.T) {
	srv := NewHTTPServer(HTTPServerConfig{Port: 0})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
