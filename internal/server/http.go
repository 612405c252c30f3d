// Package server exposes the retrieval pipelines over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mlpapers/retrieval/internal/extract"
	"github.com/mlpapers/retrieval/internal/index"
	"github.com/mlpapers/retrieval/internal/sparse"
)

const (
	defaultK = 20
	maxK     = 1000
)

// Client-facing error messages. Everything else is logged server-side and
// surfaced as a generic internal error.
const (
	msgNotReady      = "Service is starting, please try again later"
	msgQueryRequired = "Query parameter is required"
	msgQueryEmpty    = "Query cannot be empty"
	msgBadBody       = "Invalid request body"
	msgBadK          = "k must be between 1 and 1000"
	msgTextTooLong   = "Input text is too long"
	msgInternal      = "Internal server error"
)

// SearchService is the retrieval pipeline surface the handlers call.
type SearchService interface {
	Sparse(ctx context.Context, query string, k int) ([]index.ScoredDoc, error)
	Dense(ctx context.Context, query string, k int) ([]index.ScoredDoc, error)
	Hybrid(ctx context.Context, query string, k int) ([]index.ScoredDoc, error)
}

// DocExtractor fans structured extraction out over result documents.
type DocExtractor interface {
	Extract(ctx context.Context, documentIDs []string) [][]extract.Result
}

// Pipeline bundles the handles the handlers need. It is published exactly
// once, when the resource loader finishes.
type Pipeline struct {
	Search    SearchService
	Extractor DocExtractor
}

// HTTPServer serves the search endpoints. Until Publish is called every
// search request is answered with 503.
type HTTPServer struct {
	server   *http.Server
	router   *chi.Mux
	logger   *slog.Logger
	pipeline atomic.Pointer[Pipeline]
}

// HTTPServerConfig holds configuration for the HTTP server.
type HTTPServerConfig struct {
	Port   int
	Logger *slog.Logger
}

// NewHTTPServer creates the HTTP server and mounts all routes.
func NewHTTPServer(cfg HTTPServerConfig) *HTTPServer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &HTTPServer{logger: logger}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLoggingMiddleware(logger))
	router.Use(middleware.Recoverer)

	router.Get("/healthz", s.handleHealthz)
	router.Get("/readyz", s.handleReadyz)

	router.Post("/search/sparse", s.handleSearch(func(ctx context.Context, p *Pipeline, query string, k int) ([]index.ScoredDoc, error) {
		return p.Search.Sparse(ctx, query, k)
	}))
	router.Post("/search/dense", s.handleSearch(func(ctx context.Context, p *Pipeline, query string, k int) ([]index.ScoredDoc, error) {
		return p.Search.Dense(ctx, query, k)
	}))
	router.Post("/search/hybrid", s.handleSearch(func(ctx context.Context, p *Pipeline, query string, k int) ([]index.ScoredDoc, error) {
		return p.Search.Hybrid(ctx, query, k)
	}))

	s.router = router
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // extraction fan-out can be slow
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Publish installs the loaded pipeline and flips the server to ready.
// Called exactly once, after the resource loader succeeds.
func (s *HTTPServer) Publish(p *Pipeline) {
	s.pipeline.Store(p)
	s.logger.Info("service ready")
}

// Router returns the underlying chi router. Used by tests.
func (s *HTTPServer) Router() *chi.Mux {
	return s.router
}

// Start starts the HTTP server and blocks until it stops.
func (s *HTTPServer) Start() error {
	s.logger.Info("starting HTTP server", "address", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

// searchRequest is the body of every search endpoint. Query is a pointer to
// tell a missing field apart from an empty one.
type searchRequest struct {
	Query   *string `json:"query"`
	K       *int    `json:"k"`
	Extract bool    `json:"extract"`
}

// searchResult is one entry of a search response.
type searchResult struct {
	DocumentID    string           `json:"document_id"`
	Score         float64          `json:"score"`
	ExtractedData []extract.Result `json:"extracted_data"`
}

type searchResponse struct {
	Results []searchResult `json:"results"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleSearch builds the shared handler around one pipeline function:
// readiness gate, input validation, retrieval, optional extraction,
// response shaping.
func (s *HTTPServer) handleSearch(run func(ctx context.Context, p *Pipeline, query string, k int) ([]index.ScoredDoc, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := s.pipeline.Load()
		if p == nil {
			writeError(w, http.StatusServiceUnavailable, msgNotReady)
			return
		}

		req, errMsg := decodeSearchRequest(r)
		if errMsg != "" {
			writeError(w, http.StatusBadRequest, errMsg)
			return
		}

		k := defaultK
		if req.K != nil {
			k = *req.K
		}

		docs, err := run(r.Context(), p, *req.Query, k)
		if err != nil {
			if errors.Is(err, sparse.ErrTextTooLong) {
				writeError(w, http.StatusBadRequest, msgTextTooLong)
				return
			}
			s.logger.Error("search failed",
				"path", r.URL.Path,
				"error", err,
				"request_id", middleware.GetReqID(r.Context()),
			)
			writeError(w, http.StatusInternalServerError, msgInternal)
			return
		}

		results := make([]searchResult, len(docs))
		for i, doc := range docs {
			results[i] = searchResult{DocumentID: doc.DocumentID, Score: doc.Score}
		}

		if req.Extract && len(docs) > 0 {
			ids := make([]string, len(docs))
			for i, doc := range docs {
				ids[i] = doc.DocumentID
			}
			extracted := p.Extractor.Extract(r.Context(), ids)
			for i := range results {
				results[i].ExtractedData = extracted[i]
			}
		}

		writeJSON(w, http.StatusOK, searchResponse{Results: results})
	}
}

// decodeSearchRequest parses and validates the request body. A non-empty
// second return value is the 400 message to send.
func decodeSearchRequest(r *http.Request) (*searchRequest, string) {
	var req searchRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return nil, msgBadBody
	}

	if req.Query == nil {
		return nil, msgQueryRequired
	}
	if strings.TrimSpace(*req.Query) == "" {
		return nil, msgQueryEmpty
	}
	if req.K != nil && (*req.K < 1 || *req.K > maxK) {
		return nil, msgBadK
	}

	return &req, ""
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// handleHealthz reports process liveness.
func (s *HTTPServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleReadyz reports whether the resource loader has completed.
func (s *HTTPServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.pipeline.Load() == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// requestLoggingMiddleware logs HTTP requests
func requestLoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status code
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			duration := time.Since(start)

			logger.Info("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", duration,
				"remote_addr", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
