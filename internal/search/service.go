// Package search wires the sparse and dense retrieval pipelines together and
// implements hybrid rank fusion over them.
package search

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/mlpapers/retrieval/internal/embedder"
	"github.com/mlpapers/retrieval/internal/index"
	"github.com/mlpapers/retrieval/internal/sparse"
)

// minFusionFetch is the floor on the per-branch candidate count fed into
// fusion: fusionK = max(4·k, minFusionFetch).
const minFusionFetch = 50

// QueryEncoder encodes query text into a sparse term-weight vector.
type QueryEncoder interface {
	EncodeQuery(text string) (sparse.Vector, error)
}

// SparseScorer scores a sparse query vector against the inverted index.
type SparseScorer interface {
	Search(ctx context.Context, query sparse.Vector, k int) ([]index.ScoredDoc, error)
}

// DenseSearcher finds nearest documents for an embedding vector.
type DenseSearcher interface {
	Search(vector []float32, k int) ([]index.ScoredDoc, error)
}

// Service executes the retrieval pipelines. Immutable after construction and
// safe for concurrent use.
type Service struct {
	encoder  QueryEncoder
	scorer   SparseScorer
	embedder embedder.Embedder
	dense    DenseSearcher
}

// NewService creates a retrieval service over the given components.
func NewService(encoder QueryEncoder, scorer SparseScorer, embed embedder.Embedder, dense DenseSearcher) *Service {
	return &Service{
		encoder:  encoder,
		scorer:   scorer,
		embedder: embed,
		dense:    dense,
	}
}

// Sparse runs the learned-sparse pipeline: encode the query, score it
// against the inverted index, return the top-k documents descending.
// Returns sparse.ErrTextTooLong when the query exceeds the encoder limit.
func (s *Service) Sparse(ctx context.Context, query string, k int) ([]index.ScoredDoc, error) {
	vector, err := s.encoder.EncodeQuery(query)
	if err != nil {
		return nil, err
	}
	return s.scorer.Search(ctx, vector, k)
}

// Dense runs the embedding pipeline: embed the query and search the ANN
// index for the top-k nearest documents.
func (s *Service) Dense(ctx context.Context, query string, k int) ([]index.ScoredDoc, error) {
	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	return s.dense.Search(vector, k)
}

// Hybrid runs the sparse and dense pipelines in parallel with an enlarged
// candidate count, then fuses the two ranked lists with reciprocal rank
// fusion down to k.
func (s *Service) Hybrid(ctx context.Context, query string, k int) ([]index.ScoredDoc, error) {
	fusionK := 4 * k
	if fusionK < minFusionFetch {
		fusionK = minFusionFetch
	}

	var sparseResults, denseResults []index.ScoredDoc

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		sparseResults, err = s.Sparse(gctx, query, fusionK)
		return err
	})
	g.Go(func() error {
		var err error
		denseResults, err = s.Dense(gctx, query, fusionK)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return ReciprocalRankFusion(denseResults, sparseResults, k), nil
}
