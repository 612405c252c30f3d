// Package loader performs the one-shot startup fetch of the retrieval
// resources: the sparse index database, the encoder model files, and the
// dense ANN index. It runs once per process; on failure the service is
// useless and the process is expected to exit and be restarted.
package loader

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/mlpapers/retrieval/internal/config"
	"github.com/mlpapers/retrieval/internal/embedder"
	"github.com/mlpapers/retrieval/internal/extract"
	"github.com/mlpapers/retrieval/internal/index"
	"github.com/mlpapers/retrieval/internal/llm"
	"github.com/mlpapers/retrieval/internal/objectstore"
	"github.com/mlpapers/retrieval/internal/search"
	"github.com/mlpapers/retrieval/internal/sparse"
)

// Resources holds the immutable serve-time handles produced by Load.
type Resources struct {
	Search    *search.Service
	Extractor *extract.Extractor

	sparseIndex *index.SparseIndex
	denseIndex  *index.DenseIndex
	encoder     *sparse.Encoder
}

// Close releases the index and encoder handles.
func (r *Resources) Close() {
	if r.encoder != nil {
		if err := r.encoder.Close(); err != nil {
			slog.Warn("closing encoder", "error", err)
		}
	}
	if r.denseIndex != nil {
		r.denseIndex.Close()
	}
	if r.sparseIndex != nil {
		if err := r.sparseIndex.Close(); err != nil {
			slog.Warn("closing sparse index", "error", err)
		}
	}
}

// Load fetches and opens every serve-time resource, in order: sparse index
// database, encoder model directory, tokenizer + masked-LM session, dense
// ANN index, and the document-id mapping. It finishes with an embedding
// dimension health check against the ANN index. Any failure is fatal to the
// caller; Load does not retry.
func Load(ctx context.Context, cfg *config.Config, store objectstore.Store, embed embedder.Embedder, llmClient llm.LLM) (*Resources, error) {
	start := time.Now()

	// 1. Sparse index database.
	sparsePath := filepath.Join(cfg.DataDir, "sparse_index.db")
	if err := store.FetchFile(ctx, objectstore.SparseIndexObject, sparsePath); err != nil {
		return nil, fmt.Errorf("fetching sparse index: %w", err)
	}
	sparseIdx, err := index.OpenSparse(sparsePath)
	if err != nil {
		return nil, err
	}
	slog.Info("sparse index ready", "path", sparsePath)

	// 2. Encoder model directory (tokenizer config, vocabulary, weights).
	modelDir := filepath.Join(cfg.DataDir, "models", filepath.FromSlash(cfg.EncoderModel))
	fetched, err := store.FetchPrefix(ctx, objectstore.ModelPrefix+cfg.EncoderModel, modelDir)
	if err != nil {
		sparseIdx.Close()
		return nil, fmt.Errorf("fetching encoder model: %w", err)
	}
	slog.Info("encoder model fetched", "dir", modelDir, "files", fetched)

	// 3. Tokenizer and masked-LM session.
	if err := sparse.InitRuntime(cfg.OnnxLibraryPath); err != nil {
		sparseIdx.Close()
		return nil, err
	}
	encoder, err := sparse.NewEncoder(modelDir)
	if err != nil {
		sparseIdx.Close()
		return nil, err
	}
	slog.Info("sparse encoder ready", "model", cfg.EncoderModel)

	// 4. Dense ANN index.
	densePath := filepath.Join(cfg.DataDir, "dense_index.faiss")
	if err := store.FetchFile(ctx, objectstore.DenseIndexObject, densePath); err != nil {
		encoder.Close()
		sparseIdx.Close()
		return nil, fmt.Errorf("fetching dense index: %w", err)
	}

	// 5. Document-id mapping, used to translate ANN slots to documents.
	docs, err := sparseIdx.Documents(ctx)
	if err != nil {
		encoder.Close()
		sparseIdx.Close()
		return nil, err
	}

	denseIdx, err := index.OpenDense(densePath, docs)
	if err != nil {
		encoder.Close()
		sparseIdx.Close()
		return nil, err
	}
	slog.Info("dense index ready", "path", densePath, "documents", len(docs), "dimension", denseIdx.Dimension())

	// Embedding dimension health check: a mismatch between the embedding
	// service and the ANN index makes every dense query wrong.
	probe, err := embed.Embed(ctx, "retrieval service startup probe")
	if err != nil {
		denseIdx.Close()
		encoder.Close()
		sparseIdx.Close()
		return nil, fmt.Errorf("embedding health check: %w", err)
	}
	if len(probe) != denseIdx.Dimension() {
		denseIdx.Close()
		encoder.Close()
		sparseIdx.Close()
		return nil, fmt.Errorf("embedding dimension %d does not match dense index dimension %d (model %s)",
			len(probe), denseIdx.Dimension(), embed.ModelName())
	}

	extractor := extract.New(store, llmClient,
		extract.WithModel(cfg.ExtractionModel),
		extract.WithConcurrency(cfg.ExtractConcurrency),
		extract.WithGlobalLimit(cfg.ExtractGlobalLimit),
		extract.WithPerDocumentTimeout(cfg.ExtractTimeout),
	)

	slog.Info("resources loaded", "duration", time.Since(start))

	return &Resources{
		Search:      search.NewService(encoder, sparseIdx, embed, denseIdx),
		Extractor:   extractor,
		sparseIndex: sparseIdx,
		denseIndex:  denseIdx,
		encoder:     encoder,
	}, nil
}
