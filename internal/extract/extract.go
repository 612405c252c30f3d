// Package extract pulls structured benchmark results out of paper markdown
// via an LLM structured-extraction call, fanned out concurrently over the
// top-ranked documents of a search.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/mlpapers/retrieval/internal/llm"
	"github.com/mlpapers/retrieval/internal/objectstore"
)

// Result is one benchmark result reported by a paper. Task and Metric are
// the only required fields; everything else is present when the paper
// states it.
type Result struct {
	Task                 string   `json:"task"`
	ModelName            string   `json:"model_name,omitempty"`
	ModelArchitecture    string   `json:"model_architecture,omitempty"`
	ParameterCount       *int64   `json:"parameter_count,omitempty"`
	Metric               string   `json:"metric"`
	MetricHigherIsBetter *bool    `json:"metric_higher_is_better,omitempty"`
	Value                *float64 `json:"value,omitempty"`
	ValueError           *float64 `json:"value_error,omitempty"`
	Dataset              string   `json:"dataset,omitempty"`
	DatasetVersion       string   `json:"dataset_version,omitempty"`
	DatasetSplit         string   `json:"dataset_split,omitempty"`
	InferenceTime        *float64 `json:"inference_time,omitempty"`
	InferenceTimeUnit    string   `json:"inference_time_unit,omitempty"`
	InferenceDeviceClass string   `json:"inference_device_class,omitempty"`
}

// systemPrompt anchors the extraction output schema.
const systemPrompt = `You are an expert at reading machine-learning research papers.
Extract every benchmark result reported by the paper below.

Respond with a single JSON object of the form:
{"results": [{
  "task": string,                        // e.g. "image classification" (required)
  "model_name": string,                  // e.g. "ResNet-50"
  "model_architecture": string,          // e.g. "convolutional neural network"
  "parameter_count": integer,            // total trainable parameters
  "metric": string,                      // e.g. "top-1 accuracy" (required)
  "metric_higher_is_better": boolean,
  "value": number,                       // the reported metric value
  "value_error": number,                 // error bar / std dev if reported
  "dataset": string,                     // e.g. "ImageNet"
  "dataset_version": string,
  "dataset_split": string,               // e.g. "test", "validation"
  "inference_time": number,
  "inference_time_unit": string,         // e.g. "ms/image"
  "inference_device_class": string       // e.g. "GPU", "TPU", "CPU"
}, ...]}

Omit any field the paper does not state. Report numbers exactly as printed;
do not convert units. If the paper reports no benchmark results, respond
with {"results": []}.`

const (
	defaultConcurrency   = 4
	defaultGlobalLimit   = 16
	defaultRetries       = 2
	defaultRetryBackoff  = 500 * time.Millisecond
	defaultPerDocTimeout = 60 * time.Second
)

// Extractor fetches cleaned markdown from object storage and runs the
// structured-extraction LLM over it. Safe for concurrent use; in-flight LLM
// calls are capped per request and globally across requests.
type Extractor struct {
	store         objectstore.Store
	llm           llm.LLM
	model         string
	concurrency   int
	global        *semaphore.Weighted
	retries       int
	retryBackoff  time.Duration
	perDocTimeout time.Duration
}

// Option is a functional option for configuring an Extractor.
type Option func(*Extractor)

// WithModel sets the extraction model.
func WithModel(model string) Option {
	return func(x *Extractor) {
		x.model = model
	}
}

// WithConcurrency sets the per-request worker limit.
func WithConcurrency(n int) Option {
	return func(x *Extractor) {
		if n > 0 {
			x.concurrency = n
		}
	}
}

// WithGlobalLimit caps LLM calls in flight across all requests.
func WithGlobalLimit(n int) Option {
	return func(x *Extractor) {
		if n > 0 {
			x.global = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithPerDocumentTimeout bounds the markdown fetch plus LLM call per document.
func WithPerDocumentTimeout(d time.Duration) Option {
	return func(x *Extractor) {
		if d > 0 {
			x.perDocTimeout = d
		}
	}
}

// New creates an Extractor.
func New(store objectstore.Store, llmClient llm.LLM, opts ...Option) *Extractor {
	x := &Extractor{
		store:         store,
		llm:           llmClient,
		concurrency:   defaultConcurrency,
		global:        semaphore.NewWeighted(defaultGlobalLimit),
		retries:       defaultRetries,
		retryBackoff:  defaultRetryBackoff,
		perDocTimeout: defaultPerDocTimeout,
	}

	for _, opt := range opts {
		opt(x)
	}

	return x
}

// Extract runs structured extraction over the given documents concurrently.
//
// The returned slice is parallel to documentIDs: entry i holds the results
// for documentIDs[i], or nil if extraction failed or produced no records.
// A failing document never aborts the batch.
func (x *Extractor) Extract(ctx context.Context, documentIDs []string) [][]Result {
	results := make([][]Result, len(documentIDs))
	if len(documentIDs) == 0 {
		return results
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(x.concurrency)

	for i, id := range documentIDs {
		g.Go(func() error {
			extracted, err := x.extractOne(gctx, id)
			if err != nil {
				slog.Warn("extraction failed", "document_id", id, "error", err)
				return nil // per-document failure, keep the batch going
			}
			results[i] = extracted
			return nil
		})
	}

	_ = g.Wait()
	return results
}

// extractOne fetches a document's markdown and runs the LLM over it.
// Returns nil (no error) when the paper yields zero records.
func (x *Extractor) extractOne(ctx context.Context, documentID string) ([]Result, error) {
	if err := x.global.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for extraction slot: %w", err)
	}
	defer x.global.Release(1)

	ctx, cancel := context.WithTimeout(ctx, x.perDocTimeout)
	defer cancel()

	markdown, err := x.store.ReadMarkdown(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("fetching markdown: %w", err)
	}

	raw, err := x.generateWithRetry(ctx, markdown)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Results []Result `json:"results"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("parsing extraction output: %w", err)
	}

	if len(parsed.Results) == 0 {
		return nil, nil
	}
	return parsed.Results, nil
}

// generateWithRetry calls the LLM with a bounded retry and short backoff.
func (x *Extractor) generateWithRetry(ctx context.Context, markdown string) (string, error) {
	opts := llm.GenerateOptions{
		Model:        x.model,
		SystemPrompt: systemPrompt,
		JSONOutput:   true,
	}

	var lastErr error
	for attempt := 0; attempt <= x.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(x.retryBackoff * time.Duration(attempt)):
			}
		}

		raw, err := x.llm.Generate(ctx, markdown, opts)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", lastErr
		}
	}

	return "", fmt.Errorf("extraction LLM failed after %d attempts: %w", x.retries+1, lastErr)
}
