package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlpapers/retrieval/internal/llm"
)

// stubStore serves markdown from a map.
type stubStore struct {
	markdown map[string]string
}

func (s *stubStore) FetchFile(ctx context.Context, object, localPath string) error {
	return errors.New("not implemented")
}

func (s *stubStore) FetchPrefix(ctx context.Context, prefix, localDir string) (int, error) {
	return 0, errors.New("not implemented")
}

func (s *stubStore) ReadMarkdown(ctx context.Context, documentID string) (string, error) {
	body, ok := s.markdown[documentID]
	if !ok {
		return "", fmt.Errorf("no markdown for %s", documentID)
	}
	return body, nil
}

// stubLLM answers per-prompt, optionally failing the first N calls.
type stubLLM struct {
	mu        sync.Mutex
	responses map[string]string // keyed by prompt (markdown body)
	failFirst int
	calls     int
}

func (s *stubLLM) Generate(ctx context.Context, prompt string, opts llm.GenerateOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failFirst {
		return "", errors.New("transient upstream failure")
	}
	if resp, ok := s.responses[prompt]; ok {
		return resp, nil
	}
	return "", errors.New("unexpected prompt")
}

func record(task, metric string) string {
	return fmt.Sprintf(`{"results": [{"task": %q, "metric": %q}]}`, task, metric)
}

func newTestExtractor(store *stubStore, client llm.LLM) *Extractor {
	x := New(store, client, WithConcurrency(2))
	x.retryBackoff = time.Millisecond
	return x
}

func TestExtractOrderPreserving(t *testing.T) {
	store := &stubStore{markdown: map[string]string{
		"paper-a": "# A",
		"paper-b": "# B",
		"paper-c": "# C",
	}}
	client := &stubLLM{responses: map[string]string{
		"# A": record("classification", "accuracy"),
		"# B": record("translation", "BLEU"),
		"# C": record("detection", "mAP"),
	}}

	results := newTestExtractor(store, client).Extract(context.Background(), []string{"paper-c", "paper-a", "paper-b"})
	require.Len(t, results, 3)

	require.Len(t, results[0], 1)
	assert.Equal(t, "detection", results[0][0].Task)
	require.Len(t, results[1], 1)
	assert.Equal(t, "classification", results[1][0].Task)
	require.Len(t, results[2], 1)
	assert.Equal(t, "translation", results[2][0].Task)
}

func TestExtractFailedDocumentYieldsNil(t *testing.T) {
	store := &stubStore{markdown: map[string]string{
		"paper-a": "# A",
		// paper-missing has no markdown artifact
	}}
	client := &stubLLM{responses: map[string]string{
		"# A": record("classification", "accuracy"),
	}}

	results := newTestExtractor(store, client).Extract(context.Background(), []string{"paper-missing", "paper-a"})
	require.Len(t, results, 2)
	assert.Nil(t, results[0])
	require.Len(t, results[1], 1)
	assert.Equal(t, "accuracy", results[1][0].Metric)
}

func TestExtractEmptyResultsYieldNil(t *testing.T) {
	store := &stubStore{markdown: map[string]string{"paper-a": "# A"}}
	client := &stubLLM{responses: map[string]string{"# A": `{"results": []}`}}

	results := newTestExtractor(store, client).Extract(context.Background(), []string{"paper-a"})
	require.Len(t, results, 1)
	assert.Nil(t, results[0])
}

func TestExtractRetriesTransientFailures(t *testing.T) {
	store := &stubStore{markdown: map[string]string{"paper-a": "# A"}}
	client := &stubLLM{
		responses: map[string]string{"# A": record("qa", "F1")},
		failFirst: 2,
	}

	results := newTestExtractor(store, client).Extract(context.Background(), []string{"paper-a"})
	require.Len(t, results, 1)
	require.Len(t, results[0], 1)
	assert.Equal(t, "qa", results[0][0].Task)
	assert.Equal(t, 3, client.calls)
}

func TestExtractGivesUpAfterRetries(t *testing.T) {
	store := &stubStore{markdown: map[string]string{"paper-a": "# A"}}
	client := &stubLLM{
		responses: map[string]string{"# A": record("qa", "F1")},
		failFirst: 10,
	}

	results := newTestExtractor(store, client).Extract(context.Background(), []string{"paper-a"})
	require.Len(t, results, 1)
	assert.Nil(t, results[0])
	assert.Equal(t, 3, client.calls) // initial attempt + 2 retries
}

func TestExtractMalformedOutputYieldsNil(t *testing.T) {
	store := &stubStore{markdown: map[string]string{"paper-a": "# A"}}
	client := &stubLLM{responses: map[string]string{"# A": "not json at all"}}

	results := newTestExtractor(store, client).Extract(context.Background(), []string{"paper-a"})
	require.Len(t, results, 1)
	assert.Nil(t, results[0])
}

func TestExtractCanceledContext(t *testing.T) {
	store := &stubStore{markdown: map[string]string{"paper-a": "# A"}}
	client := &stubLLM{responses: map[string]string{"# A": record("qa", "F1")}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := newTestExtractor(store, client).Extract(ctx, []string{"paper-a"})
	require.Len(t, results, 1)
	assert.Nil(t, results[0])
}

func TestExtractEmptyBatch(t *testing.T) {
	store := &stubStore{markdown: map[string]string{}}
	client := &stubLLM{}

	results := newTestExtractor(store, client).Extract(context.Background(), nil)
	assert.Empty(t, results)
}

func TestResultJSONShape(t *testing.T) {
	raw := `{"results": [{
		"task": "image classification",
		"model_name": "ResNet-50",
		"parameter_count": 25600000,
		"metric": "top-1 accuracy",
		"metric_higher_is_better": true,
		"value": 76.1,
		"dataset": "ImageNet",
		"dataset_split": "validation"
	}]}`

	store := &stubStore{markdown: map[string]string{"paper-a": "# A"}}
	client := &stubLLM{responses: map[string]string{"# A": raw}}

	results := newTestExtractor(store, client).Extract(context.Background(), []string{"paper-a"})
	require.Len(t, results, 1)
	require.Len(t, results[0], 1)

	r := results[0][0]
	assert.Equal(t, "image classification", r.Task)
	assert.Equal(t, "ResNet-50", r.ModelName)
	require.NotNil(t, r.ParameterCount)
	assert.Equal(t, int64(25600000), *r.ParameterCount)
	require.NotNil(t, r.MetricHigherIsBetter)
	assert.True(t, *r.MetricHigherIsBetter)
	require.NotNil(t, r.Value)
	assert.InDelta(t, 76.1, *r.Value, 1e-9)
	assert.True(t, strings.HasPrefix(r.Metric, "top-1"))
}
