// Package sparse provides the learned-sparse (SPLADE-family) query encoder.
// A query is tokenized, run through a masked-LM ONNX model, and pooled into a
// sparse term-weight vector over the encoder's vocabulary.
package sparse

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
	ort "github.com/yalue/onnxruntime_go"
)

// MaxSequenceLength is the encoder's maximum input length in tokens.
// Queries that tokenize beyond this fail with ErrTextTooLong.
const MaxSequenceLength = 512

// ErrTextTooLong is returned when a query exceeds the encoder's token limit.
var ErrTextTooLong = errors.New("input text is too long")

// Vector is a sparse term-weight vector. Terms are vocabulary indices sorted
// ascending, with strictly positive weights; the two slices are parallel.
type Vector struct {
	Terms   []int
	Weights []float32
}

// Len returns the number of non-zero entries.
func (v Vector) Len() int { return len(v.Terms) }

// queryTokenizer turns a query string into token ids and an attention mask,
// without truncation.
type queryTokenizer interface {
	Tokenize(text string) (ids, mask []int64, err error)
}

// logitsRunner executes the masked-LM forward pass for a single sequence and
// returns the flattened [L, V] logits along with the vocabulary size V.
type logitsRunner interface {
	Run(ids, mask []int64) (logits []float32, vocab int, err error)
	Close() error
}

// Encoder encodes query strings into sparse vectors. Safe for concurrent use;
// forward passes are serialized on the underlying session.
type Encoder struct {
	tk     queryTokenizer
	runner logitsRunner
	maxLen int
	mu     sync.Mutex
}

// InitRuntime initializes the ONNX runtime environment. Must be called once
// before NewEncoder. libraryPath may be empty to use the default library
// location.
func InitRuntime(libraryPath string) error {
	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initializing onnx runtime: %w", err)
	}
	return nil
}

// NewEncoder loads the tokenizer and masked-LM model from a local model
// directory containing tokenizer.json and model.onnx.
func NewEncoder(modelDir string) (*Encoder, error) {
	tk, err := pretrained.FromFile(filepath.Join(modelDir, "tokenizer.json"))
	if err != nil {
		return nil, fmt.Errorf("loading tokenizer: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(
		filepath.Join(modelDir, "model.onnx"),
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"logits"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("creating encoder session: %w", err)
	}

	return &Encoder{
		tk:     &wordpieceTokenizer{tk: tk},
		runner: &ortRunner{session: session},
		maxLen: MaxSequenceLength,
	}, nil
}

// MaxLength returns the encoder's token limit.
func (e *Encoder) MaxLength() int { return e.maxLen }

// EncodeQuery encodes a query string into a sparse vector.
//
// The sequence logits [1, L, V] are pooled as
// max over L of log(1 + relu(logit)) * attention_mask, and only the non-zero
// vocabulary entries are emitted. Identical input yields identical output.
func (e *Encoder) EncodeQuery(text string) (Vector, error) {
	ids, mask, err := e.tk.Tokenize(text)
	if err != nil {
		return Vector{}, fmt.Errorf("tokenizing query: %w", err)
	}
	if len(ids) > e.maxLen {
		return Vector{}, ErrTextTooLong
	}

	e.mu.Lock()
	logits, vocab, err := e.runner.Run(ids, mask)
	e.mu.Unlock()
	if err != nil {
		return Vector{}, fmt.Errorf("encoder forward pass: %w", err)
	}

	pooled := poolMaxSaturated(logits, mask, vocab)
	return nonZero(pooled), nil
}

// Close releases the model session.
func (e *Encoder) Close() error {
	return e.runner.Close()
}

// poolMaxSaturated reduces flattened [L, V] logits to a dense V-length vector:
// elementwise log(1 + relu(logit)), masked positions zeroed, max over the
// sequence axis.
func poolMaxSaturated(logits []float32, mask []int64, vocab int) []float32 {
	pooled := make([]float32, vocab)
	seqLen := len(mask)
	for pos := 0; pos < seqLen; pos++ {
		if mask[pos] == 0 {
			continue
		}
		row := logits[pos*vocab : (pos+1)*vocab]
		for term, logit := range row {
			if logit <= 0 {
				continue
			}
			w := float32(math.Log1p(float64(logit)))
			if w > pooled[term] {
				pooled[term] = w
			}
		}
	}
	return pooled
}

// nonZero extracts the non-zero entries of a dense vector, in term order.
func nonZero(dense []float32) Vector {
	var v Vector
	for term, w := range dense {
		if w > 0 {
			v.Terms = append(v.Terms, term)
			v.Weights = append(v.Weights, w)
		}
	}
	return v
}

// wordpieceTokenizer adapts a sugarme tokenizer to queryTokenizer.
type wordpieceTokenizer struct {
	tk *tokenizer.Tokenizer
}

func (t *wordpieceTokenizer) Tokenize(text string) ([]int64, []int64, error) {
	en, err := t.tk.EncodeSingle(text, true)
	if err != nil {
		return nil, nil, err
	}

	ids := make([]int64, len(en.Ids))
	for i, id := range en.Ids {
		ids[i] = int64(id)
	}
	mask := make([]int64, len(en.AttentionMask))
	for i, m := range en.AttentionMask {
		mask[i] = int64(m)
	}
	return ids, mask, nil
}

// ortRunner runs the masked-LM through an ONNX runtime session.
type ortRunner struct {
	session *ort.DynamicAdvancedSession
}

func (r *ortRunner) Run(ids, mask []int64) ([]float32, int, error) {
	seqLen := len(ids)
	shape := ort.NewShape(1, int64(seqLen))

	idsTensor, err := ort.NewTensor(shape, ids)
	if err != nil {
		return nil, 0, fmt.Errorf("create input_ids tensor: %w", err)
	}
	defer idsTensor.Destroy()

	maskTensor, err := ort.NewTensor(shape, mask)
	if err != nil {
		return nil, 0, fmt.Errorf("create attention_mask tensor: %w", err)
	}
	defer maskTensor.Destroy()

	typeTensor, err := ort.NewTensor(shape, make([]int64, seqLen))
	if err != nil {
		return nil, 0, fmt.Errorf("create token_type_ids tensor: %w", err)
	}
	defer typeTensor.Destroy()

	// Output is allocated by the runtime: logits have dynamic shape [1, L, V].
	outputs := []ort.Value{nil}
	if err := r.session.Run([]ort.Value{idsTensor, maskTensor, typeTensor}, outputs); err != nil {
		return nil, 0, fmt.Errorf("run encoder inference: %w", err)
	}

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, 0, fmt.Errorf("unexpected logits tensor type %T", outputs[0])
	}
	defer out.Destroy()

	dims := out.GetShape()
	if len(dims) != 3 || dims[0] != 1 || int(dims[1]) != seqLen {
		return nil, 0, fmt.Errorf("unexpected logits shape %v", dims)
	}
	vocab := int(dims[2])

	data := out.GetData()
	logits := make([]float32, len(data))
	copy(logits, data)

	return logits, vocab, nil
}

func (r *ortRunner) Close() error {
	if r.session == nil {
		return nil
	}
	if err := r.session.Destroy(); err != nil {
		return fmt.Errorf("destroy encoder session: %w", err)
	}
	r.session = nil
	return nil
}
