package index

import (
	"fmt"
	"log/slog"

	faiss "github.com/blevesearch/go-faiss"
)

const (
	// distanceEpsilon keeps dense scores finite for exact matches
	// (distance 0). Part of the score contract; do not change.
	distanceEpsilon = 1e-8

	// overFetchFactor is how many extra neighbors are requested to absorb
	// repeated document ids before truncation.
	overFetchFactor = 4
)

// Ann is the slice of the FAISS index the dense searcher needs.
type Ann interface {
	D() int
	Search(x []float32, k int64) (distances []float32, labels []int64, err error)
	Delete()
}

// DenseIndex searches the ANN index and translates slot identifiers back to
// document strings via the documents mapping loaded from the sparse index.
type DenseIndex struct {
	ann  Ann
	docs map[int64]string
}

// OpenDense opens the FAISS index file at path.
func OpenDense(path string, docs map[int64]string) (*DenseIndex, error) {
	idx, err := faiss.ReadIndex(path, faiss.IOFlagMmap)
	if err != nil {
		return nil, fmt.Errorf("opening dense index: %w", err)
	}
	return &DenseIndex{ann: idx, docs: docs}, nil
}

// NewDenseIndex wraps an already-open ANN index. Used by tests.
func NewDenseIndex(ann Ann, docs map[int64]string) *DenseIndex {
	return &DenseIndex{ann: ann, docs: docs}
}

// Dimension returns the index's vector dimensionality.
func (d *DenseIndex) Dimension() int {
	return d.ann.D()
}

// Search finds the documents nearest to the query vector.
//
// It over-fetches 4·k neighbors, walks them in returned order keeping the
// first occurrence of each document, and truncates to k. Scores are
// 1/(distance+1e-8) so higher is better and exact matches stay finite.
// Identifiers missing from the documents mapping are skipped and logged.
func (d *DenseIndex) Search(vector []float32, k int) ([]ScoredDoc, error) {
	if len(vector) != d.ann.D() {
		return nil, fmt.Errorf("query dimension %d does not match index dimension %d", len(vector), d.ann.D())
	}

	distances, labels, err := d.ann.Search(vector, int64(overFetchFactor*k))
	if err != nil {
		return nil, fmt.Errorf("dense search: %w", err)
	}

	seen := make(map[string]struct{}, k)
	results := []ScoredDoc{}
	for i, label := range labels {
		if label < 0 {
			// FAISS pads short result sets with -1.
			continue
		}
		document, ok := d.docs[label]
		if !ok {
			slog.Warn("dense index id missing from documents table", "id", label)
			continue
		}
		if _, dup := seen[document]; dup {
			continue
		}
		seen[document] = struct{}{}
		results = append(results, ScoredDoc{
			DocumentID: document,
			Score:      1.0 / (float64(distances[i]) + distanceEpsilon),
		})
	}

	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Close releases the FAISS index.
func (d *DenseIndex) Close() {
	d.ann.Delete()
}
