// Package index provides read-only access to the serve-time retrieval
// indices: the SQLite inverted index for sparse scoring and the FAISS index
// for dense nearest-neighbor search.
package index

// ScoredDoc is a document identifier with a relevance score. Ordered lists of
// ScoredDoc are the universal intermediate form across the retrieval
// pipelines; within one list each DocumentID appears at most once and scores
// are finite and sorted descending.
type ScoredDoc struct {
	DocumentID string
	Score      float64
}
