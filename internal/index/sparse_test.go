package index

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlpapers/retrieval/internal/sparse"
)

// newFixtureDB writes a small sparse index to disk and returns its path.
//
// Postings (term, doc, score):
//
//	term 10: paper-a 2.0, paper-b 1.0
//	term 20: paper-b 3.0, paper-c 0.5
//	term 30: paper-c 4.0
func newFixtureDB(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "sparse_index.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`
		CREATE TABLE documents (id INTEGER PRIMARY KEY, filename TEXT UNIQUE NOT NULL);
		CREATE TABLE inverted_index (
			term INTEGER NOT NULL,
			document_id INTEGER NOT NULL REFERENCES documents(id),
			score REAL NOT NULL
		);
		CREATE INDEX idx_term ON inverted_index(term);

		INSERT INTO documents (id, filename) VALUES
			(1, 'paper-a'), (2, 'paper-b'), (3, 'paper-c');

		INSERT INTO inverted_index (term, document_id, score) VALUES
			(10, 1, 2.0), (10, 2, 1.0),
			(20, 2, 3.0), (20, 3, 0.5),
			(30, 3, 4.0);
	`)
	require.NoError(t, err)

	return path
}

func openFixture(t *testing.T) *SparseIndex {
	t.Helper()
	idx, err := OpenSparse(newFixtureDB(t))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestSparseSearchWeightedSum(t *testing.T) {
	idx := openFixture(t)

	query := sparse.Vector{
		Terms:   []int{10, 20},
		Weights: []float32{1.0, 2.0},
	}

	results, err := idx.Search(context.Background(), query, 10)
	require.NoError(t, err)
	require.Len(t, results, 3)

	// paper-b: 1.0*1.0 + 3.0*2.0 = 7.0
	// paper-a: 2.0*1.0 = 2.0
	// paper-c: 0.5*2.0 = 1.0
	assert.Equal(t, "paper-b", results[0].DocumentID)
	assert.InDelta(t, 7.0, results[0].Score, 1e-9)
	assert.Equal(t, "paper-a", results[1].DocumentID)
	assert.InDelta(t, 2.0, results[1].Score, 1e-9)
	assert.Equal(t, "paper-c", results[2].DocumentID)
	assert.InDelta(t, 1.0, results[2].Score, 1e-9)
}

func TestSparseSearchLimitsToK(t *testing.T) {
	idx := openFixture(t)

	query := sparse.Vector{
		Terms:   []int{10, 20, 30},
		Weights: []float32{1.0, 1.0, 1.0},
	}

	results, err := idx.Search(context.Background(), query, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.GreaterOrEqual(t, results[0].Score, results[1].Score)
}

func TestSparseSearchMatchesOnlySharedTerms(t *testing.T) {
	idx := openFixture(t)

	// Term 30 appears only in paper-c.
	query := sparse.Vector{
		Terms:   []int{30, 999},
		Weights: []float32{1.0, 5.0},
	}

	results, err := idx.Search(context.Background(), query, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "paper-c", results[0].DocumentID)
	assert.InDelta(t, 4.0, results[0].Score, 1e-9)
}

func TestSparseSearchEmptyQuery(t *testing.T) {
	idx := openFixture(t)

	results, err := idx.Search(context.Background(), sparse.Vector{}, 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSparseDocuments(t *testing.T) {
	idx := openFixture(t)

	docs, err := idx.Documents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[int64]string{1: "paper-a", 2: "paper-b", 3: "paper-c"}, docs)
}

func TestOpenSparseRejectsMissingSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE unrelated (x INTEGER)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = OpenSparse(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}
