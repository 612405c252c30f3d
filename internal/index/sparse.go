package index

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/mlpapers/retrieval/internal/sparse"
)

// SparseIndex scores queries against the on-disk inverted index:
//
//	documents(id INTEGER PRIMARY KEY, filename TEXT UNIQUE NOT NULL)
//	inverted_index(term INTEGER, document_id INTEGER REFERENCES documents(id), score REAL)
//
// The database is opened read-only; concurrent queries run on independent
// connections and do not serialize on a writer lock.
type SparseIndex struct {
	db   *sql.DB
	path string
}

// OpenSparse opens the sparse index database at path, read-only, and
// validates its schema.
func OpenSparse(path string) (*SparseIndex, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening sparse index: %w", err)
	}

	if err := validateSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sparse index %s: %w", path, err)
	}

	return &SparseIndex{db: db, path: path}, nil
}

// validateSchema checks the tables the scorer depends on exist.
func validateSchema(db *sql.DB) error {
	for _, table := range []string{"documents", "inverted_index"} {
		var count int
		err := db.QueryRow(
			`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table,
		).Scan(&count)
		if err != nil {
			return fmt.Errorf("cannot query schema: %w", err)
		}
		if count == 0 {
			return fmt.Errorf("table %q missing", table)
		}
	}
	return nil
}

// Search executes a weighted join of the query vector against the inverted
// index and returns the top-k documents by summed score, descending. An empty
// query vector yields an empty result without touching the database.
func (s *SparseIndex) Search(ctx context.Context, query sparse.Vector, k int) ([]ScoredDoc, error) {
	if query.Len() == 0 {
		return []ScoredDoc{}, nil
	}

	// Bind the query's (term, weight) pairs as a VALUES relation and join it
	// to the postings on term id.
	placeholders := strings.Repeat("(?,?), ", query.Len()-1) + "(?,?)"
	stmt := fmt.Sprintf(`
		WITH query_terms(term, score) AS (
			VALUES %s
		)
		SELECT
			d.filename AS document,
			SUM(idx.score * q.score) AS total_score
		FROM
			inverted_index AS idx
		JOIN
			query_terms AS q ON idx.term = q.term
		JOIN
			documents AS d ON idx.document_id = d.id
		GROUP BY
			idx.document_id, d.filename
		ORDER BY
			total_score DESC
		LIMIT ?`, placeholders)

	params := make([]any, 0, 2*query.Len()+1)
	for i, term := range query.Terms {
		params = append(params, term, float64(query.Weights[i]))
	}
	params = append(params, k)

	rows, err := s.db.QueryContext(ctx, stmt, params...)
	if err != nil {
		return nil, fmt.Errorf("sparse search: %w", err)
	}
	defer rows.Close()

	results := []ScoredDoc{}
	for rows.Next() {
		var doc ScoredDoc
		if err := rows.Scan(&doc.DocumentID, &doc.Score); err != nil {
			return nil, fmt.Errorf("scanning sparse result: %w", err)
		}
		results = append(results, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sparse search: %w", err)
	}

	return results, nil
}

// Documents reads the full (id, filename) mapping. Used at load time to
// translate ANN slot identifiers back to document strings.
func (s *SparseIndex) Documents(ctx context.Context) (map[int64]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, filename FROM documents`)
	if err != nil {
		return nil, fmt.Errorf("reading documents table: %w", err)
	}
	defer rows.Close()

	docs := make(map[int64]string)
	for rows.Next() {
		var id int64
		var filename string
		if err := rows.Scan(&id, &filename); err != nil {
			return nil, fmt.Errorf("scanning document row: %w", err)
		}
		docs[id] = filename
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading documents table: %w", err)
	}

	return docs, nil
}

// Close releases the database handle.
func (s *SparseIndex) Close() error {
	return s.db.Close()
}
