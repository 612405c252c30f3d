package search

import (
	"sort"

	"github.com/mlpapers/retrieval/internal/index"
)

// ReciprocalRankFusion combines a dense and a sparse ranked list into a
// single top-k list.
//
// Each document scores 1/rank per list it appears in, with 1-based ranks and
// zero contribution from a list it is absent from. The denominator is the
// unshifted rank (no +60 constant); input scores are ignored, only ranks
// matter. Ties break by ascending document id for deterministic output.
func ReciprocalRankFusion(denseResults, sparseResults []index.ScoredDoc, k int) []index.ScoredDoc {
	scores := make(map[string]float64, len(denseResults)+len(sparseResults))

	for rank, doc := range denseResults {
		scores[doc.DocumentID] += 1.0 / float64(rank+1)
	}
	for rank, doc := range sparseResults {
		scores[doc.DocumentID] += 1.0 / float64(rank+1)
	}

	fused := make([]index.ScoredDoc, 0, len(scores))
	for id, score := range scores {
		fused = append(fused, index.ScoredDoc{DocumentID: id, Score: score})
	}

	sort.Slice(fused, func(i, j int) bool {
		if fused[i].Score != fused[j].Score {
			return fused[i].Score > fused[j].Score
		}
		return fused[i].DocumentID < fused[j].DocumentID
	})

	if len(fused) > k {
		fused = fused[:k]
	}
	return fused
}
