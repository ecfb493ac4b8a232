package retrieval

import (
	"sort"
)

// DefaultRankConstant is the RRF smoothing constant. 60 is the value
// commonly used in practice.
const DefaultRankConstant = 60

// FuseRanks merges the dense and sparse hit lists into a single ranking
// using Reciprocal Rank Fusion. Each chunk's fused score is the sum of
// 1/(k + rank) over the lists it appears in, with 1-based ranks. Pure
// function, no I/O.
//
// Ordering is fully deterministic: fused score descending, then best
// individual rank ascending, then chunk identity. An empty input list
// degrades to RRF over the remaining list.
func FuseRanks(denseHits, sparseHits []SearchHit, topK int, rankConstant float64) []FusedResult {
	if rankConstant <= 0 {
		rankConstant = DefaultRankConstant
	}

	fused := make(map[ChunkID]*FusedResult, len(denseHits)+len(sparseHits))

	for i, hit := range denseHits {
		rank := i + 1
		fused[hit.ID] = &FusedResult{
			ID:        hit.ID,
			Score:     1.0 / (rankConstant + float64(rank)),
			DenseRank: rank,
		}
	}

	for i, hit := range sparseHits {
		rank := i + 1
		if existing, ok := fused[hit.ID]; ok {
			existing.Score += 1.0 / (rankConstant + float64(rank))
			existing.SparseRank = rank
		} else {
			fused[hit.ID] = &FusedResult{
				ID:         hit.ID,
				Score:      1.0 / (rankConstant + float64(rank)),
				SparseRank: rank,
			}
		}
	}

	results := make([]FusedResult, 0, len(fused))
	for _, r := range fused {
		results = append(results, *r)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		bi, bj := bestRank(results[i]), bestRank(results[j])
		if bi != bj {
			return bi < bj
		}
		return results[i].ID.Less(results[j].ID)
	})

	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}

	return results
}

// bestRank returns the lowest rank a chunk achieved in any list.
func bestRank(r FusedResult) int {
	switch {
	case r.DenseRank == 0:
		return r.SparseRank
	case r.SparseRank == 0:
		return r.DenseRank
	case r.DenseRank < r.SparseRank:
		return r.DenseRank
	default:
		return r.SparseRank
	}
}
