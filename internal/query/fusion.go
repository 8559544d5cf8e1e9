package query

import "sort"

// DefaultRRFConstant is the standard reciprocal-rank-fusion damping term.
const DefaultRRFConstant = 60

// fuseRRF merges two ranked candidate lists with reciprocal rank fusion.
// Each list contributes 1/(k + rank + 1) per candidate, rank 0-based, so a
// child found by both retrievers outranks one found by either alone.
// Ties break deterministically on first appearance (keyword list first).
func fuseRRF(keywordIDs, vectorIDs []string, k int) []string {
	if k <= 0 {
		k = DefaultRRFConstant
	}

	scores := make(map[string]float64)
	firstSeen := make(map[string]int)
	order := 0

	accumulate := func(ids []string) {
		for rank, id := range ids {
			scores[id] += 1.0 / float64(k+rank+1)
			if _, seen := firstSeen[id]; !seen {
				firstSeen[id] = order
				order++
			}
		}
	}
	accumulate(keywordIDs)
	accumulate(vectorIDs)

	merged := make([]string, 0, len(scores))
	for id := range scores {
		merged = append(merged, id)
	}
	sort.Slice(merged, func(i, j int) bool {
		si, sj := scores[merged[i]], scores[merged[j]]
		if si != sj {
			return si > sj
		}
		return firstSeen[merged[i]] < firstSeen[merged[j]]
	})
	return merged
}
