package usecase

import "github.com/kmalinin/docchat-core/internal/core/domain"

// diversifyPassages caps how many passages a single document contributes,
// keeping the first preserveTopN passages unconditionally. Output is an
// order-preserving subsequence of the input.
//
// When seedPrefixCounts is set, documents already present in the preserved
// prefix consume their cap before the remainder is scanned; otherwise the
// remainder gets a fresh per-document budget.
func diversifyPassages(in []domain.Passage, maxPerDocument, preserveTopN int, seedPrefixCounts bool) []domain.Passage {
	if len(in) == 0 {
		return in
	}
	if maxPerDocument <= 0 {
		return in
	}
	if preserveTopN < 0 {
		preserveTopN = 0
	}
	if preserveTopN >= len(in) {
		return in
	}

	prefix := in[:preserveTopN]
	remainder := in[preserveTopN:]

	counts := make(map[string]int, len(in))
	if seedPrefixCounts {
		for _, p := range prefix {
			counts[p.DocumentID]++
		}
	}

	out := make([]domain.Passage, 0, len(in))
	out = append(out, prefix...)
	for _, p := range remainder {
		if counts[p.DocumentID] >= maxPerDocument {
			continue
		}
		counts[p.DocumentID]++
		out = append(out, p)
	}
	return out
}

// diversityScore is unique documents over total passages, in [0,1].
// Diagnostic only, never used for ranking.
func diversityScore(passages []domain.Passage) float64 {
	if len(passages) == 0 {
		return 0.0
	}
	unique := make(map[string]struct{}, len(passages))
	for _, p := range passages {
		unique[p.DocumentID] = struct{}{}
	}
	return float64(len(unique)) / float64(len(passages))
}
