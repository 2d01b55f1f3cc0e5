package agent

import (
	"sort"

	"github.com/qiki/dtmp/internal/contracts"
)

// EvaluateProposals filters candidates by the confidence threshold, orders
// them by (type priority, priority, confidence) descending, and returns the
// top k. Ties keep candidate order, so evaluation is deterministic for a
// fixed rule list.
func EvaluateProposals(candidates []contracts.Proposal, threshold float64, topK int) []contracts.Proposal {
	kept := make([]contracts.Proposal, 0, len(candidates))
	for _, p := range candidates {
		if p.Confidence >= threshold {
			kept = append(kept, p)
		}
	}

	sort.SliceStable(kept, func(i, j int) bool {
		a, b := kept[i], kept[j]
		if ap, bp := a.Type.TypePriority(), b.Type.TypePriority(); ap != bp {
			return ap > bp
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.Confidence > b.Confidence
	})

	if topK > 0 && len(kept) > topK {
		kept = kept[:topK]
	}
	return kept
}
