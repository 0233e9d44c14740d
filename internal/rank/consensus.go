package rank

import "math"

// ConsensusReport is the output of Consensus: pairwise agreement
// between systems plus the set of items every system's top-K (or
// close to it) agrees on.
type ConsensusReport struct {
	// PairwiseJaccard maps "systemA|systemB" (sorted) to the Jaccard
	// overlap of their top-K item sets.
	PairwiseJaccard map[string]float64
	// StrongConsensus lists items appearing in at least
	// ceil(0.7 * N) of the N systems.
	StrongConsensus []string
}

// Consensus computes pairwise Jaccard overlap of each system's top-K
// items and the set of items appearing in at least ⌈0.7·N⌉ systems.
func Consensus(systems []System, topK int) ConsensusReport {
	report := ConsensusReport{PairwiseJaccard: make(map[string]float64)}
	if len(systems) == 0 {
		return report
	}

	topSets := make([]map[string]bool, len(systems))
	occurrence := make(map[string]int)
	for i, sys := range systems {
		set := make(map[string]bool)
		for _, item := range sys.Items {
			if topK > 0 && item.Rank >= topK {
				continue
			}
			set[item.ID] = true
		}
		topSets[i] = set
	}

	for _, sys := range systems {
		seen := make(map[string]bool)
		for _, item := range sys.Items {
			if seen[item.ID] {
				continue
			}
			seen[item.ID] = true
			occurrence[item.ID]++
		}
	}

	for i := 0; i < len(systems); i++ {
		for j := i + 1; j < len(systems); j++ {
			key := pairKey(systems[i].Name, systems[j].Name)
			report.PairwiseJaccard[key] = jaccard(topSets[i], topSets[j])
		}
	}

	threshold := int(math.Ceil(0.7 * float64(len(systems))))
	for id, count := range occurrence {
		if count >= threshold {
			report.StrongConsensus = append(report.StrongConsensus, id)
		}
	}

	return report
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	var intersection, union int
	seen := make(map[string]bool, len(a)+len(b))
	for id := range a {
		seen[id] = true
	}
	for id := range b {
		seen[id] = true
	}
	union = len(seen)
	for id := range a {
		if b[id] {
			intersection++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func pairKey(a, b string) string {
	if a <= b {
		return a + "|" + b
	}
	return b + "|" + a
}
