// Package rank implements Reciprocal Rank Fusion across an
// arbitrary number of weighted retrieval systems.
//
// RRF score = Σ_i weight_i * (1 / (k + rank_i(item) + 1)), generalized
// from a fixed two-system (vector, keyword) fusion to N named systems
// so the search layer can fuse vector, full-text, and
// structured-entity boosts with
// the same formula and independently tunable weights.
package rank

import "sort"

// DefaultK is the RRF rank-dampening constant used when a caller does
// not supply one; 60 is the value the fusion literature converges on.
const DefaultK = 60

// Item is one retrieval hit from a single system, identified by the
// id it shares with hits from every other system (e.g. a chunk ID).
type Item struct {
	ID   string
	Rank int // 0-based: the position of this item within its system's result list
}

// System is one ranked result list plus the weight its ranks
// contribute to the fused score.
type System struct {
	Name   string
	Weight float32
	Items  []Item
}

// FusedItem is one entry in a Fuse result: the accumulated RRF score,
// the per-system contribution breakdown, and how many systems agreed
// on this item.
type FusedItem struct {
	ID           string
	Score        float32
	SystemScores map[string]float32 // per-system weighted contribution
	SystemRanks  map[string]int     // per-system 1-based rank
	Consensus    int                // number of systems this item appeared in
	FusionRank   int                // 1-based position in the final output
}

// Options filters the fused output. A zero Options applies no filter.
type Options struct {
	K            int     // RRF dampening constant; defaults to DefaultK
	MinScore     float32 // drop items scoring below this (normalized scale when Normalize is set)
	MaxResults   int     // cap the number of items returned; 0 = unbounded
	MinConsensus int     // drop items appearing in fewer than this many systems
	Normalize    bool    // min-max rescale final scores into [0, 1]
}

// Fuse combines any number of weighted systems into a single
// score-descending ranking using the options' RRF k constant, with no
// score/consensus/result-count filtering applied.
func Fuse(systems []System, k int) []FusedItem {
	return FuseWithOptions(systems, Options{K: k})
}

// FuseWithOptions is Fuse's full form: per-system scores and ranks,
// consensus count, fusion rank, and the minScore/maxResults/
// minConsensus filters.
func FuseWithOptions(systems []System, opts Options) []FusedItem {
	k := opts.K
	if k <= 0 {
		k = DefaultK
	}

	acc := make(map[string]*FusedItem)
	for _, sys := range systems {
		if sys.Weight == 0 {
			continue
		}
		for _, item := range sys.Items {
			contribution := sys.Weight * (1.0 / float32(k+item.Rank+1))

			fi, ok := acc[item.ID]
			if !ok {
				fi = &FusedItem{
					ID:           item.ID,
					SystemScores: make(map[string]float32),
					SystemRanks:  make(map[string]int),
				}
				acc[item.ID] = fi
			}
			fi.Score += contribution
			fi.SystemScores[sys.Name] = contribution
			fi.SystemRanks[sys.Name] = item.Rank + 1
			fi.Consensus++
		}
	}

	out := make([]FusedItem, 0, len(acc))
	for _, fi := range acc {
		if opts.MinConsensus > 0 && fi.Consensus < opts.MinConsensus {
			continue
		}
		out = append(out, *fi)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})

	// Normalization happens before the score filter so MinScore is
	// applied on the same scale the caller receives: raw RRF sums are
	// ~1/k and would make any similarity-style threshold drop
	// everything.
	if opts.Normalize {
		normalizeScores(out)
	}
	if opts.MinScore > 0 {
		kept := out[:0]
		for _, fi := range out {
			if fi.Score >= opts.MinScore {
				kept = append(kept, fi)
			}
		}
		out = kept
	}

	for i := range out {
		out[i].FusionRank = i + 1
	}

	if opts.MaxResults > 0 && len(out) > opts.MaxResults {
		out = out[:opts.MaxResults]
	}

	return out
}

// normalizeScores min-max rescales every item's Score into [0, 1] in
// place; SystemScores keep their raw contributions. A single-item or
// all-equal-score result normalizes to 1 rather than dividing by zero.
func normalizeScores(items []FusedItem) {
	if len(items) == 0 {
		return
	}
	min, max := items[0].Score, items[0].Score
	for _, it := range items {
		if it.Score < min {
			min = it.Score
		}
		if it.Score > max {
			max = it.Score
		}
	}
	spread := max - min
	for i := range items {
		if spread <= 0 {
			items[i].Score = 1
			continue
		}
		items[i].Score = (items[i].Score - min) / spread
	}
}
