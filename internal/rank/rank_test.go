package rank

import "testing"

func TestFuse_AgreementBoostsRank(t *testing.T) {
	systems := []System{
		{Name: "vector", Weight: 0.6, Items: []Item{
			{ID: "a", Rank: 0},
			{ID: "b", Rank: 1},
			{ID: "c", Rank: 2},
		}},
		{Name: "fulltext", Weight: 0.3, Items: []Item{
			{ID: "b", Rank: 0},
			{ID: "a", Rank: 1},
		}},
	}

	fused := Fuse(systems, DefaultK)
	if len(fused) != 3 {
		t.Fatalf("expected 3 fused items, got %d", len(fused))
	}

	top := fused[0]
	if top.ID != "a" && top.ID != "b" {
		t.Errorf("expected item appearing in both systems to rank first, got %s", top.ID)
	}
	if top.Consensus != 2 {
		t.Errorf("expected top item to have consensus 2, got %d", top.Consensus)
	}
	if fused[2].Consensus != 1 {
		t.Errorf("expected single-system item to have consensus 1, got %d", fused[2].Consensus)
	}
	if fused[0].FusionRank != 1 || fused[2].FusionRank != 3 {
		t.Errorf("expected FusionRank to track output position, got %d and %d", fused[0].FusionRank, fused[2].FusionRank)
	}
}

func TestFuse_WeightZero_ExcludesSystemContribution(t *testing.T) {
	systems := []System{
		{Name: "vector", Weight: 1.0, Items: []Item{{ID: "x", Rank: 0}}},
		{Name: "structured", Weight: 0, Items: []Item{{ID: "x", Rank: 0}}},
	}

	fused := Fuse(systems, DefaultK)
	if len(fused) != 1 {
		t.Fatalf("expected 1 fused item, got %d", len(fused))
	}

	want := 1.0 * (1.0 / float32(DefaultK+1))
	if fused[0].Score != want {
		t.Errorf("expected score %v from weighted system only, got %v", want, fused[0].Score)
	}
	if fused[0].Consensus != 1 {
		t.Errorf("expected zero-weight system not to count toward consensus, got %d", fused[0].Consensus)
	}
}

func TestFuse_EmptySystems(t *testing.T) {
	fused := Fuse(nil, 0)
	if len(fused) != 0 {
		t.Errorf("expected no fused items, got %d", len(fused))
	}
}

func TestFuse_DefaultsKWhenNonPositive(t *testing.T) {
	systems := []System{{Name: "vector", Weight: 1.0, Items: []Item{{ID: "a", Rank: 0}}}}

	fused := Fuse(systems, 0)
	want := 1.0 * (1.0 / float32(DefaultK+1))
	if fused[0].Score != want {
		t.Errorf("expected Fuse to default k=%d, got score %v want %v", DefaultK, fused[0].Score, want)
	}
}

func TestFuse_StableOrderingOnTie(t *testing.T) {
	systems := []System{
		{Name: "vector", Weight: 1.0, Items: []Item{
			{ID: "z", Rank: 0},
			{ID: "a", Rank: 0},
		}},
	}

	fused := Fuse(systems, DefaultK)
	if fused[0].ID != "a" {
		t.Errorf("expected tie to break lexicographically, got order %v", []string{fused[0].ID, fused[1].ID})
	}
}

func TestFuseWithOptions_MinConsensusDropsSingleSystemItems(t *testing.T) {
	systems := []System{
		{Name: "vector", Weight: 0.6, Items: []Item{{ID: "a", Rank: 0}, {ID: "b", Rank: 1}}},
		{Name: "fulltext", Weight: 0.3, Items: []Item{{ID: "a", Rank: 0}}},
	}

	fused := FuseWithOptions(systems, Options{MinConsensus: 2})
	if len(fused) != 1 || fused[0].ID != "a" {
		t.Fatalf("expected only item appearing in both systems to survive, got %v", fused)
	}
}

func TestFuseWithOptions_MaxResultsCaps(t *testing.T) {
	systems := []System{
		{Name: "vector", Weight: 1.0, Items: []Item{
			{ID: "a", Rank: 0}, {ID: "b", Rank: 1}, {ID: "c", Rank: 2},
		}},
	}

	fused := FuseWithOptions(systems, Options{MaxResults: 2})
	if len(fused) != 2 {
		t.Fatalf("expected maxResults to cap output to 2, got %d", len(fused))
	}
}

func TestFuseWithOptions_MinScoreFilters(t *testing.T) {
	systems := []System{
		{Name: "vector", Weight: 1.0, Items: []Item{{ID: "a", Rank: 0}, {ID: "b", Rank: 100}}},
	}

	high := 1.0 / float32(DefaultK+1)
	fused := FuseWithOptions(systems, Options{MinScore: high - 0.0001})
	if len(fused) != 1 || fused[0].ID != "a" {
		t.Fatalf("expected only the high-scoring item to survive minScore filter, got %v", fused)
	}
}

func TestFuseWithOptions_PerSystemScoresAndRanks(t *testing.T) {
	systems := []System{
		{Name: "vector", Weight: 0.6, Items: []Item{{ID: "a", Rank: 4}}},
	}

	fused := FuseWithOptions(systems, Options{})
	want := float32(0.6) * (1.0 / float32(DefaultK+4+1))
	if fused[0].SystemScores["vector"] != want {
		t.Errorf("expected per-system score %v, got %v", want, fused[0].SystemScores["vector"])
	}
	if fused[0].SystemRanks["vector"] != 5 {
		t.Errorf("expected 1-based system rank 5, got %d", fused[0].SystemRanks["vector"])
	}
}

func TestFuseWithOptions_MinScoreAppliesOnNormalizedScale(t *testing.T) {
	systems := []System{
		{Name: "vector", Weight: 1.0, Items: []Item{
			{ID: "a", Rank: 0}, {ID: "b", Rank: 50}, {ID: "c", Rank: 500},
		}},
	}

	// A similarity-style threshold like 0.5 exceeds every raw RRF sum
	// (all < 1/k), so it only makes sense against normalized scores:
	// "a" normalizes to 1, "c" to 0, "b" somewhere below the floor.
	fused := FuseWithOptions(systems, Options{Normalize: true, MinScore: 0.5})
	if len(fused) != 1 || fused[0].ID != "a" {
		t.Fatalf("expected only the top item to survive the normalized floor, got %v", fused)
	}
	if fused[0].Score != 1 {
		t.Errorf("expected surviving item's score normalized to 1, got %v", fused[0].Score)
	}
	if fused[0].FusionRank != 1 {
		t.Errorf("expected fusion rank reassigned after filtering, got %d", fused[0].FusionRank)
	}
}
