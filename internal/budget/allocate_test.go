package budget

import (
	"testing"

	"github.com/arcuslabs/arcusgw/internal/types"
)

// Weights that make the composite score track Relevance alone, so tests
// can reason about ordering directly.
var relevanceOnly = PreferenceWeights{Relevance: 1.0}

func item(id string, cost int, relevance float64) types.MemoryItem {
	return types.MemoryItem{ID: id, Text: "x", TokenCost: cost, Relevance: relevance}
}

func totalCost(items []types.MemoryItem) int {
	sum := 0
	for _, it := range items {
		sum += it.TokenCost
	}
	return sum
}

func TestAllocateSkipsOversizedTopItem(t *testing.T) {
	candidates := []types.MemoryItem{
		item("a", 100, 0.9),
		item("b", 50, 0.5),
		item("c", 40, 0.1),
	}

	got := Allocate(candidates, 90, relevanceOnly)

	if len(got) != 2 {
		t.Fatalf("expected 2 items, got %d", len(got))
	}
	if got[0].ID != "b" || got[1].ID != "c" {
		t.Errorf("expected [b c], got [%s %s]", got[0].ID, got[1].ID)
	}
	if totalCost(got) != 90 {
		t.Errorf("expected total cost 90, got %d", totalCost(got))
	}
}

func TestAllocateNeverExceedsBudget(t *testing.T) {
	cases := []struct {
		name   string
		costs  []int
		budget int
	}{
		{"exact fit", []int{30, 30, 30}, 90},
		{"one over", []int{50, 50}, 99},
		{"all tiny", []int{1, 2, 3, 4, 5}, 7},
		{"single huge", []int{1000}, 100},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var candidates []types.MemoryItem
			for i, c := range tc.costs {
				candidates = append(candidates, item(string(rune('a'+i)), c, 0.5))
			}
			got := Allocate(candidates, tc.budget, DefaultWeights())
			if totalCost(got) > tc.budget {
				t.Errorf("total cost %d exceeds budget %d", totalCost(got), tc.budget)
			}
		})
	}
}

func TestAllocateEmptyInputs(t *testing.T) {
	if got := Allocate(nil, 100, DefaultWeights()); len(got) != 0 {
		t.Errorf("nil candidates: expected empty, got %d items", len(got))
	}
	if got := Allocate([]types.MemoryItem{item("a", 10, 0.5)}, 0, DefaultWeights()); len(got) != 0 {
		t.Errorf("zero budget: expected empty, got %d items", len(got))
	}
}

func TestAllocateExcludesItemLargerThanWholeBudget(t *testing.T) {
	candidates := []types.MemoryItem{item("big", 500, 0.99)}
	if got := Allocate(candidates, 100, relevanceOnly); len(got) != 0 {
		t.Errorf("expected oversized item excluded whole, got %d items", len(got))
	}
}

func TestAllocatePreservesScoreOrder(t *testing.T) {
	candidates := []types.MemoryItem{
		item("low", 10, 0.1),
		item("high", 10, 0.9),
		item("mid", 10, 0.5),
	}

	got := Allocate(candidates, 100, relevanceOnly)
	if len(got) != 3 {
		t.Fatalf("expected 3 items, got %d", len(got))
	}
	want := []string{"high", "mid", "low"}
	for i, w := range want {
		if got[i].ID != w {
			t.Errorf("position %d: expected %s, got %s", i, w, got[i].ID)
		}
	}
}

func TestAllocateTieBreakIsInsertionOrder(t *testing.T) {
	candidates := []types.MemoryItem{
		item("first", 10, 0.5),
		item("second", 10, 0.5),
		item("third", 10, 0.5),
	}

	got := Allocate(candidates, 25, relevanceOnly)
	if len(got) != 2 {
		t.Fatalf("expected 2 items, got %d", len(got))
	}
	if got[0].ID != "first" || got[1].ID != "second" {
		t.Errorf("expected insertion-order tie break, got [%s %s]", got[0].ID, got[1].ID)
	}
}

func TestAllocateEstimatesMissingCosts(t *testing.T) {
	candidates := []types.MemoryItem{
		{ID: "a", Text: "some memory text that needs a token estimate", Relevance: 0.9},
	}

	got := Allocate(candidates, 1000, relevanceOnly)
	if len(got) != 1 {
		t.Fatalf("expected 1 item, got %d", len(got))
	}
	if got[0].TokenCost <= 0 {
		t.Errorf("expected estimated token cost > 0, got %d", got[0].TokenCost)
	}
}
