// Package budget selects the slice of retrieved memory that fits a
// token budget for one generation request.
package budget

import (
	"sort"

	. "github.com/arcuslabs/arcusgw/internal/logging"
	"github.com/arcuslabs/arcusgw/internal/tokens"
	"github.com/arcuslabs/arcusgw/internal/types"
)

// PreferenceWeights tune the composite score. Relevance and Recency
// reward, Cost penalizes (normalized against the largest candidate).
type PreferenceWeights struct {
	Relevance float64
	Recency   float64
	Cost      float64
}

// DefaultWeights favors relevance, then recency
func DefaultWeights() PreferenceWeights {
	return PreferenceWeights{Relevance: 0.5, Recency: 0.3, Cost: 0.2}
}

type scored struct {
	item  types.MemoryItem
	score float64
}

// Allocate picks a subset of candidates whose total token cost fits
// budgetTokens, ordered by descending composite score.
//
// Selection is first-fit by score: an item that would overflow the
// remaining budget is skipped, not a stopping point, so smaller
// lower-ranked items can still fit. Items are admitted or excluded
// whole - no mid-item truncation. Ties keep insertion order so results
// are deterministic.
func Allocate(candidates []types.MemoryItem, budgetTokens int, w PreferenceWeights) []types.MemoryItem {
	if len(candidates) == 0 || budgetTokens <= 0 {
		return nil
	}

	// Fill in missing token costs from the estimator; find the max for
	// cost normalization.
	maxCost := 0
	items := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		if c.TokenCost <= 0 && c.Text != "" {
			c.TokenCost = tokens.Estimate(c.Text)
		}
		if c.TokenCost > maxCost {
			maxCost = c.TokenCost
		}
		items = append(items, scored{item: c})
	}

	for i := range items {
		normCost := 0.0
		if maxCost > 0 {
			normCost = float64(items[i].item.TokenCost) / float64(maxCost)
		}
		items[i].score = w.Relevance*items[i].item.Relevance +
			w.Recency*items[i].item.Recency -
			w.Cost*normCost
	}

	// Stable sort keeps insertion order on equal scores
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].score > items[j].score
	})

	var out []types.MemoryItem
	used := 0
	skipped := 0
	for _, s := range items {
		cost := s.item.TokenCost
		if cost > budgetTokens-used {
			skipped++
			continue
		}
		out = append(out, s.item)
		used += cost
	}

	if skipped > 0 {
		L_trace("budget: candidates skipped",
			"skipped", skipped,
			"admitted", len(out),
			"usedTokens", used,
			"budget", budgetTokens)
	}
	return out
}
