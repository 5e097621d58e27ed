// Package selector applies the output caps to ranked items and produces the
// final ordered selection: top highlights plus per-module item lists.
package selector

import (
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/tidewater/briefd/config"
	"github.com/tidewater/briefd/item"
	"github.com/tidewater/briefd/novelty"
	"github.com/tidewater/briefd/rank"
)

// Candidate is one ranked item eligible for selection.
type Candidate struct {
	Item        item.Item
	Fingerprint string
	Label       novelty.Label
	Reason      string
	Scores      rank.Result
	FirstSeenAt time.Time
}

// ModuleSelection is the selected slice of one source module.
type ModuleSelection struct {
	Source       string
	Items        []Candidate
	VisibleCount int // default view cap; the rest render collapsed
}

// Selection is the selector's complete output.
type Selection struct {
	Highlights []Candidate
	Modules    []ModuleSelection // ordered by each module's best item
}

// Select sorts candidates and applies the caps. Ordering: final score
// descending, ties broken by urgency then by earliest first-seen time, so a
// long-open commitment is never buried under an equally scored newcomer.
// Caps are applied strictly after sorting: a module hitting its hard cap
// drops its own surplus, never a higher-scoring item elsewhere.
func Select(candidates []Candidate, cfg config.SelectionConfig) Selection {
	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Scores.Final != b.Scores.Final {
			return a.Scores.Final > b.Scores.Final
		}
		if a.Scores.Urgency != b.Scores.Urgency {
			return a.Scores.Urgency > b.Scores.Urgency
		}
		return a.FirstSeenAt.Before(b.FirstSeenAt)
	})

	var (
		kept        []Candidate
		perModule   = make(map[string]int)
		moduleOrder []string
	)
	for _, cand := range sorted {
		if len(kept) >= cfg.GlobalCap {
			break
		}
		if perModule[cand.Item.Source] >= cfg.ModuleHardCap {
			continue
		}
		if perModule[cand.Item.Source] == 0 {
			moduleOrder = append(moduleOrder, cand.Item.Source)
		}
		perModule[cand.Item.Source]++
		kept = append(kept, cand)
	}

	highlights := kept
	if len(highlights) > cfg.HighlightCap {
		highlights = highlights[:cfg.HighlightCap]
	}

	grouped := lo.GroupBy(kept, func(c Candidate) string { return c.Item.Source })
	modules := lo.Map(moduleOrder, func(source string, _ int) ModuleSelection {
		items := grouped[source]
		visible := cfg.ModuleDefaultCap
		if visible > len(items) {
			visible = len(items)
		}
		return ModuleSelection{Source: source, Items: items, VisibleCount: visible}
	})

	return Selection{Highlights: highlights, Modules: modules}
}
