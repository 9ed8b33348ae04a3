// Package planner turns a scan report into a concrete backfill plan:
// the ordered list of dates to generate and what doing so should cost.
package planner

import (
	"sort"

	"github.com/summarybot/archivist/internal/ledger"
	"github.com/summarybot/archivist/internal/pricing"
	"github.com/summarybot/archivist/internal/scanner"
)

// Options shapes a plan.
type Options struct {
	// IncludeOutdated adds complete-but-stale summaries for regeneration.
	IncludeOutdated bool
	// From and To clamp the plan to a sub-range (YYYY-MM-DD, inclusive).
	// Empty means unclamped.
	From, To string
	// MaxPeriods caps the plan from the front (oldest first). Zero means
	// no cap.
	MaxPeriods int
}

// Plan is the executable output: which dates, in order, and the
// projected spend.
type Plan struct {
	SourceKey string          `json:"source_key"`
	Dates     []string        `json:"dates"`
	Outdated  []string        `json:"outdated,omitempty"`
	Estimate  ledger.Estimate `json:"estimate"`
}

// Analyze flattens the report's gaps, merges in outdated dates when
// asked, and prices the result. Dates are deduplicated, sorted oldest
// first, and clamped to the options' range.
func Analyze(rep scanner.Report, book *pricing.Book, model string, opts Options) Plan {
	seen := map[string]bool{}
	var dates []string
	add := func(d string) {
		if d == "" || seen[d] {
			return
		}
		if opts.From != "" && d < opts.From {
			return
		}
		if opts.To != "" && d > opts.To {
			return
		}
		seen[d] = true
		dates = append(dates, d)
	}

	for _, g := range rep.Gaps {
		for _, d := range g.Dates {
			add(d)
		}
	}

	var outdated []string
	if opts.IncludeOutdated {
		for _, d := range rep.Outdated {
			if !seen[d] {
				outdated = append(outdated, d)
			}
			add(d)
		}
	}

	sort.Strings(dates)
	sort.Strings(outdated)
	if opts.MaxPeriods > 0 && len(dates) > opts.MaxPeriods {
		dates = dates[:opts.MaxPeriods]
		outdated = intersect(outdated, dates)
	}

	return Plan{
		SourceKey: rep.SourceKey,
		Dates:     dates,
		Outdated:  outdated,
		Estimate:  ledger.EstimateBackfill(book, model, len(dates)),
	}
}

func intersect(a, keep []string) []string {
	kept := map[string]bool{}
	for _, d := range keep {
		kept[d] = true
	}
	var out []string
	for _, d := range a {
		if kept[d] {
			out = append(out, d)
		}
	}
	return out
}
