// Package summary computes period usage summaries from the usage store.
//
// Summarize is a pure read: it can be re-run safely during dispatch retries
// and always returns identical results for the same period when no events
// were recorded in between.
package summary

import (
	"fmt"
	"sort"
	"time"

	"github.com/billfrog/billfrog/internal/usage"
)

// CategoryShare is one category's slice of a period summary. Cost is
// attributed proportionally to the category's unit share of the period total.
type CategoryShare struct {
	Category     string  `json:"category"`
	Events       int64   `json:"events"`
	Units        int64   `json:"units"`
	SharePercent float64 `json:"share_percent"`
	CostUSD      float64 `json:"cost_usd"`
}

// DayTotal is one day of the period's contiguous daily series.
type DayTotal struct {
	Date    string  `json:"date"`
	Events  int64   `json:"events"`
	Units   int64   `json:"units"`
	CostUSD float64 `json:"cost_usd"`
}

// Summary aggregates one agent's usage over a half-open period [start, end).
type Summary struct {
	AgentID      string          `json:"agent_id"`
	PeriodStart  time.Time       `json:"period_start"`
	PeriodEnd    time.Time       `json:"period_end"`
	TotalEvents  int64           `json:"total_events"`
	TotalUnits   int64           `json:"total_units"`
	TotalCostUSD float64         `json:"total_cost_usd"`
	Categories   []CategoryShare `json:"categories"`
	Days         []DayTotal      `json:"days"`
}

// Aggregator computes summaries from the usage store.
type Aggregator struct {
	store *usage.Store
}

// New creates an Aggregator backed by the given store.
func New(store *usage.Store) *Aggregator {
	return &Aggregator{store: store}
}

// Summarize computes the period summary for [start, end). A period with no
// usage yields a zero-cost summary with an empty category breakdown and a
// zero-valued entry for every day in range.
func (a *Aggregator) Summarize(agentID string, start, end time.Time) (*Summary, error) {
	series, err := a.store.GetAggregates(agentID, start, end)
	if err != nil {
		return nil, fmt.Errorf("summarize %s: %w", agentID, err)
	}

	s := &Summary{
		AgentID:     agentID,
		PeriodStart: start.UTC(),
		PeriodEnd:   end.UTC(),
		Days:        make([]DayTotal, 0, len(series)),
	}

	categories := make(map[string]usage.CategoryTotal)
	for _, agg := range series {
		s.TotalEvents += agg.TotalEvents
		s.TotalUnits += agg.TotalUnits
		s.TotalCostUSD += agg.TotalCostUSD
		s.Days = append(s.Days, DayTotal{
			Date:    agg.Date,
			Events:  agg.TotalEvents,
			Units:   agg.TotalUnits,
			CostUSD: agg.TotalCostUSD,
		})
		for name, ct := range agg.Categories {
			total := categories[name]
			total.Events += ct.Events
			total.Units += ct.Units
			categories[name] = total
		}
	}

	// No units means no attribution basis: report zero cost and an empty
	// breakdown rather than dividing by zero.
	if s.TotalUnits == 0 {
		s.TotalCostUSD = 0
		s.Categories = []CategoryShare{}
		return s, nil
	}

	for name, ct := range categories {
		share := float64(ct.Units) / float64(s.TotalUnits)
		s.Categories = append(s.Categories, CategoryShare{
			Category:     name,
			Events:       ct.Events,
			Units:        ct.Units,
			SharePercent: share * 100,
			CostUSD:      share * s.TotalCostUSD,
		})
	}

	// Deterministic order: largest unit share first, name as tie-break.
	sort.Slice(s.Categories, func(i, j int) bool {
		if s.Categories[i].Units != s.Categories[j].Units {
			return s.Categories[i].Units > s.Categories[j].Units
		}
		return s.Categories[i].Category < s.Categories[j].Category
	})

	return s, nil
}
