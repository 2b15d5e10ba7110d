package usage

import "time"

// DateLayout is the canonical day key used for daily aggregates.
const DateLayout = "2006-01-02"

// Event captures a single metered AI request for one agent.
// Events are immutable once recorded; only retention cleanup removes them.
type Event struct {
	// Database ID (set after insert)
	ID int64

	// Agent the usage belongs to
	AgentID string

	// When the request happened
	Timestamp time.Time

	// Category is the model name (e.g. "gpt-4")
	Category string

	// Token counts
	PromptUnits     int64
	CompletionUnits int64

	// Cost in USD
	CostUSD float64
}

// TotalUnits returns the combined prompt and completion units.
func (e Event) TotalUnits() int64 {
	return e.PromptUnits + e.CompletionUnits
}

// Day returns the UTC day key the event rolls up into.
func (e Event) Day() string {
	return e.Timestamp.UTC().Format(DateLayout)
}

// CategoryTotal is the per-category slice of a daily aggregate.
type CategoryTotal struct {
	Events int64 `json:"events"`
	Units  int64 `json:"units"`
}

// DailyAggregate is the precomputed rollup of one agent's events for one day.
// Invariant: always equals the sum of that agent's events for the day. The
// rollup is maintained in the same transaction as each event insert, never
// recomputed lazily except by Reconcile.
type DailyAggregate struct {
	AgentID      string
	Date         string // DateLayout, UTC
	TotalEvents  int64
	TotalUnits   int64
	TotalCostUSD float64
	Categories   map[string]CategoryTotal
}
