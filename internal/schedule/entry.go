// Package schedule persists per-agent scheduling state and the append-only
// dispatch record ledger that makes delivery idempotent across restarts.
package schedule

import (
	"fmt"
	"time"
)

// Cadence is the configured period between dispatches for an agent.
type Cadence string

const (
	CadenceDaily   Cadence = "daily"
	CadenceWeekly  Cadence = "weekly"
	CadenceMonthly Cadence = "monthly"
)

// ParseCadence validates a cadence string from config or CLI input.
func ParseCadence(s string) (Cadence, error) {
	switch Cadence(s) {
	case CadenceDaily, CadenceWeekly, CadenceMonthly:
		return Cadence(s), nil
	}
	return "", fmt.Errorf("invalid cadence %q (want daily, weekly or monthly)", s)
}

// Interval returns the fixed due interval for the cadence. Monthly uses a
// fixed 30 days rather than calendar months, matching the receipt periods
// the usage summaries are computed over.
func (c Cadence) Interval() time.Duration {
	switch c {
	case CadenceDaily:
		return 24 * time.Hour
	case CadenceWeekly:
		return 7 * 24 * time.Hour
	case CadenceMonthly:
		return 30 * 24 * time.Hour
	}
	return 7 * 24 * time.Hour
}

// Entry is the durable scheduling state for one agent. LastDispatchAt is
// advanced only by a successful dispatch commit; a zero value means the
// agent has never been served.
type Entry struct {
	AgentID        string
	Cadence        Cadence
	AnchorHour     int // hour of day (UTC) dispatches aim for
	LastDispatchAt time.Time
	CreatedAt      time.Time
}

// Due reports whether the agent should be dispatched at now. An agent with
// no prior dispatch is immediately due.
func (e Entry) Due(now time.Time) bool {
	if e.LastDispatchAt.IsZero() {
		return true
	}
	return now.Sub(e.LastDispatchAt) >= e.Cadence.Interval()
}

// NextDue returns the instant the agent becomes due. For a never-served
// agent that is now.
func (e Entry) NextDue(now time.Time) time.Time {
	if e.LastDispatchAt.IsZero() {
		return now
	}
	return e.LastDispatchAt.Add(e.Cadence.Interval())
}

// PeriodStart returns the start of the summary period ending at now: the
// last successful dispatch, or one cadence interval back on the first run.
func (e Entry) PeriodStart(now time.Time) time.Time {
	if e.LastDispatchAt.IsZero() {
		return now.Add(-e.Cadence.Interval())
	}
	return e.LastDispatchAt
}
