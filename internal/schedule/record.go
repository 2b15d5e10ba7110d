package schedule

import "time"

// Outcome classifies how one dispatch attempt resolved.
type Outcome string

const (
	// OutcomeSuccess: the receipt was delivered and the schedule advanced.
	OutcomeSuccess Outcome = "success"
	// OutcomeRetry: transient delivery failure; the agent stays due and is
	// retried on a later tick.
	OutcomeRetry Outcome = "retry"
	// OutcomeFailedPermanent: the agent needs operator attention (bad
	// credentials, malformed target); it is not auto-retried busily.
	OutcomeFailedPermanent Outcome = "failed_permanent"
)

// DispatchRecord is the append-only witness written once per resolved
// dispatch attempt. It answers "was agent X already served for period Y?"
// independent of any in-memory scheduler state.
type DispatchRecord struct {
	ID          int64
	DispatchID  string // unique per attempt (uuid)
	AgentID     string
	PeriodStart time.Time
	PeriodEnd   time.Time
	SummaryJSON string // snapshot of the summary that was rendered
	DeliveredTo string
	DeliveredAt time.Time
	Outcome     Outcome
	Error       string
}
