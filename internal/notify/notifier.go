// Package notify delivers rendered receipts to their targets.
//
// Every send resolves to a tagged outcome (success, transient, permanent)
// instead of an unstructured error, so the dispatch pipeline can branch on
// the tag: transient outcomes are retried on a later scheduler tick,
// permanent ones flag the agent for operator attention.
package notify

import "context"

// Outcome classifies a delivery attempt.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTransient
	OutcomePermanent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransient:
		return "transient"
	case OutcomePermanent:
		return "permanent"
	}
	return "unknown"
}

// Result is the resolved outcome of a send plus the underlying error, if any.
type Result struct {
	Outcome Outcome
	Err     error
}

// Message is one receipt delivery.
type Message struct {
	// DispatchID is the idempotency key for this dispatch attempt.
	// Transports that can deduplicate should use it.
	DispatchID string

	// Target is transport-specific: a webhook URL, a Redis channel, an
	// email address.
	Target  string
	Subject string
	Content string
}

// Notifier sends a rendered receipt to a target.
type Notifier interface {
	Name() string
	Send(ctx context.Context, msg Message) Result
}
