// Package dispatch runs one receipt delivery end to end: summarize the
// period, render, send, and commit the result against the schedule store.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/billfrog/billfrog/internal/config"
	"github.com/billfrog/billfrog/internal/notify"
	"github.com/billfrog/billfrog/internal/schedule"
	"github.com/billfrog/billfrog/internal/summary"
	"github.com/google/uuid"
)

// Pipeline wires the collaborators for a dispatch run. All fields are
// required except Now, SendTimeout and LogFn.
type Pipeline struct {
	Aggregator *summary.Aggregator
	Schedule   *schedule.Store
	Formatter  Formatter
	Notifier   notify.Notifier

	// SendTimeout bounds the notifier call (default: 30s)
	SendTimeout time.Duration

	// Now is swappable for tests
	Now func() time.Time

	// LogFn is called for log messages (optional)
	LogFn func(level, msg string)
}

// Formatter renders a summary into a deliverable subject and body.
type Formatter interface {
	Render(agentID string, cadence schedule.Cadence, s *summary.Summary) (subject, body string, err error)
}

func (p *Pipeline) log(level, format string, args ...any) {
	if p.LogFn != nil {
		p.LogFn(level, fmt.Sprintf(format, args...))
	}
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Dispatch runs one delivery for the agent and resolves it to a dispatch
// record. The schedule only advances on success, and only inside the same
// transaction that writes the success record: a crash anywhere before that
// commit leaves the agent due, so the next tick retries.
func (p *Pipeline) Dispatch(ctx context.Context, agent config.Agent) (schedule.Outcome, error) {
	now := p.now().UTC()

	entry, err := p.Schedule.Get(agent.Name)
	if errors.Is(err, schedule.ErrNotFound) {
		entry = schedule.Entry{
			AgentID:    agent.Name,
			Cadence:    schedule.Cadence(agent.Cadence),
			AnchorHour: agent.AnchorHour,
		}
		if err := p.Schedule.Upsert(entry); err != nil {
			return "", fmt.Errorf("register schedule entry: %w", err)
		}
	} else if err != nil {
		return "", fmt.Errorf("load schedule entry: %w", err)
	}

	periodStart := entry.PeriodStart(now)
	periodEnd := now

	sum, err := p.Aggregator.Summarize(agent.Name, periodStart, periodEnd)
	if err != nil {
		return "", fmt.Errorf("summarize period: %w", err)
	}

	subject, body, err := p.Formatter.Render(agent.Name, entry.Cadence, sum)
	if err != nil {
		return "", fmt.Errorf("render receipt: %w", err)
	}

	snapshot, err := json.Marshal(sum)
	if err != nil {
		return "", fmt.Errorf("snapshot summary: %w", err)
	}

	dispatchID := uuid.NewString()
	sendTimeout := p.SendTimeout
	if sendTimeout == 0 {
		sendTimeout = 30 * time.Second
	}
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	res := p.Notifier.Send(sendCtx, notify.Message{
		DispatchID: dispatchID,
		Target:     agent.Target,
		Subject:    subject,
		Content:    body,
	})
	cancel()

	rec := schedule.DispatchRecord{
		DispatchID:  dispatchID,
		AgentID:     agent.Name,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
		SummaryJSON: string(snapshot),
		DeliveredTo: agent.Target,
		DeliveredAt: p.now().UTC(),
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}

	switch res.Outcome {
	case notify.OutcomeSuccess:
		if err := p.Schedule.CommitSuccess(rec); err != nil {
			// The send happened but the commit failed; the agent stays
			// due and the next tick re-sends. Accepted trade-off.
			return "", fmt.Errorf("commit dispatch: %w", err)
		}
		p.log("info", "dispatched receipt for %s (%s, $%.4f)", agent.Name, dispatchID, sum.TotalCostUSD)
		return schedule.OutcomeSuccess, nil

	case notify.OutcomeTransient:
		rec.Outcome = schedule.OutcomeRetry
		if err := p.Schedule.RecordAttempt(rec); err != nil {
			return "", fmt.Errorf("record retry attempt: %w", err)
		}
		p.log("warning", "transient delivery failure for %s, will retry: %v", agent.Name, res.Err)
		return schedule.OutcomeRetry, nil

	default:
		rec.Outcome = schedule.OutcomeFailedPermanent
		if err := p.Schedule.RecordAttempt(rec); err != nil {
			return "", fmt.Errorf("record failed attempt: %w", err)
		}
		p.log("error", "permanent delivery failure for %s, needs operator attention: %v", agent.Name, res.Err)
		return schedule.OutcomeFailedPermanent, nil
	}
}
