// Package scheduler drives periodic receipt dispatch. A coordinator ticks
// about once a minute, checks each configured agent's persisted schedule,
// and hands due agents to a bounded worker pool. State is derived from the
// schedule store on every tick, so a restarted process resumes where the
// previous one left off.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/billfrog/billfrog/internal/config"
	"github.com/billfrog/billfrog/internal/schedule"
	"golang.org/x/time/rate"
)

// AgentState is the coordinator's view of one agent.
type AgentState string

const (
	StateIdle        AgentState = "idle"
	StateDue         AgentState = "due"
	StateDispatching AgentState = "dispatching"
)

// AgentStatus is a point-in-time snapshot of one agent, for operator queries.
type AgentStatus struct {
	AgentID        string           `json:"agent_id"`
	State          AgentState       `json:"state"`
	Cadence        string           `json:"cadence"`
	LastDispatchAt time.Time        `json:"last_dispatch_at,omitzero"`
	NextDueAt      time.Time        `json:"next_due_at,omitzero"`
	LastOutcome    schedule.Outcome `json:"last_outcome,omitempty"`
	LastError      string           `json:"last_error,omitempty"`
}

// Dispatcher runs one delivery for an agent and resolves it to an outcome.
type Dispatcher interface {
	Dispatch(ctx context.Context, agent config.Agent) (schedule.Outcome, error)
}

// CoordinatorConfig holds configuration for the dispatch coordinator.
type CoordinatorConfig struct {
	// Agents is the set of agents to schedule
	Agents []config.Agent

	// Schedule is the persisted schedule store
	Schedule *schedule.Store

	// Dispatcher runs individual deliveries
	Dispatcher Dispatcher

	// TickInterval between schedule checks (default: 60s)
	TickInterval time.Duration

	// Workers caps concurrent dispatches (default: 4)
	Workers int

	// GracePeriod bounds the wait for in-flight dispatches on stop (default: 30s)
	GracePeriod time.Duration

	// SendRPS rate-limits dispatch starts; zero disables limiting
	SendRPS float64

	// SendBurst is the limiter burst size (default: Workers)
	SendBurst int

	// Now is swappable for tests
	Now func() time.Time

	// LogFn is called for log messages (optional)
	LogFn func(level, msg string)
}

// Coordinator owns the tick loop and the per-agent dispatch bookkeeping.
type Coordinator struct {
	schedule   *schedule.Store
	dispatcher Dispatcher
	tick       time.Duration
	grace      time.Duration
	limiter    *rate.Limiter
	now        func() time.Time
	logFn      func(level, msg string)
	slots      chan struct{}
	wg         sync.WaitGroup

	mu       sync.Mutex
	agents   []config.Agent
	inflight map[string]bool
	results  map[string]lastResult

	// resumeSince lifts permanent-failure suppression: a failed_permanent
	// record delivered at or before this instant no longer blocks dispatch.
	// Reload advances it so an operator edit triggers a fresh attempt.
	resumeSince time.Time
}

type lastResult struct {
	outcome schedule.Outcome
	err     string
}

// NewCoordinator creates a coordinator from the given configuration.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	tick := cfg.TickInterval
	if tick == 0 {
		tick = 60 * time.Second
	}
	workers := cfg.Workers
	if workers == 0 {
		workers = 4
	}
	grace := cfg.GracePeriod
	if grace == 0 {
		grace = 30 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.SendRPS > 0 {
		burst := cfg.SendBurst
		if burst == 0 {
			burst = workers
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.SendRPS), burst)
	}
	return &Coordinator{
		schedule:   cfg.Schedule,
		dispatcher: cfg.Dispatcher,
		tick:       tick,
		grace:      grace,
		limiter:    limiter,
		now:        now,
		logFn:      cfg.LogFn,
		slots:      make(chan struct{}, workers),
		agents:     cfg.Agents,
		inflight:   make(map[string]bool),
		results:    make(map[string]lastResult),
	}
}

// Start runs the tick loop until the context is cancelled, then waits up to
// the grace period for in-flight dispatches before returning.
func (c *Coordinator) Start(ctx context.Context) error {
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	c.tickOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return c.drain()
		case <-ticker.C:
			c.tickOnce(ctx)
		}
	}
}

// TickOnce performs a single schedule check. Exported for testing.
func (c *Coordinator) TickOnce(ctx context.Context) {
	c.tickOnce(ctx)
}

func (c *Coordinator) tickOnce(ctx context.Context) {
	now := c.now().UTC()

	c.mu.Lock()
	agents := make([]config.Agent, len(c.agents))
	copy(agents, c.agents)
	c.mu.Unlock()

	for _, agent := range agents {
		if !c.due(agent, now) {
			continue
		}

		c.mu.Lock()
		if c.inflight[agent.Name] {
			c.mu.Unlock()
			continue
		}
		select {
		case c.slots <- struct{}{}:
		default:
			c.mu.Unlock()
			c.log("info", "worker pool saturated, %s stays due for next tick", agent.Name)
			continue
		}
		c.inflight[agent.Name] = true
		c.mu.Unlock()

		c.wg.Add(1)
		go c.run(ctx, agent)
	}
}

// run executes one dispatch on a pool slot. A panic or error in one agent's
// dispatch never disturbs the others.
func (c *Coordinator) run(ctx context.Context, agent config.Agent) {
	defer c.wg.Done()
	defer func() {
		<-c.slots
		c.mu.Lock()
		delete(c.inflight, agent.Name)
		c.mu.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			c.log("error", "dispatch for %s panicked: %v", agent.Name, r)
			c.record(agent.Name, "", fmt.Sprintf("panic: %v", r))
		}
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return
	}

	outcome, err := c.dispatcher.Dispatch(ctx, agent)
	if err != nil {
		c.log("warning", "dispatch for %s failed: %v", agent.Name, err)
		c.record(agent.Name, outcome, err.Error())
		return
	}
	c.record(agent.Name, outcome, "")
}

func (c *Coordinator) record(agentID string, outcome schedule.Outcome, errMsg string) {
	c.mu.Lock()
	c.results[agentID] = lastResult{outcome: outcome, err: errMsg}
	c.mu.Unlock()
}

// due reads the persisted schedule; an agent with no entry yet is due for
// its first dispatch. Agents whose latest attempt failed permanently are
// held back for operator attention instead of being retried every tick.
func (c *Coordinator) due(agent config.Agent, now time.Time) bool {
	entry, err := c.schedule.Get(agent.Name)
	if errors.Is(err, schedule.ErrNotFound) {
		return !c.halted(agent.Name)
	}
	if err != nil {
		c.log("warning", "schedule read for %s failed: %v", agent.Name, err)
		return false
	}
	return entry.Due(now) && !c.halted(agent.Name)
}

// halted reports whether the agent's most recent dispatch record is a
// permanent failure newer than the last Reload. The record is durable, so
// the suppression survives a coordinator restart.
func (c *Coordinator) halted(agentID string) bool {
	rec, err := c.schedule.LastRecord(agentID)
	if err != nil {
		return false
	}
	if rec.Outcome != schedule.OutcomeFailedPermanent {
		return false
	}
	c.mu.Lock()
	resume := c.resumeSince
	c.mu.Unlock()
	return rec.DeliveredAt.After(resume)
}

// drain waits for in-flight dispatches, giving up after the grace period.
func (c *Coordinator) drain() error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(c.grace):
		return fmt.Errorf("stopped with dispatches still in flight after %s", c.grace)
	}
}

// Reload swaps the scheduled agent set. In-flight dispatches for removed
// agents finish normally; they are just never scheduled again. A reload
// also lifts permanent-failure suppression, giving each held-back agent
// one fresh attempt after the operator's edit.
func (c *Coordinator) Reload(agents []config.Agent) {
	c.mu.Lock()
	c.agents = make([]config.Agent, len(agents))
	copy(c.agents, agents)
	c.resumeSince = c.now().UTC()
	c.mu.Unlock()
	c.log("info", "reloaded %d agents", len(agents))
}

// Status reports a snapshot of every configured agent.
func (c *Coordinator) Status() []AgentStatus {
	now := c.now().UTC()

	c.mu.Lock()
	agents := make([]config.Agent, len(c.agents))
	copy(agents, c.agents)
	inflight := make(map[string]bool, len(c.inflight))
	for k, v := range c.inflight {
		inflight[k] = v
	}
	results := make(map[string]lastResult, len(c.results))
	for k, v := range c.results {
		results[k] = v
	}
	c.mu.Unlock()

	statuses := make([]AgentStatus, 0, len(agents))
	for _, agent := range agents {
		st := AgentStatus{
			AgentID: agent.Name,
			Cadence: agent.Cadence,
			State:   StateIdle,
		}
		entry, err := c.schedule.Get(agent.Name)
		switch {
		case errors.Is(err, schedule.ErrNotFound):
			st.State = StateDue
		case err != nil:
			st.LastError = err.Error()
		default:
			st.LastDispatchAt = entry.LastDispatchAt
			st.NextDueAt = entry.NextDue(now)
			if entry.Due(now) {
				st.State = StateDue
			}
		}
		if st.State == StateDue && c.halted(agent.Name) {
			// Waiting on the operator, not on the clock.
			st.State = StateIdle
		}
		if inflight[agent.Name] {
			st.State = StateDispatching
		}
		if res, ok := results[agent.Name]; ok {
			st.LastOutcome = res.outcome
			st.LastError = res.err
		} else if rec, err := c.schedule.LastRecord(agent.Name); err == nil {
			// No attempt this run yet; report the durable ledger so a
			// restarted coordinator still answers the status query.
			st.LastOutcome = rec.Outcome
			st.LastError = rec.Error
		}
		statuses = append(statuses, st)
	}
	return statuses
}

func (c *Coordinator) log(level, format string, args ...any) {
	if c.logFn != nil {
		c.logFn(level, fmt.Sprintf(format, args...))
	}
}
