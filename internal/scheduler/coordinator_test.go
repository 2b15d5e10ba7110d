package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/billfrog/billfrog/internal/config"
	"github.com/billfrog/billfrog/internal/schedule"
)

// fakeDispatcher counts calls per agent and optionally commits successes to
// the schedule store the way the real pipeline does.
type fakeDispatcher struct {
	mu      sync.Mutex
	calls   map[string]int
	seq     int
	outcome schedule.Outcome
	store   *schedule.Store
	now     func() time.Time
	block   chan struct{}
}

func (d *fakeDispatcher) Dispatch(_ context.Context, agent config.Agent) (schedule.Outcome, error) {
	d.mu.Lock()
	if d.calls == nil {
		d.calls = make(map[string]int)
	}
	d.calls[agent.Name]++
	d.seq++
	seq := d.seq
	outcome := d.outcome
	block := d.block
	d.mu.Unlock()

	if block != nil {
		<-block
	}

	if d.store != nil {
		now := d.now().UTC()
		rec := schedule.DispatchRecord{
			DispatchID:  fmt.Sprintf("dispatch-%d", seq),
			AgentID:     agent.Name,
			PeriodStart: now.Add(-24 * time.Hour),
			PeriodEnd:   now,
			SummaryJSON: "{}",
			DeliveredTo: agent.Target,
			DeliveredAt: now,
		}
		var err error
		if outcome == schedule.OutcomeSuccess {
			err = d.store.CommitSuccess(rec)
		} else {
			rec.Outcome = outcome
			rec.Error = "delivery failed"
			err = d.store.RecordAttempt(rec)
		}
		if err != nil {
			return "", err
		}
	}
	return outcome, nil
}

func (d *fakeDispatcher) callCount(agentID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[agentID]
}

func (d *fakeDispatcher) totalCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	total := 0
	for _, n := range d.calls {
		total += n
	}
	return total
}

func (d *fakeDispatcher) setOutcome(o schedule.Outcome) {
	d.mu.Lock()
	d.outcome = o
	d.mu.Unlock()
}

func testStore(t *testing.T) *schedule.Store {
	t.Helper()
	ss, err := schedule.OpenStore(filepath.Join(t.TempDir(), "schedule.db"))
	if err != nil {
		t.Fatalf("open schedule store: %v", err)
	}
	t.Cleanup(func() { ss.Close() })
	return ss
}

func registerAgent(t *testing.T, ss *schedule.Store, name, cadence string) config.Agent {
	t.Helper()
	err := ss.Upsert(schedule.Entry{AgentID: name, Cadence: schedule.Cadence(cadence), AnchorHour: 9})
	if err != nil {
		t.Fatalf("upsert entry: %v", err)
	}
	return config.Agent{Name: name, Provider: "openai", Target: "https://example.test/hook", Cadence: cadence}
}

// waitIdle polls until the coordinator has no dispatch in flight.
func waitIdle(t *testing.T, c *Coordinator) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		busy := false
		for _, st := range c.Status() {
			if st.State == StateDispatching {
				busy = true
				break
			}
		}
		if !busy {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("coordinator did not go idle")
}

func TestTickDispatchesDueAgentsOnce(t *testing.T) {
	ss := testStore(t)
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	agents := []config.Agent{
		registerAgent(t, ss, "agent-a", "daily"),
		registerAgent(t, ss, "agent-b", "weekly"),
	}
	fd := &fakeDispatcher{outcome: schedule.OutcomeSuccess, store: ss, now: clock}
	c := NewCoordinator(CoordinatorConfig{
		Agents: agents, Schedule: ss, Dispatcher: fd, Now: clock,
	})

	c.TickOnce(context.Background())
	waitIdle(t, c)

	for _, name := range []string{"agent-a", "agent-b"} {
		if got := fd.callCount(name); got != 1 {
			t.Fatalf("%s dispatched %d times, want 1", name, got)
		}
		entry, err := ss.Get(name)
		if err != nil {
			t.Fatalf("get %s: %v", name, err)
		}
		if !entry.LastDispatchAt.Equal(now) {
			t.Fatalf("%s last dispatch = %v, want %v", name, entry.LastDispatchAt, now)
		}
	}

	// Nothing is due anymore; another tick must not dispatch.
	c.TickOnce(context.Background())
	waitIdle(t, c)
	if got := fd.totalCalls(); got != 2 {
		t.Fatalf("total calls after second tick = %d, want 2", got)
	}
}

func TestTickRedispatchesAfterInterval(t *testing.T) {
	ss := testStore(t)
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	agents := []config.Agent{registerAgent(t, ss, "agent-a", "daily")}
	fd := &fakeDispatcher{outcome: schedule.OutcomeSuccess, store: ss, now: clock}
	c := NewCoordinator(CoordinatorConfig{
		Agents: agents, Schedule: ss, Dispatcher: fd, Now: clock,
	})

	c.TickOnce(context.Background())
	waitIdle(t, c)
	if got := fd.callCount("agent-a"); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}

	// 23h later the daily agent is not yet due.
	now = now.Add(23 * time.Hour)
	c.TickOnce(context.Background())
	waitIdle(t, c)
	if got := fd.callCount("agent-a"); got != 1 {
		t.Fatalf("calls after 23h = %d, want 1", got)
	}

	// Past the 24h interval it is due again.
	now = now.Add(2 * time.Hour)
	c.TickOnce(context.Background())
	waitIdle(t, c)
	if got := fd.callCount("agent-a"); got != 2 {
		t.Fatalf("calls after 25h = %d, want 2", got)
	}
}

func TestTransientFailureRetriesEachTick(t *testing.T) {
	ss := testStore(t)
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	agents := []config.Agent{registerAgent(t, ss, "agent-a", "daily")}
	fd := &fakeDispatcher{outcome: schedule.OutcomeRetry, store: ss, now: clock}
	c := NewCoordinator(CoordinatorConfig{
		Agents: agents, Schedule: ss, Dispatcher: fd, Now: clock,
	})

	for i := 0; i < 3; i++ {
		c.TickOnce(context.Background())
		waitIdle(t, c)
	}
	if got := fd.callCount("agent-a"); got != 3 {
		t.Fatalf("calls after 3 transient ticks = %d, want 3", got)
	}

	fd.setOutcome(schedule.OutcomeSuccess)
	c.TickOnce(context.Background())
	waitIdle(t, c)
	if got := fd.callCount("agent-a"); got != 4 {
		t.Fatalf("calls after recovery tick = %d, want 4", got)
	}

	// Success committed; no further dispatch until the interval elapses.
	c.TickOnce(context.Background())
	waitIdle(t, c)
	if got := fd.callCount("agent-a"); got != 4 {
		t.Fatalf("calls after post-success tick = %d, want 4", got)
	}
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	ss := testStore(t)
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	agents := []config.Agent{
		registerAgent(t, ss, "agent-a", "daily"),
		registerAgent(t, ss, "agent-b", "daily"),
	}
	block := make(chan struct{})
	fd := &fakeDispatcher{outcome: schedule.OutcomeSuccess, store: ss, now: clock, block: block}
	c := NewCoordinator(CoordinatorConfig{
		Agents: agents, Schedule: ss, Dispatcher: fd, Workers: 1, Now: clock,
	})

	c.TickOnce(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for fd.totalCalls() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	// A repeated tick must not start a second dispatch: the single slot is
	// held and the in-flight agent is guarded.
	c.TickOnce(context.Background())
	time.Sleep(50 * time.Millisecond)
	if got := fd.totalCalls(); got != 1 {
		t.Fatalf("calls with saturated pool = %d, want 1", got)
	}

	dispatching, due := 0, 0
	for _, st := range c.Status() {
		switch st.State {
		case StateDispatching:
			dispatching++
		case StateDue:
			due++
		}
	}
	if dispatching != 1 || due != 1 {
		t.Fatalf("status = %d dispatching / %d due, want 1/1", dispatching, due)
	}

	close(block)
	waitIdle(t, c)

	// With the slot free the held-back agent dispatches on the next tick.
	c.TickOnce(context.Background())
	waitIdle(t, c)
	if got := fd.totalCalls(); got != 2 {
		t.Fatalf("calls after pool freed = %d, want 2", got)
	}
}

func TestDispatchErrorIsolatedPerAgent(t *testing.T) {
	ss := testStore(t)
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	agents := []config.Agent{
		registerAgent(t, ss, "agent-bad", "daily"),
		registerAgent(t, ss, "agent-good", "daily"),
	}
	fd := &fakeDispatcher{outcome: schedule.OutcomeSuccess, store: ss, now: clock}
	c := NewCoordinator(CoordinatorConfig{
		Agents:   agents,
		Schedule: ss,
		Dispatcher: dispatcherFunc(func(ctx context.Context, agent config.Agent) (schedule.Outcome, error) {
			if agent.Name == "agent-bad" {
				return "", errors.New("provider exploded")
			}
			return fd.Dispatch(ctx, agent)
		}),
		Now: clock,
	})

	c.TickOnce(context.Background())
	waitIdle(t, c)

	entry, err := ss.Get("agent-good")
	if err != nil {
		t.Fatalf("get agent-good: %v", err)
	}
	if !entry.LastDispatchAt.Equal(now) {
		t.Fatal("healthy agent was not dispatched despite sibling failure")
	}

	for _, st := range c.Status() {
		if st.AgentID == "agent-bad" && st.LastError == "" {
			t.Fatal("failed agent's error missing from status")
		}
	}
}

type dispatcherFunc func(ctx context.Context, agent config.Agent) (schedule.Outcome, error)

func (f dispatcherFunc) Dispatch(ctx context.Context, agent config.Agent) (schedule.Outcome, error) {
	return f(ctx, agent)
}

func TestPermanentFailureHaltsRetries(t *testing.T) {
	ss := testStore(t)
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	agents := []config.Agent{registerAgent(t, ss, "agent-a", "daily")}
	fd := &fakeDispatcher{outcome: schedule.OutcomeFailedPermanent, store: ss, now: clock}
	c := NewCoordinator(CoordinatorConfig{
		Agents: agents, Schedule: ss, Dispatcher: fd, Now: clock,
	})

	for i := 0; i < 3; i++ {
		c.TickOnce(context.Background())
		waitIdle(t, c)
	}
	if got := fd.callCount("agent-a"); got != 1 {
		t.Fatalf("permanently failed agent dispatched %d times over 3 ticks, want 1 (no auto-retry)", got)
	}

	// The failure record is durable: a restarted coordinator over the same
	// store holds the agent back too.
	c2 := NewCoordinator(CoordinatorConfig{
		Agents: agents, Schedule: ss, Dispatcher: fd, Now: clock,
	})
	c2.TickOnce(context.Background())
	waitIdle(t, c2)
	if got := fd.callCount("agent-a"); got != 1 {
		t.Fatalf("restarted coordinator re-dispatched a permanently failed agent (%d calls)", got)
	}

	// A reload signals an operator edit; the agent gets one fresh attempt.
	c2.Reload(agents)
	now = now.Add(time.Minute)
	c2.TickOnce(context.Background())
	waitIdle(t, c2)
	if got := fd.callCount("agent-a"); got != 2 {
		t.Fatalf("calls after reload = %d, want 2 (one fresh attempt)", got)
	}

	// That attempt also failed permanently, so the suppression resumes.
	c2.TickOnce(context.Background())
	waitIdle(t, c2)
	if got := fd.callCount("agent-a"); got != 2 {
		t.Fatalf("calls after renewed failure = %d, want 2", got)
	}
}

func TestStatusReportsLedgerAfterRestart(t *testing.T) {
	ss := testStore(t)
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	agents := []config.Agent{registerAgent(t, ss, "agent-a", "daily")}
	err := ss.RecordAttempt(schedule.DispatchRecord{
		DispatchID:  "dispatch-prior",
		AgentID:     "agent-a",
		PeriodStart: now.Add(-24 * time.Hour),
		PeriodEnd:   now,
		SummaryJSON: "{}",
		DeliveredTo: "https://example.test/gone",
		DeliveredAt: now,
		Outcome:     schedule.OutcomeFailedPermanent,
		Error:       "404 from target",
	})
	if err != nil {
		t.Fatalf("record attempt: %v", err)
	}

	// A fresh coordinator has no in-memory results; the status query must
	// answer from the dispatch ledger.
	c := NewCoordinator(CoordinatorConfig{
		Agents: agents, Schedule: ss, Dispatcher: &fakeDispatcher{}, Now: clock,
	})
	statuses := c.Status()
	if len(statuses) != 1 {
		t.Fatalf("statuses = %d, want 1", len(statuses))
	}
	st := statuses[0]
	if st.LastOutcome != schedule.OutcomeFailedPermanent {
		t.Fatalf("LastOutcome after restart = %q, want failed_permanent from the dispatch ledger", st.LastOutcome)
	}
	if st.LastError != "404 from target" {
		t.Fatalf("LastError after restart = %q", st.LastError)
	}
	if st.State != StateIdle {
		t.Fatalf("state = %q, want idle while held for operator attention", st.State)
	}
}

func TestStartStopsWithinGrace(t *testing.T) {
	ss := testStore(t)
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	fd := &fakeDispatcher{outcome: schedule.OutcomeSuccess, store: ss, now: clock}
	c := NewCoordinator(CoordinatorConfig{
		Agents:       []config.Agent{registerAgent(t, ss, "agent-a", "daily")},
		Schedule:     ss,
		Dispatcher:   fd,
		TickInterval: 10 * time.Millisecond,
		GracePeriod:  time.Second,
		Now:          clock,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for fd.totalCalls() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("start returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not stop within grace period")
	}
}
