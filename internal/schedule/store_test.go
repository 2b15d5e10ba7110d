package schedule

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "schedule_test.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestUpsertAndGet(t *testing.T) {
	store := tempStore(t)

	e := Entry{AgentID: "prod-bot", Cadence: CadenceWeekly, AnchorHour: 9}
	if err := store.Upsert(e); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := store.Get("prod-bot")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Cadence != CadenceWeekly {
		t.Errorf("Cadence = %q, want weekly", got.Cadence)
	}
	if got.AnchorHour != 9 {
		t.Errorf("AnchorHour = %d, want 9", got.AnchorHour)
	}
	if !got.LastDispatchAt.IsZero() {
		t.Errorf("LastDispatchAt should start zero, got %v", got.LastDispatchAt)
	}
}

func TestGetMissing(t *testing.T) {
	store := tempStore(t)
	if _, err := store.Get("nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing = %v, want ErrNotFound", err)
	}
}

func TestUpsertPreservesLastDispatch(t *testing.T) {
	store := tempStore(t)

	if err := store.Upsert(Entry{AgentID: "a", Cadence: CadenceDaily}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	if err := store.CommitSuccess(DispatchRecord{
		DispatchID: uuid.NewString(), AgentID: "a",
		PeriodStart: now.Add(-24 * time.Hour), PeriodEnd: now,
		DeliveredAt: now,
	}); err != nil {
		t.Fatalf("CommitSuccess: %v", err)
	}

	// Re-registering with a new cadence must not reset the timestamp.
	if err := store.Upsert(Entry{AgentID: "a", Cadence: CadenceWeekly}); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}
	got, err := store.Get("a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Cadence != CadenceWeekly {
		t.Errorf("Cadence = %q, want weekly after update", got.Cadence)
	}
	if !got.LastDispatchAt.Equal(now) {
		t.Errorf("LastDispatchAt = %v, want %v (must survive re-registration)", got.LastDispatchAt, now)
	}
}

func TestCommitSuccessAdvancesTimestamp(t *testing.T) {
	store := tempStore(t)

	if err := store.Upsert(Entry{AgentID: "a", Cadence: CadenceDaily}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	rec := DispatchRecord{
		DispatchID:  uuid.NewString(),
		AgentID:     "a",
		PeriodStart: now.Add(-24 * time.Hour),
		PeriodEnd:   now,
		SummaryJSON: `{"total_cost_usd":1.5}`,
		DeliveredTo: "team@example.com",
		DeliveredAt: now,
	}
	if err := store.CommitSuccess(rec); err != nil {
		t.Fatalf("CommitSuccess: %v", err)
	}

	e, err := store.Get("a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !e.LastDispatchAt.Equal(now) {
		t.Errorf("LastDispatchAt = %v, want %v", e.LastDispatchAt, now)
	}
	if e.Due(now.Add(time.Hour)) {
		t.Error("agent should not be due within the cadence interval after commit")
	}
	if !e.Due(now.Add(24 * time.Hour)) {
		t.Error("agent should be due again one interval after commit")
	}

	last, err := store.LastRecord("a")
	if err != nil {
		t.Fatalf("LastRecord: %v", err)
	}
	if last.Outcome != OutcomeSuccess {
		t.Errorf("Outcome = %q, want success", last.Outcome)
	}
	if last.SummaryJSON != rec.SummaryJSON {
		t.Errorf("SummaryJSON = %q, want snapshot preserved", last.SummaryJSON)
	}
}

// Replaying the same dispatch ID (a worker that crashed after its commit
// landed, then retried) must not duplicate the success record or move the
// schedule forward a second time.
func TestCommitSuccessIdempotentPerDispatch(t *testing.T) {
	store := tempStore(t)

	if err := store.Upsert(Entry{AgentID: "a", Cadence: CadenceDaily}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	rec := DispatchRecord{
		DispatchID:  "fixed-dispatch-id",
		AgentID:     "a",
		PeriodStart: now.Add(-24 * time.Hour),
		PeriodEnd:   now,
		DeliveredAt: now,
	}
	if err := store.CommitSuccess(rec); err != nil {
		t.Fatalf("first CommitSuccess: %v", err)
	}

	// Replay with a later delivered-at, as a resumed worker would.
	rec.DeliveredAt = now.Add(5 * time.Minute)
	if err := store.CommitSuccess(rec); err != nil {
		t.Fatalf("replayed CommitSuccess: %v", err)
	}

	n, err := store.SuccessCount("a", now.Add(-24*time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("SuccessCount: %v", err)
	}
	if n != 1 {
		t.Errorf("success records = %d, want exactly 1", n)
	}

	e, err := store.Get("a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !e.LastDispatchAt.Equal(now) {
		t.Errorf("LastDispatchAt = %v, want %v (replay must not advance it)", e.LastDispatchAt, now)
	}
}

func TestRecordAttemptLeavesScheduleUntouched(t *testing.T) {
	store := tempStore(t)

	if err := store.Upsert(Entry{AgentID: "a", Cadence: CadenceDaily}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	if err := store.RecordAttempt(DispatchRecord{
		DispatchID: uuid.NewString(), AgentID: "a",
		PeriodStart: now.Add(-24 * time.Hour), PeriodEnd: now,
		DeliveredAt: now, Outcome: OutcomeRetry, Error: "rate limited",
	}); err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}

	e, err := store.Get("a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !e.LastDispatchAt.IsZero() {
		t.Error("a retry attempt must not advance last_dispatch_at")
	}
	if !e.Due(now) {
		t.Error("agent must remain due after a transient failure")
	}

	last, err := store.LastRecord("a")
	if err != nil {
		t.Fatalf("LastRecord: %v", err)
	}
	if last.Outcome != OutcomeRetry {
		t.Errorf("Outcome = %q, want retry", last.Outcome)
	}
	if last.Error != "rate limited" {
		t.Errorf("Error = %q, want preserved", last.Error)
	}
}

func TestRecordAttemptRejectsSuccess(t *testing.T) {
	store := tempStore(t)
	err := store.RecordAttempt(DispatchRecord{
		DispatchID: uuid.NewString(), AgentID: "a", Outcome: OutcomeSuccess,
	})
	if err == nil {
		t.Error("RecordAttempt must reject success outcomes")
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	store := tempStore(t)

	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if err := store.RecordAttempt(DispatchRecord{
			DispatchID: uuid.NewString(), AgentID: "a",
			PeriodStart: now.AddDate(0, 0, -1), PeriodEnd: now,
			DeliveredAt: now.Add(time.Duration(i) * time.Minute),
			Outcome:     OutcomeRetry,
		}); err != nil {
			t.Fatalf("RecordAttempt %d: %v", i, err)
		}
	}

	records, err := store.History("a", 2)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records with limit=2, got %d", len(records))
	}
	if records[0].ID <= records[1].ID {
		t.Error("history must be newest first")
	}
}

func TestDeleteKeepsHistory(t *testing.T) {
	store := tempStore(t)

	if err := store.Upsert(Entry{AgentID: "a", Cadence: CadenceDaily}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	now := time.Now().UTC()
	if err := store.RecordAttempt(DispatchRecord{
		DispatchID: uuid.NewString(), AgentID: "a",
		DeliveredAt: now, Outcome: OutcomeFailedPermanent,
	}); err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}

	if err := store.Delete("a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get("a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}

	records, err := store.History("a", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("dispatch history should survive agent removal, got %d records", len(records))
	}
}
