package usage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS usage_events (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    agent_id         TEXT NOT NULL,
    timestamp        TEXT NOT NULL,
    day              TEXT NOT NULL,
    category         TEXT NOT NULL,
    prompt_units     INTEGER NOT NULL DEFAULT 0,
    completion_units INTEGER NOT NULL DEFAULT 0,
    cost_usd         REAL NOT NULL DEFAULT 0,
    created_at       TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_usage_events_agent_day ON usage_events(agent_id, day);

CREATE TABLE IF NOT EXISTS daily_aggregates (
    agent_id        TEXT NOT NULL,
    date            TEXT NOT NULL,
    total_events    INTEGER NOT NULL DEFAULT 0,
    total_units     INTEGER NOT NULL DEFAULT 0,
    total_cost_usd  REAL NOT NULL DEFAULT 0,
    categories_json TEXT NOT NULL DEFAULT '{}',
    updated_at      TEXT NOT NULL DEFAULT (datetime('now')),
    PRIMARY KEY (agent_id, date)
);
`

// StorageError marks an I/O or corruption failure in the usage database so
// callers can tell storage faults apart from bad input.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *StorageError) Unwrap() error { return e.Err }

// ErrInconsistent is reported by Reconcile when a stored aggregate did not
// match the sum of its raw events.
var ErrInconsistent = errors.New("daily aggregate does not reconcile with events")

// Store provides SQLite-backed storage for usage events and their
// per-agent, per-day aggregates.
type Store struct {
	db *sql.DB

	// dayLocks serializes read-modify-write cycles per agent-day key so
	// concurrent RecordUsage calls for the same day never interleave.
	mu       sync.Mutex
	dayLocks map[string]*sync.Mutex
}

// OpenStore opens (or creates) the usage database at dbPath and runs migrations.
func OpenStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open usage db: %w", err)
	}

	// Enable WAL mode for concurrent reads while dispatching
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db, dayLocks: make(map[string]*sync.Mutex)}, nil
}

func (s *Store) dayLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.dayLocks[key]
	if !ok {
		l = &sync.Mutex{}
		s.dayLocks[key] = l
	}
	return l
}

// RecordUsage appends an event and updates the matching daily aggregate in
// the same transaction. Safe to call concurrently for the same agent and day.
func (s *Store) RecordUsage(ev Event) error {
	day := ev.Day()
	lock := s.dayLock(ev.AgentID + "/" + day)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return &StorageError{Op: "record usage: begin tx", Err: err}
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO usage_events (agent_id, timestamp, day, category, prompt_units, completion_units, cost_usd)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.AgentID, ev.Timestamp.UTC().Format(time.RFC3339), day, ev.Category,
		ev.PromptUnits, ev.CompletionUnits, ev.CostUSD,
	)
	if err != nil {
		return &StorageError{Op: "insert usage event", Err: err}
	}

	agg, err := readAggregate(tx, ev.AgentID, day)
	if err != nil {
		return &StorageError{Op: "read daily aggregate", Err: err}
	}

	agg.TotalEvents++
	agg.TotalUnits += ev.TotalUnits()
	agg.TotalCostUSD += ev.CostUSD
	ct := agg.Categories[ev.Category]
	ct.Events++
	ct.Units += ev.TotalUnits()
	agg.Categories[ev.Category] = ct

	if err := writeAggregate(tx, agg); err != nil {
		return &StorageError{Op: "update daily aggregate", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "record usage: commit", Err: err}
	}
	return nil
}

type execQuerier interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

func readAggregate(q execQuerier, agentID, date string) (DailyAggregate, error) {
	agg := DailyAggregate{AgentID: agentID, Date: date, Categories: map[string]CategoryTotal{}}
	var categoriesJSON string
	err := q.QueryRow(`
		SELECT total_events, total_units, total_cost_usd, categories_json
		FROM daily_aggregates WHERE agent_id = ? AND date = ?`,
		agentID, date,
	).Scan(&agg.TotalEvents, &agg.TotalUnits, &agg.TotalCostUSD, &categoriesJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return agg, nil
	}
	if err != nil {
		return agg, err
	}
	if err := json.Unmarshal([]byte(categoriesJSON), &agg.Categories); err != nil {
		return agg, fmt.Errorf("decode categories: %w", err)
	}
	if agg.Categories == nil {
		agg.Categories = map[string]CategoryTotal{}
	}
	return agg, nil
}

func writeAggregate(q execQuerier, agg DailyAggregate) error {
	categoriesJSON, err := json.Marshal(agg.Categories)
	if err != nil {
		return fmt.Errorf("encode categories: %w", err)
	}
	_, err = q.Exec(`
		INSERT INTO daily_aggregates (agent_id, date, total_events, total_units, total_cost_usd, categories_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, datetime('now'))
		ON CONFLICT(agent_id, date) DO UPDATE SET
			total_events = excluded.total_events,
			total_units = excluded.total_units,
			total_cost_usd = excluded.total_cost_usd,
			categories_json = excluded.categories_json,
			updated_at = excluded.updated_at`,
		agg.AgentID, agg.Date, agg.TotalEvents, agg.TotalUnits, agg.TotalCostUSD, string(categoriesJSON),
	)
	return err
}

// GetAggregates returns the daily series for the half-open range [start, end).
// Missing days yield zero-valued rows, never absent rows, so callers always
// see a contiguous series. Pure read, no side effects.
func (s *Store) GetAggregates(agentID string, start, end time.Time) ([]DailyAggregate, error) {
	rows, err := s.db.Query(`
		SELECT date, total_events, total_units, total_cost_usd, categories_json
		FROM daily_aggregates
		WHERE agent_id = ? AND date >= ? AND date <= ?
		ORDER BY date ASC`,
		agentID, start.UTC().Format(DateLayout), end.UTC().Format(DateLayout),
	)
	if err != nil {
		return nil, &StorageError{Op: "query aggregates", Err: err}
	}
	defer rows.Close()

	byDate := make(map[string]DailyAggregate)
	for rows.Next() {
		agg := DailyAggregate{AgentID: agentID}
		var categoriesJSON string
		if err := rows.Scan(&agg.Date, &agg.TotalEvents, &agg.TotalUnits, &agg.TotalCostUSD, &categoriesJSON); err != nil {
			return nil, &StorageError{Op: "scan aggregate", Err: err}
		}
		if err := json.Unmarshal([]byte(categoriesJSON), &agg.Categories); err != nil {
			return nil, &StorageError{Op: "decode categories", Err: err}
		}
		byDate[agg.Date] = agg
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "iterate aggregates", Err: err}
	}

	// Zero-fill every day of the range, in order.
	var series []DailyAggregate
	for day := dayStart(start); day.Before(end); day = day.AddDate(0, 0, 1) {
		key := day.Format(DateLayout)
		if agg, ok := byDate[key]; ok {
			series = append(series, agg)
			continue
		}
		series = append(series, DailyAggregate{
			AgentID:    agentID,
			Date:       key,
			Categories: map[string]CategoryTotal{},
		})
	}
	return series, nil
}

func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Purge deletes events and aggregates strictly older than the cutoff day.
// A day's events and its aggregate go together: both or neither.
func (s *Store) Purge(olderThan time.Time) error {
	cutoff := olderThan.UTC().Format(DateLayout)

	tx, err := s.db.Begin()
	if err != nil {
		return &StorageError{Op: "purge: begin tx", Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM usage_events WHERE day < ?`, cutoff); err != nil {
		return &StorageError{Op: "purge events", Err: err}
	}
	if _, err := tx.Exec(`DELETE FROM daily_aggregates WHERE date < ?`, cutoff); err != nil {
		return &StorageError{Op: "purge aggregates", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "purge: commit", Err: err}
	}
	return nil
}

// Reconcile recomputes one agent-day aggregate from raw events and repairs
// the stored row if it disagrees. Returns an error wrapping ErrInconsistent
// (after repairing) when a mismatch was found, so callers can log the
// data-integrity warning.
func (s *Store) Reconcile(agentID, date string) error {
	lock := s.dayLock(agentID + "/" + date)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return &StorageError{Op: "reconcile: begin tx", Err: err}
	}
	defer tx.Rollback()

	fresh := DailyAggregate{AgentID: agentID, Date: date, Categories: map[string]CategoryTotal{}}
	rows, err := tx.Query(`
		SELECT category, prompt_units, completion_units, cost_usd
		FROM usage_events WHERE agent_id = ? AND day = ?`,
		agentID, date,
	)
	if err != nil {
		return &StorageError{Op: "reconcile: query events", Err: err}
	}
	for rows.Next() {
		var category string
		var prompt, completion int64
		var cost float64
		if err := rows.Scan(&category, &prompt, &completion, &cost); err != nil {
			rows.Close()
			return &StorageError{Op: "reconcile: scan event", Err: err}
		}
		fresh.TotalEvents++
		fresh.TotalUnits += prompt + completion
		fresh.TotalCostUSD += cost
		ct := fresh.Categories[category]
		ct.Events++
		ct.Units += prompt + completion
		fresh.Categories[category] = ct
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return &StorageError{Op: "reconcile: iterate events", Err: err}
	}

	stored, err := readAggregate(tx, agentID, date)
	if err != nil {
		return &StorageError{Op: "reconcile: read aggregate", Err: err}
	}

	if aggregatesEqual(stored, fresh) {
		return nil
	}

	if err := writeAggregate(tx, fresh); err != nil {
		return &StorageError{Op: "reconcile: repair aggregate", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "reconcile: commit", Err: err}
	}
	return fmt.Errorf("%s/%s: %w", agentID, date, ErrInconsistent)
}

func aggregatesEqual(a, b DailyAggregate) bool {
	if a.TotalEvents != b.TotalEvents || a.TotalUnits != b.TotalUnits {
		return false
	}
	// Costs are accumulated floats; tolerate rounding noise.
	if diff := a.TotalCostUSD - b.TotalCostUSD; diff > 1e-9 || diff < -1e-9 {
		return false
	}
	if len(a.Categories) != len(b.Categories) {
		return false
	}
	for k, av := range a.Categories {
		if bv, ok := b.Categories[k]; !ok || av != bv {
			return false
		}
	}
	return true
}

// EventCount returns the number of stored events for an agent (all days).
func (s *Store) EventCount(agentID string) (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM usage_events WHERE agent_id = ?`, agentID).Scan(&n)
	if err != nil {
		return 0, &StorageError{Op: "count events", Err: err}
	}
	return n, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
