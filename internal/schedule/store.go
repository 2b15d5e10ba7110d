package schedule

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS schedule_entries (
    agent_id         TEXT PRIMARY KEY,
    cadence          TEXT NOT NULL,
    anchor_hour      INTEGER NOT NULL DEFAULT 9,
    last_dispatch_at TEXT NOT NULL DEFAULT '',
    created_at       TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS dispatch_records (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    dispatch_id  TEXT NOT NULL UNIQUE,
    agent_id     TEXT NOT NULL,
    period_start TEXT NOT NULL,
    period_end   TEXT NOT NULL,
    summary_json TEXT NOT NULL DEFAULT '{}',
    delivered_to TEXT NOT NULL DEFAULT '',
    delivered_at TEXT NOT NULL,
    outcome      TEXT NOT NULL,
    error        TEXT NOT NULL DEFAULT '',
    created_at   TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_dispatch_records_agent ON dispatch_records(agent_id, id DESC);
`

// ErrNotFound is returned when an agent has no schedule entry.
var ErrNotFound = errors.New("schedule entry not found")

// Store persists schedule entries and dispatch records in SQLite.
// Mutations are serialized per agent; different agents are independent.
type Store struct {
	db *sql.DB

	mu         sync.Mutex
	agentLocks map[string]*sync.Mutex
}

// OpenStore opens (or creates) the schedule database at dbPath and runs
// migrations.
func OpenStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open schedule db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db, agentLocks: make(map[string]*sync.Mutex)}, nil
}

func (s *Store) agentLock(agentID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.agentLocks[agentID]
	if !ok {
		l = &sync.Mutex{}
		s.agentLocks[agentID] = l
	}
	return l
}

// Upsert creates or updates the schedule entry for an agent. The last
// dispatch timestamp of an existing entry is preserved so re-registering an
// agent does not make it immediately due again.
func (s *Store) Upsert(e Entry) error {
	lock := s.agentLock(e.AgentID)
	lock.Lock()
	defer lock.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO schedule_entries (agent_id, cadence, anchor_hour, last_dispatch_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			cadence = excluded.cadence,
			anchor_hour = excluded.anchor_hour`,
		e.AgentID, string(e.Cadence), e.AnchorHour, formatTime(e.LastDispatchAt),
	)
	if err != nil {
		return fmt.Errorf("upsert schedule entry: %w", err)
	}
	return nil
}

// Get returns the schedule entry for an agent, or ErrNotFound.
func (s *Store) Get(agentID string) (Entry, error) {
	row := s.db.QueryRow(`
		SELECT agent_id, cadence, anchor_hour, last_dispatch_at, created_at
		FROM schedule_entries WHERE agent_id = ?`, agentID)
	return scanEntry(row)
}

// List returns all schedule entries ordered by agent ID.
func (s *Store) List() ([]Entry, error) {
	rows, err := s.db.Query(`
		SELECT agent_id, cadence, anchor_hour, last_dispatch_at, created_at
		FROM schedule_entries ORDER BY agent_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list schedule entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Delete removes an agent's schedule entry. Its dispatch records are kept
// as history.
func (s *Store) Delete(agentID string) error {
	lock := s.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.db.Exec(`DELETE FROM schedule_entries WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("delete schedule entry: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var e Entry
	var cadence, last, created string
	err := row.Scan(&e.AgentID, &cadence, &e.AnchorHour, &last, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	if err != nil {
		return e, fmt.Errorf("scan schedule entry: %w", err)
	}
	e.Cadence = Cadence(cadence)
	e.LastDispatchAt = parseTime(last)
	if t, err := time.Parse("2006-01-02 15:04:05", created); err == nil {
		e.CreatedAt = t
	}
	return e, nil
}

// CommitSuccess writes the success record and advances the agent's
// last-dispatch timestamp in the same transaction. The commit is idempotent
// per dispatch attempt: replaying the same dispatch ID is a no-op, so a
// crashed worker whose commit already landed cannot double-advance the
// schedule or duplicate the record.
func (s *Store) CommitSuccess(rec DispatchRecord) error {
	lock := s.agentLock(rec.AgentID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("commit dispatch: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		INSERT OR IGNORE INTO dispatch_records
			(dispatch_id, agent_id, period_start, period_end, summary_json, delivered_to, delivered_at, outcome, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.DispatchID, rec.AgentID,
		formatTime(rec.PeriodStart), formatTime(rec.PeriodEnd),
		rec.SummaryJSON, rec.DeliveredTo, formatTime(rec.DeliveredAt),
		string(OutcomeSuccess), rec.Error,
	)
	if err != nil {
		return fmt.Errorf("insert dispatch record: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("commit dispatch: rows affected: %w", err)
	}
	if inserted == 0 {
		// Already committed by a previous attempt with this dispatch ID.
		return nil
	}

	if _, err := tx.Exec(`
		UPDATE schedule_entries SET last_dispatch_at = ? WHERE agent_id = ?`,
		formatTime(rec.DeliveredAt), rec.AgentID,
	); err != nil {
		return fmt.Errorf("advance last_dispatch_at: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit dispatch: commit tx: %w", err)
	}
	return nil
}

// RecordAttempt appends a non-success dispatch record (retry or permanent
// failure) without touching the schedule entry, so the agent remains due.
func (s *Store) RecordAttempt(rec DispatchRecord) error {
	if rec.Outcome == OutcomeSuccess {
		return fmt.Errorf("record attempt: success must go through CommitSuccess")
	}

	lock := s.agentLock(rec.AgentID)
	lock.Lock()
	defer lock.Unlock()

	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO dispatch_records
			(dispatch_id, agent_id, period_start, period_end, summary_json, delivered_to, delivered_at, outcome, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.DispatchID, rec.AgentID,
		formatTime(rec.PeriodStart), formatTime(rec.PeriodEnd),
		rec.SummaryJSON, rec.DeliveredTo, formatTime(rec.DeliveredAt),
		string(rec.Outcome), rec.Error,
	)
	if err != nil {
		return fmt.Errorf("insert dispatch record: %w", err)
	}
	return nil
}

// LastRecord returns the most recent dispatch record for an agent, or
// ErrNotFound if the agent has never been attempted.
func (s *Store) LastRecord(agentID string) (DispatchRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, dispatch_id, agent_id, period_start, period_end, summary_json,
		       delivered_to, delivered_at, outcome, error
		FROM dispatch_records WHERE agent_id = ?
		ORDER BY id DESC LIMIT 1`, agentID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrNotFound
	}
	return rec, err
}

// History returns up to limit dispatch records for an agent, newest first.
// An empty agentID returns records across all agents.
func (s *Store) History(agentID string, limit int) ([]DispatchRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows *sql.Rows
	var err error
	if agentID == "" {
		rows, err = s.db.Query(`
			SELECT id, dispatch_id, agent_id, period_start, period_end, summary_json,
			       delivered_to, delivered_at, outcome, error
			FROM dispatch_records ORDER BY id DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.Query(`
			SELECT id, dispatch_id, agent_id, period_start, period_end, summary_json,
			       delivered_to, delivered_at, outcome, error
			FROM dispatch_records WHERE agent_id = ? ORDER BY id DESC LIMIT ?`, agentID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query dispatch history: %w", err)
	}
	defer rows.Close()

	var records []DispatchRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// SuccessCount returns how many success records exist for an agent whose
// periods overlap [start, end). Used by tests and repair tooling to verify
// the at-most-one-commit-per-period property.
func (s *Store) SuccessCount(agentID string, start, end time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM dispatch_records
		WHERE agent_id = ? AND outcome = ? AND period_start < ? AND period_end > ?`,
		agentID, string(OutcomeSuccess), formatTime(end), formatTime(start),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count success records: %w", err)
	}
	return n, nil
}

func scanRecord(row rowScanner) (DispatchRecord, error) {
	var rec DispatchRecord
	var periodStart, periodEnd, deliveredAt, outcome string
	err := row.Scan(&rec.ID, &rec.DispatchID, &rec.AgentID, &periodStart, &periodEnd,
		&rec.SummaryJSON, &rec.DeliveredTo, &deliveredAt, &outcome, &rec.Error)
	if err != nil {
		return rec, err
	}
	rec.PeriodStart = parseTime(periodStart)
	rec.PeriodEnd = parseTime(periodEnd)
	rec.DeliveredAt = parseTime(deliveredAt)
	rec.Outcome = Outcome(outcome)
	return rec, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
