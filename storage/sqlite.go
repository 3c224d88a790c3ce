package storage

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Journal is a local SQLite record of operational events: per-run log lines
// and batches that exhausted their persistence retries. Batch loss is never
// silently dropped; it always lands here even when Postgres is unreachable.
type Journal struct {
	db *sql.DB
}

type JournalEvent struct {
	ID        int64     `json:"id"`
	RunToken  string    `json:"run_token"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Category  string    `json:"category"`
	Message   string    `json:"message"`
}

type LostBatch struct {
	ID       int64     `json:"id"`
	RunToken string    `json:"run_token"`
	Category string    `json:"category"`
	Count    int       `json:"count"`
	Reason   string    `json:"reason"`
	LostAt   time.Time `json:"lost_at"`
}

func NewJournal(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS run_events (
		id INTEGER PRIMARY KEY,
		run_token TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		level TEXT NOT NULL,
		category TEXT,
		message TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS lost_batches (
		id INTEGER PRIMARY KEY,
		run_token TEXT NOT NULL,
		category TEXT,
		count INTEGER NOT NULL,
		reason TEXT,
		lost_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_run ON run_events(run_token, timestamp);
	CREATE INDEX IF NOT EXISTS idx_lost_run ON lost_batches(run_token, lost_at);
	`
	_, err := j.db.Exec(schema)
	return err
}

func (j *Journal) Log(runToken, level, category, message string) error {
	_, err := j.db.Exec(`
		INSERT INTO run_events (run_token, timestamp, level, category, message)
		VALUES (?, ?, ?, ?, ?)`,
		runToken, time.Now(), level, category, message)
	return err
}

// RecordLostBatch journals a batch whose persistence retries were exhausted.
func (j *Journal) RecordLostBatch(runToken, category string, count int, reason string) error {
	_, err := j.db.Exec(`
		INSERT INTO lost_batches (run_token, category, count, reason, lost_at)
		VALUES (?, ?, ?, ?, ?)`,
		runToken, category, count, reason, time.Now())
	return err
}

func (j *Journal) RunEvents(runToken string, limit int) ([]JournalEvent, error) {
	rows, err := j.db.Query(`
		SELECT id, run_token, timestamp, level, COALESCE(category, ''), message
		FROM run_events
		WHERE run_token = ?
		ORDER BY timestamp DESC
		LIMIT ?`, runToken, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []JournalEvent
	for rows.Next() {
		var e JournalEvent
		if err := rows.Scan(&e.ID, &e.RunToken, &e.Timestamp, &e.Level, &e.Category, &e.Message); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (j *Journal) LostBatches(runToken string) ([]LostBatch, error) {
	rows, err := j.db.Query(`
		SELECT id, run_token, COALESCE(category, ''), count, COALESCE(reason, ''), lost_at
		FROM lost_batches
		WHERE run_token = ?
		ORDER BY lost_at`, runToken)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []LostBatch
	for rows.Next() {
		var b LostBatch
		if err := rows.Scan(&b.ID, &b.RunToken, &b.Category, &b.Count, &b.Reason, &b.LostAt); err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// LostTotal sums the listings lost across all batches of a run.
func (j *Journal) LostTotal(runToken string) (int, error) {
	var total int
	err := j.db.QueryRow(`
		SELECT COALESCE(SUM(count), 0) FROM lost_batches WHERE run_token = ?`,
		runToken).Scan(&total)
	return total, err
}
