package db

import (
	"time"
)

const (
	// DefaultJournalLimit is how many rows the recent queries return when no
	// limit is given.
	DefaultJournalLimit = 100
	maxJournalLimit     = 1000
)

// ExchangeRecord is one journaled serial exchange.
type ExchangeRecord struct {
	ID         int64     `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	Line       string    `json:"line"`
	Reply      string    `json:"reply"`
	Error      string    `json:"error,omitempty"`
	DurationMs float64   `json:"duration_ms"`
	Quiet      bool      `json:"quiet"`
}

// SafetyEvent is one journaled E-STOP or watchdog action.
type SafetyEvent struct {
	ID     int64     `json:"id"`
	At     time.Time `json:"at"`
	Kind   string    `json:"kind"`
	Detail string    `json:"detail"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultJournalLimit
	}
	if limit > maxJournalLimit {
		return maxJournalLimit
	}
	return limit
}

func (db *DB) InsertExchange(r ExchangeRecord) error {
	_, err := db.Exec(
		`INSERT INTO exchanges (started_at, line, reply, error, duration_ms, quiet) VALUES (?, ?, ?, ?, ?, ?)`,
		formatTime(r.StartedAt), r.Line, r.Reply, r.Error, r.DurationMs, r.Quiet,
	)
	return err
}

func (db *DB) InsertSafetyEvent(e SafetyEvent) error {
	_, err := db.Exec(
		`INSERT INTO safety_events (at, kind, detail) VALUES (?, ?, ?)`,
		formatTime(e.At), e.Kind, e.Detail,
	)
	return err
}

// RecentExchanges returns up to limit exchanges, newest first.
func (db *DB) RecentExchanges(limit int) ([]ExchangeRecord, error) {
	rows, err := db.Query(`SELECT id, started_at, line, reply, error, duration_ms, quiet
		FROM exchanges ORDER BY id DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []ExchangeRecord{}
	for rows.Next() {
		var (
			r       ExchangeRecord
			started string
		)
		if err := rows.Scan(&r.ID, &started, &r.Line, &r.Reply, &r.Error, &r.DurationMs, &r.Quiet); err != nil {
			return nil, err
		}
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// RecentSafetyEvents returns up to limit safety events, newest first.
func (db *DB) RecentSafetyEvents(limit int) ([]SafetyEvent, error) {
	rows, err := db.Query(`SELECT id, at, kind, detail FROM safety_events ORDER BY id DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []SafetyEvent{}
	for rows.Next() {
		var (
			e  SafetyEvent
			at string
		)
		if err := rows.Scan(&e.ID, &at, &e.Kind, &e.Detail); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}
