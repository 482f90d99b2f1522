package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/botlink/internal/events"
)

// Journal records session lifecycle transitions.
type Journal struct {
	db *Database
}

// Entry is one journal row.
type Entry struct {
	ID      string        `json:"id"`
	Session string        `json:"session"`
	Kind    events.Kind   `json:"kind"`
	Epoch   string        `json:"epoch,omitempty"`
	Remote  string        `json:"remote,omitempty"`
	Error   string        `json:"error,omitempty"`
	Attempt int           `json:"attempt,omitempty"`
	Delay   time.Duration `json:"delay_ns,omitempty"`
	At      time.Time     `json:"at"`
}

// Summary counts transitions for one session.
type Summary struct {
	Session     string    `json:"session"`
	Connects    int       `json:"connects"`
	Disconnects int       `json:"disconnects"`
	Reconnects  int       `json:"reconnects"`
	Exhausted   int       `json:"exhausted"`
	LastEvent   time.Time `json:"last_event"`
}

// NewJournal opens the journal database and migrates its schema.
func NewJournal(dbPath string) (*Journal, error) {
	database, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	j := &Journal{db: database}
	if err := j.migrate(context.Background()); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate journal database: %w", err)
	}
	return j, nil
}

func (j *Journal) migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS connection_events (
			id TEXT PRIMARY KEY,
			session TEXT NOT NULL,
			kind TEXT NOT NULL,
			epoch TEXT NOT NULL DEFAULT '',
			remote TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			attempt INTEGER NOT NULL DEFAULT 0,
			delay_ms INTEGER NOT NULL DEFAULT 0,
			at_ms INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_events_session_at ON connection_events(session, at_ms);
		CREATE INDEX IF NOT EXISTS idx_events_epoch ON connection_events(epoch);
	`

	if _, err := j.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}

	log.Debug().Msg("journal schema migrated")
	return nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record stores e and returns the generated entry ID.
func (j *Journal) Record(ctx context.Context, e events.Lifecycle) (string, error) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	id := uuid.NewString()

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO connection_events (id, session, kind, epoch, remote, error, attempt, delay_ms, at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, e.Session, string(e.Kind), e.Epoch, e.Remote, e.Error, e.Attempt,
		e.Delay.Milliseconds(), e.At.UnixMilli())
	if err != nil {
		return "", fmt.Errorf("failed to record %s event for %s: %w", e.Kind, e.Session, err)
	}
	return id, nil
}

// Attach records every event published on feed until the returned function
// is called.
func (j *Journal) Attach(feed *events.Feed[events.Lifecycle]) (detach func()) {
	return feed.Subscribe("journal", func(e events.Lifecycle) {
		if _, err := j.Record(context.Background(), e); err != nil {
			log.Error().Err(err).Str("session", e.Session).Msg("failed to journal lifecycle event")
		}
	})
}

// History returns the most recent entries for session, newest first.
// An empty session returns entries for all sessions.
func (j *Journal) History(ctx context.Context, session string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, session, kind, epoch, remote, error, attempt, delay_ms, at_ms
		FROM connection_events`
	args := []any{}
	if session != "" {
		query += ` WHERE session = ?`
		args = append(args, session)
	}
	query += ` ORDER BY at_ms DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Epoch returns every entry of one connection epoch in order.
func (j *Journal) Epoch(ctx context.Context, epoch string) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, session, kind, epoch, remote, error, attempt, delay_ms, at_ms
		 FROM connection_events WHERE epoch = ? ORDER BY at_ms, rowid`, epoch)
	if err != nil {
		return nil, fmt.Errorf("failed to query epoch %s: %w", epoch, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Summarize counts transitions per kind for session.
func (j *Journal) Summarize(ctx context.Context, session string) (Summary, error) {
	s := Summary{Session: session}

	rows, err := j.db.QueryContext(ctx,
		`SELECT kind, COUNT(*), MAX(at_ms) FROM connection_events WHERE session = ? GROUP BY kind`, session)
	if err != nil {
		return s, fmt.Errorf("failed to summarize %s: %w", session, err)
	}
	defer rows.Close()

	var last int64
	for rows.Next() {
		var (
			kind  string
			count int
			maxAt int64
		)
		if err := rows.Scan(&kind, &count, &maxAt); err != nil {
			return s, fmt.Errorf("failed to scan summary: %w", err)
		}
		switch events.Kind(kind) {
		case events.KindConnected:
			s.Connects = count
		case events.KindDisconnected:
			s.Disconnects = count
		case events.KindReconnecting:
			s.Reconnects = count
		case events.KindExhausted:
			s.Exhausted = count
		}
		if maxAt > last {
			last = maxAt
		}
	}
	if last > 0 {
		s.LastEvent = time.UnixMilli(last)
	}
	return s, rows.Err()
}

// Prune deletes entries older than cutoff and returns how many were removed.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, `DELETE FROM connection_events WHERE at_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune journal: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Info().Int64("removed", n).Msg("journal pruned")
	}
	return n, nil
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var (
		e       Entry
		kind    string
		delayMs int64
		atMs    int64
	)
	if err := rows.Scan(&e.ID, &e.Session, &kind, &e.Epoch, &e.Remote, &e.Error, &e.Attempt, &delayMs, &atMs); err != nil {
		return Entry{}, fmt.Errorf("failed to scan journal entry: %w", err)
	}
	e.Kind = events.Kind(kind)
	e.Delay = time.Duration(delayMs) * time.Millisecond
	e.At = time.UnixMilli(atMs)
	return e, nil
}
