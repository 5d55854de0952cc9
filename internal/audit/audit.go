// Package audit is the SQLite-backed, append-only ledger of session
// state transitions SPEC_FULL.md §6 adds (WS_TTS_AUDIT_DB_PATH). Its
// schema and open/close lifecycle are grounded directly in
// loqalabs-loqa-core's internal/eventstore.Store: a single table, WAL
// journal mode, and an empty-path "disabled" mode rather than a
// separate in-memory/ephemeral branch.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/wstts/gateway/internal/logx"
	"github.com/wstts/gateway/internal/session"
)

// Transition is one recorded row: a session's move from one state to
// another, with the reason the caller gave Session.Transition.
type Transition struct {
	ID        int64
	SessionID string
	From      string
	To        string
	Reason    string
	At        time.Time
}

// Ledger is the append-only audit store. A Ledger with a nil db (path
// == "") is a valid no-op: every method becomes a cheap early return,
// matching eventstore.Store's ephemeral-mode handling.
type Ledger struct {
	db  *sql.DB
	log *logx.Logger
}

// Open opens (creating if needed) the SQLite ledger at path. An empty
// path disables the ledger entirely per SPEC_FULL.md §6
// ("empty disables the ledger").
func Open(ctx context.Context, path string, log *logx.Logger) (*Ledger, error) {
	if path == "" {
		return &Ledger{log: log}, nil
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("audit: create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: ping sqlite: %w", err)
	}

	l := &Ledger{db: db, log: log}
	if err := l.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) initSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS transitions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    from_state TEXT NOT NULL,
    to_state TEXT NOT NULL,
    reason TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transitions_session ON transitions(session_id, created_at);
`
	_, err := l.db.ExecContext(ctx, ddl)
	return err
}

// Close releases the underlying database handle. Safe to call on a
// disabled Ledger.
func (l *Ledger) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Append records one transition and returns any write error to the
// caller. An audit-write failure must not affect synthesis, which is why
// Hook (which logs the error instead) is what session.Session calls.
func (l *Ledger) Append(ctx context.Context, t Transition) error {
	if l.db == nil {
		return nil
	}
	if t.At.IsZero() {
		t.At = time.Now()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO transitions(session_id, from_state, to_state, reason, created_at) VALUES(?, ?, ?, ?, ?)`,
		t.SessionID, t.From, t.To, t.Reason, t.At.UTC())
	return err
}

// Hook adapts Append to session.TransitionHook, logging (rather than
// propagating) a write failure — Session.Transition's contract is that
// hooks are best-effort and never block or revert a transition.
func (l *Ledger) Hook() session.TransitionHook {
	return func(sessionID string, from, to session.State, reason string) {
		if l.db == nil {
			return
		}
		t := Transition{SessionID: sessionID, From: string(from), To: string(to), Reason: reason}
		if err := l.Append(context.Background(), t); err != nil {
			l.log.Warn("audit: append failed", "session_id", sessionID, "error", err.Error())
		}
	}
}

// ListSession returns every recorded transition for sessionID, oldest
// first, for operator debugging.
func (l *Ledger) ListSession(ctx context.Context, sessionID string) ([]Transition, error) {
	if l.db == nil {
		return nil, nil
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, session_id, from_state, to_state, reason, created_at FROM transitions WHERE session_id = ? ORDER BY created_at ASC`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		var at string
		if err := rows.Scan(&t.ID, &t.SessionID, &t.From, &t.To, &t.Reason, &at); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, at); err == nil {
			t.At = ts
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
