// Package session owns the mapping between inbound connections and chat
// sessions: authentication, message routing, durable session records, and
// state save on disconnect.
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/haasonsaas/orbit/pkg/models"
)

// ErrSessionNotFound is returned when a session id has no row.
var ErrSessionNotFound = errors.New("session not found")

// Store persists session records and the durable event timeline in
// SQLite.
type Store struct {
	db *sql.DB
}

// OpenStore opens (and migrates) the database at path. ":memory:" gives
// an ephemeral store for tests.
func OpenStore(path string) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent appenders.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			workspace_dir TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			device_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			last_message_at TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			type TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, id);
		CREATE INDEX IF NOT EXISTS idx_sessions_name ON sessions(name);
	`)
	if err != nil {
		return fmt.Errorf("migrate session db: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert creates or refreshes a session row.
func (s *Store) Upsert(ctx context.Context, rec models.SessionRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.Status == "" {
		rec.Status = models.SessionActive
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, workspace_dir, name, device_id, status, created_at, updated_at, last_message_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			workspace_dir = excluded.workspace_dir,
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE sessions.name END,
			device_id = CASE WHEN excluded.device_id != '' THEN excluded.device_id ELSE sessions.device_id END,
			status = excluded.status,
			updated_at = excluded.updated_at
	`, rec.ID, rec.WorkspaceDir, rec.Name, rec.DeviceID, string(rec.Status), rec.CreatedAt, now, nullableTime(rec.LastMessageAt))
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// Touch refreshes updated_at and last_message_at after a completed turn.
func (s *Store) Touch(ctx context.Context, sessionID string, lastMessageAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ?, last_message_at = ? WHERE id = ?`,
		time.Now().UTC(), nullableTime(lastMessageAt), sessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return nil
}

// Get fetches one session row.
func (s *Store) Get(ctx context.Context, sessionID string) (*models.SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_dir, name, device_id, status, created_at, updated_at, last_message_at
		FROM sessions WHERE id = ?`, sessionID)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return rec, nil
}

// FindByName resolves a named session to its row.
func (s *Store) FindByName(ctx context.Context, name string) (*models.SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_dir, name, device_id, status, created_at, updated_at, last_message_at
		FROM sessions WHERE name = ? AND status != 'deleted'
		ORDER BY updated_at DESC LIMIT 1`, name)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("find session: %w", err)
	}
	return rec, nil
}

// List returns non-deleted sessions, most recently updated first.
func (s *Store) List(ctx context.Context, limit int) ([]models.SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_dir, name, device_id, status, created_at, updated_at, last_message_at
		FROM sessions WHERE status != 'deleted'
		ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []models.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// MarkDeleted soft-deletes a session row.
func (s *Store) MarkDeleted(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = 'deleted', updated_at = ? WHERE id = ?`,
		time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return nil
}

// AppendEvent stores one event on the session's durable timeline.
func (s *Store) AppendEvent(ctx context.Context, e models.Event) error {
	content, err := json.Marshal(e.Content)
	if err != nil {
		return fmt.Errorf("encode event content: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (session_id, type, content, timestamp) VALUES (?, ?, ?, ?)`,
		e.SessionID, string(e.Type), string(content), e.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListEvents returns a session's events in append order.
func (s *Store) ListEvents(ctx context.Context, sessionID string, limit int) ([]models.Event, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT type, content, timestamp FROM events
		WHERE session_id = ? ORDER BY id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []models.Event
	for rows.Next() {
		var (
			typ     string
			content string
			ts      time.Time
		)
		if err := rows.Scan(&typ, &content, &ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e := models.Event{Type: models.EventType(typ), Timestamp: ts, SessionID: sessionID}
		if err := json.Unmarshal([]byte(content), &e.Content); err != nil {
			return nil, fmt.Errorf("decode event content: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.SessionRecord, error) {
	var (
		rec    models.SessionRecord
		status string
		last   sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.WorkspaceDir, &rec.Name, &rec.DeviceID, &status,
		&rec.CreatedAt, &rec.UpdatedAt, &last)
	if err != nil {
		return nil, err
	}
	rec.Status = models.SessionStatus(status)
	if last.Valid {
		rec.LastMessageAt = last.Time
	}
	return &rec, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
