// Package sqlite implements the session store on an embedded SQLite
// database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"doorman/internal/domain"
	"doorman/internal/storage"
)

// Store is a SQLite implementation of storage.SessionStore.
type Store struct {
	db *sql.DB
}

var _ storage.SessionStore = (*Store)(nil)

// New opens (or creates) the database at dbPath and initializes the
// schema.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			status TEXT NOT NULL,
			risk_score REAL,
			created_at TIMESTAMP NOT NULL,
			last_updated TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS transcripts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS actions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			action_type TEXT NOT NULL,
			status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			payload TEXT,
			timestamp TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			label TEXT NOT NULL,
			confidence REAL NOT NULL,
			streak INTEGER NOT NULL,
			timestamp TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transcripts_session ON transcripts(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_actions_session ON actions(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_session ON alerts(session_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

func (s *Store) CreateSession(ctx context.Context, sess domain.Session) error {
	query := `INSERT INTO sessions (id, device_id, status, risk_score, created_at, last_updated)
	          VALUES (?, ?, ?, ?, ?, ?)
	          ON CONFLICT(id) DO UPDATE SET status=excluded.status, last_updated=excluded.last_updated`

	var risk interface{}
	if sess.RiskScore != nil {
		risk = *sess.RiskScore
	}

	_, err := s.db.ExecContext(ctx, query,
		sess.ID, sess.DeviceID, string(sess.Status), risk, sess.CreatedAt, sess.LastUpdated)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *Store) UpdateStatus(ctx context.Context, id string, status domain.Status, risk *float64) error {
	var (
		query string
		args  []interface{}
	)
	if risk != nil {
		query = `UPDATE sessions SET status = ?, risk_score = ?, last_updated = ? WHERE id = ?`
		args = []interface{}{string(status), *risk, time.Now().UTC(), id}
	} else {
		query = `UPDATE sessions SET status = ?, last_updated = ? WHERE id = ?`
		args = []interface{}{string(status), time.Now().UTC(), id}
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

func (s *Store) AppendTranscript(ctx context.Context, e storage.TranscriptEntry) error {
	query := `INSERT INTO transcripts (session_id, role, content, timestamp) VALUES (?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, e.SessionID, e.Role, e.Content, e.Timestamp); err != nil {
		return fmt.Errorf("failed to append transcript: %w", err)
	}
	return nil
}

func (s *Store) AppendAction(ctx context.Context, e storage.ActionEntry) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal action payload: %w", err)
	}

	query := `INSERT INTO actions (session_id, action_type, status, reason, payload, timestamp)
	          VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query,
		e.SessionID, e.ActionType, e.Status, e.Reason, string(payload), e.Timestamp); err != nil {
		return fmt.Errorf("failed to append action: %w", err)
	}
	return nil
}

func (s *Store) AppendAlert(ctx context.Context, a domain.Alert) error {
	query := `INSERT INTO alerts (session_id, label, confidence, streak, timestamp)
	          VALUES (?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query,
		a.SessionID, a.Label, a.Confidence, a.Streak, a.Timestamp); err != nil {
		return fmt.Errorf("failed to append alert: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (domain.Session, error) {
	query := `SELECT id, device_id, status, risk_score, created_at, last_updated
	          FROM sessions WHERE id = ?`

	var (
		sess   domain.Session
		status string
		risk   sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&sess.ID, &sess.DeviceID, &status, &risk, &sess.CreatedAt, &sess.LastUpdated)
	if err == sql.ErrNoRows {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("failed to get session: %w", err)
	}

	sess.Status = domain.Status(status)
	if risk.Valid {
		sess.RiskScore = &risk.Float64
	}
	return sess, nil
}

func (s *Store) GetSessionDetail(ctx context.Context, id string) (storage.SessionDetail, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return storage.SessionDetail{}, err
	}

	transcripts, err := s.getTranscripts(ctx, id)
	if err != nil {
		return storage.SessionDetail{}, err
	}
	actions, err := s.getActions(ctx, id)
	if err != nil {
		return storage.SessionDetail{}, err
	}

	return storage.SessionDetail{Session: sess, Transcripts: transcripts, Actions: actions}, nil
}

func (s *Store) getTranscripts(ctx context.Context, sessionID string) ([]storage.TranscriptEntry, error) {
	query := `SELECT id, session_id, role, content, timestamp
	          FROM transcripts WHERE session_id = ? ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transcripts: %w", err)
	}
	defer rows.Close()

	var entries []storage.TranscriptEntry
	for rows.Next() {
		var e storage.TranscriptEntry
		if err := rows.Scan(&e.Sequence, &e.SessionID, &e.Role, &e.Content, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan transcript: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) getActions(ctx context.Context, sessionID string) ([]storage.ActionEntry, error) {
	query := `SELECT id, session_id, action_type, status, reason, payload, timestamp
	          FROM actions WHERE session_id = ? ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query actions: %w", err)
	}
	defer rows.Close()

	return scanActions(rows)
}

func (s *Store) RecentActions(ctx context.Context, limit int) ([]storage.ActionEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, session_id, action_type, status, reason, payload, timestamp
	          FROM actions ORDER BY id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent actions: %w", err)
	}
	defer rows.Close()

	return scanActions(rows)
}

func scanActions(rows *sql.Rows) ([]storage.ActionEntry, error) {
	var entries []storage.ActionEntry
	for rows.Next() {
		var (
			e       storage.ActionEntry
			payload sql.NullString
		)
		if err := rows.Scan(&e.Sequence, &e.SessionID, &e.ActionType, &e.Status, &e.Reason, &payload, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal action payload: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
