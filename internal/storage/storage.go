// Package storage defines the durable session store consumed by the
// orchestrator. All calls are idempotent-safe to retry at the call site;
// the orchestrator never depends on transactional multi-row guarantees.
package storage

import (
	"context"
	"time"

	"doorman/internal/domain"
)

// TranscriptEntry is one turn of the visitor/assistant/owner exchange.
// Sequence is the insertion order within the session; it is relied on to
// reconstruct "first assistant reply" queries.
type TranscriptEntry struct {
	Sequence  int64     `json:"sequence"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"` // visitor, assistant, owner
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ActionEntry is one row of the append-only action audit trail.
type ActionEntry struct {
	Sequence   int64             `json:"sequence"`
	SessionID  string            `json:"session_id"`
	ActionType string            `json:"action_type"`
	Status     string            `json:"status"`
	Reason     string            `json:"reason"`
	Payload    map[string]string `json:"payload,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// SessionDetail is a session with its ordered transcript and audit trail.
type SessionDetail struct {
	Session     domain.Session    `json:"session"`
	Transcripts []TranscriptEntry `json:"transcripts"`
	Actions     []ActionEntry     `json:"actions"`
}

// SessionStore is the durable record of session state, transcript, and
// action audit trail.
type SessionStore interface {
	CreateSession(ctx context.Context, s domain.Session) error
	UpdateStatus(ctx context.Context, id string, status domain.Status, risk *float64) error
	AppendTranscript(ctx context.Context, e TranscriptEntry) error
	AppendAction(ctx context.Context, e ActionEntry) error
	AppendAlert(ctx context.Context, a domain.Alert) error
	GetSession(ctx context.Context, id string) (domain.Session, error)
	GetSessionDetail(ctx context.Context, id string) (SessionDetail, error)
	RecentActions(ctx context.Context, limit int) ([]ActionEntry, error)
	Close() error
}
