// Package memory provides an in-memory session store for tests and
// ephemeral deployments.
package memory

import (
	"context"
	"sync"
	"time"

	"doorman/internal/domain"
	"doorman/internal/storage"
)

// Store is an in-memory implementation of storage.SessionStore.
type Store struct {
	mu          sync.RWMutex
	sessions    map[string]domain.Session
	transcripts map[string][]storage.TranscriptEntry
	actions     []storage.ActionEntry
	alerts      []domain.Alert
	seq         int64
}

var _ storage.SessionStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		sessions:    make(map[string]domain.Session),
		transcripts: make(map[string][]storage.TranscriptEntry),
	}
}

func (s *Store) CreateSession(ctx context.Context, sess domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

func (s *Store) UpdateStatus(ctx context.Context, id string, status domain.Status, risk *float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return domain.ErrSessionNotFound
	}
	sess.Status = status
	sess.LastUpdated = time.Now().UTC()
	if risk != nil {
		r := *risk
		sess.RiskScore = &r
	}
	s.sessions[id] = sess
	return nil
}

func (s *Store) AppendTranscript(ctx context.Context, e storage.TranscriptEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	e.Sequence = s.seq
	s.transcripts[e.SessionID] = append(s.transcripts[e.SessionID], e)
	return nil
}

func (s *Store) AppendAction(ctx context.Context, e storage.ActionEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	e.Sequence = s.seq
	s.actions = append(s.actions, e)
	return nil
}

func (s *Store) AppendAlert(ctx context.Context, a domain.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	return sess, nil
}

func (s *Store) GetSessionDetail(ctx context.Context, id string) (storage.SessionDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return storage.SessionDetail{}, domain.ErrSessionNotFound
	}

	detail := storage.SessionDetail{
		Session:     sess,
		Transcripts: append([]storage.TranscriptEntry(nil), s.transcripts[id]...),
	}
	for _, a := range s.actions {
		if a.SessionID == id {
			detail.Actions = append(detail.Actions, a)
		}
	}
	return detail, nil
}

func (s *Store) RecentActions(ctx context.Context, limit int) ([]storage.ActionEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	var out []storage.ActionEntry
	for i := len(s.actions) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.actions[i])
	}
	return out, nil
}

// Alerts returns the recorded alerts, newest last. Test helper.
func (s *Store) Alerts() []domain.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Alert(nil), s.alerts...)
}

func (s *Store) Close() error {
	return nil
}
