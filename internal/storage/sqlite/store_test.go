package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"doorman/internal/domain"
	"doorman/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	sess := domain.Session{
		ID:          "visitor_abc123",
		DeviceID:    "frontdoor-01",
		Status:      domain.StatusQueued,
		CreatedAt:   now,
		LastUpdated: now,
	}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create: %v", err)
	}

	risk := 0.42
	if err := s.UpdateStatus(ctx, sess.ID, domain.StatusIntelligenceDone, &risk); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusIntelligenceDone {
		t.Errorf("status = %s, want intelligence_done", got.Status)
	}
	if got.RiskScore == nil || *got.RiskScore != risk {
		t.Errorf("risk = %v, want %v", got.RiskScore, risk)
	}

	// Status-only update must preserve the stored risk score.
	if err := s.UpdateStatus(ctx, sess.ID, domain.StatusCompleted, nil); err != nil {
		t.Fatalf("update without risk: %v", err)
	}
	got, err = s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RiskScore == nil || *got.RiskScore != risk {
		t.Errorf("risk after status-only update = %v, want %v", got.RiskScore, risk)
	}
}

func TestUpdateUnknownSession(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateStatus(context.Background(), "nope", domain.StatusError, nil)
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestTranscriptAndActionOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	sess := domain.Session{ID: "s1", DeviceID: "d1", Status: domain.StatusQueued, CreatedAt: now, LastUpdated: now}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create: %v", err)
	}

	for i, content := range []string{"hello", "I have a package", "please leave it"} {
		role := "visitor"
		if i == 2 {
			role = "assistant"
		}
		err := s.AppendTranscript(ctx, storage.TranscriptEntry{
			SessionID: "s1", Role: role, Content: content, Timestamp: now,
		})
		if err != nil {
			t.Fatalf("append transcript %d: %v", i, err)
		}
	}

	err := s.AppendAction(ctx, storage.ActionEntry{
		SessionID: "s1", ActionType: "auto_reply", Status: "played",
		Reason: "risk below ceiling", Payload: map[string]string{"tts_file": "s1.txt"},
		Timestamp: now,
	})
	if err != nil {
		t.Fatalf("append action: %v", err)
	}

	detail, err := s.GetSessionDetail(ctx, "s1")
	if err != nil {
		t.Fatalf("detail: %v", err)
	}
	if len(detail.Transcripts) != 3 {
		t.Fatalf("expected 3 transcripts, got %d", len(detail.Transcripts))
	}
	for i := 1; i < len(detail.Transcripts); i++ {
		if detail.Transcripts[i].Sequence <= detail.Transcripts[i-1].Sequence {
			t.Fatal("transcript sequence not monotonically increasing")
		}
	}
	if detail.Transcripts[2].Role != "assistant" || detail.Transcripts[2].Content != "please leave it" {
		t.Errorf("unexpected final transcript: %+v", detail.Transcripts[2])
	}
	if len(detail.Actions) != 1 {
		t.Fatalf("expected 1 action, got %d", len(detail.Actions))
	}
	if detail.Actions[0].Payload["tts_file"] != "s1.txt" {
		t.Errorf("payload round-trip failed: %+v", detail.Actions[0].Payload)
	}
}

func TestRecentActionsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, id := range []string{"a", "b", "c"} {
		err := s.AppendAction(ctx, storage.ActionEntry{
			SessionID: id, ActionType: "notify_owner", Status: "queued",
			Reason: "default", Timestamp: now,
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	recent, err := s.RecentActions(ctx, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 actions, got %d", len(recent))
	}
	if recent[0].SessionID != "c" || recent[1].SessionID != "b" {
		t.Errorf("expected newest first, got %s then %s", recent[0].SessionID, recent[1].SessionID)
	}
}

func TestAppendAlert(t *testing.T) {
	s := newTestStore(t)

	err := s.AppendAlert(context.Background(), domain.Alert{
		SessionID: "s1", Label: "knife", Confidence: 0.91, Streak: 2,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("append alert: %v", err)
	}
}
