// Package orchestrator is the intake front door: it admits ring events,
// owns session identity, and hands work to the gated pipeline. HTTP
// handlers call it; it never touches the transport layer.
package orchestrator

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"doorman/internal/broadcast"
	"doorman/internal/debounce"
	"doorman/internal/domain"
	"doorman/internal/pipeline"
	"doorman/internal/storage"
)

// Runner executes the full stage sequence for one admitted event.
type Runner interface {
	Run(ctx context.Context, ev domain.InboundEvent) error
}

// DefaultGreeting is spoken/shown immediately on a ring, before the
// pipeline has produced a tailored reply.
const DefaultGreeting = "Hello! Please wait while I notify the owner."

// OwnerAckReply is sent to the visitor when the owner replies without
// text of their own.
const OwnerAckReply = "Thank you, the owner has been notified."

// RingRequest is a doorbell press with its captured media, referenced by
// path or carried inline as base64. SessionID is empty on a fresh ring;
// a follow-up event for an ongoing interaction carries the session it
// belongs to.
type RingRequest struct {
	SessionID string            `json:"session_id,omitempty"`
	DeviceID  string            `json:"device_id"`
	ImagePath string            `json:"image_path,omitempty"`
	AudioPath string            `json:"audio_path,omitempty"`
	ImageB64  string            `json:"image_b64,omitempty"`
	AudioB64  string            `json:"audio_b64,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// RingResponse acknowledges an admitted event.
type RingResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Greeting  string `json:"greeting"`
}

// Orchestrator admits events, bounds concurrency through the gate, and
// runs pipelines in the background. Shutdown waits for in-flight
// pipelines; admitted work is run to completion, never cancelled.
type Orchestrator struct {
	gate      *pipeline.Gate
	runner    Runner
	store     storage.SessionStore
	debouncer *debounce.Debouncer
	bcast     broadcast.Broadcaster
	logger    *slog.Logger

	mediaDir string

	runCtx context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
}

// SetMediaDir overrides where inline media payloads are materialized.
// The default is the system temp directory.
func (o *Orchestrator) SetMediaDir(dir string) { o.mediaDir = dir }

// saveMedia materializes an inline payload as a file for the perception
// collaborators, which consume paths.
func (o *Orchestrator) saveMedia(sessionID, name string, data []byte) (string, error) {
	dir := filepath.Join(o.mediaDir, sessionID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("save media: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return "", fmt.Errorf("save media: %w", err)
	}
	return path, nil
}

// New wires an orchestrator. debouncer may be nil when the live-stream
// surface is disabled.
func New(gate *pipeline.Gate, runner Runner, store storage.SessionStore, debouncer *debounce.Debouncer, bcast broadcast.Broadcaster, logger *slog.Logger) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		gate:      gate,
		runner:    runner,
		store:     store,
		debouncer: debouncer,
		bcast:     bcast,
		logger:    logger,
		mediaDir:  os.TempDir(),
		runCtx:    ctx,
		stop:      cancel,
	}
}

func newSessionID() string {
	return "visitor_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// SubmitEvent validates and admits a ring event. Validation happens
// before any session row exists, so malformed input leaves no trace. A
// full per-session queue rejects the event with domain.ErrQueueFull and
// does not disturb the session's current state.
func (o *Orchestrator) SubmitEvent(ctx context.Context, req RingRequest) (RingResponse, error) {
	if req.DeviceID == "" {
		return RingResponse{}, fmt.Errorf("%w: device_id is required", domain.ErrInvalidPayload)
	}
	if req.ImagePath == "" && req.AudioPath == "" && req.ImageB64 == "" && req.AudioB64 == "" {
		return RingResponse{}, fmt.Errorf("%w: event carries no image or audio", domain.ErrInvalidPayload)
	}

	var imageData, audioData []byte
	var err error
	if req.ImageB64 != "" {
		if imageData, err = base64.StdEncoding.DecodeString(req.ImageB64); err != nil {
			return RingResponse{}, fmt.Errorf("%w: image_b64: %v", domain.ErrInvalidPayload, err)
		}
	}
	if req.AudioB64 != "" {
		if audioData, err = base64.StdEncoding.DecodeString(req.AudioB64); err != nil {
			return RingResponse{}, fmt.Errorf("%w: audio_b64: %v", domain.ErrInvalidPayload, err)
		}
	}

	sessionID := req.SessionID
	fresh := sessionID == ""
	if fresh {
		sessionID = newSessionID()
	} else {
		s, err := o.store.GetSession(ctx, sessionID)
		if err != nil {
			return RingResponse{}, err
		}
		switch {
		case s.Status == domain.StatusError:
			// An errored session stays errored until the device tries
			// again; a fresh event starts a new pipeline attempt.
			if err := o.store.UpdateStatus(ctx, sessionID, domain.StatusQueued, nil); err != nil {
				return RingResponse{}, fmt.Errorf("requeue errored session: %w", err)
			}
		case s.Status.Terminal():
			return RingResponse{}, fmt.Errorf("%w: session %s already ended", domain.ErrInvalidPayload, sessionID)
		}
	}

	ev := domain.InboundEvent{
		SessionID: sessionID,
		DeviceID:  req.DeviceID,
		Timestamp: time.Now().UTC(),
		ImagePath: req.ImagePath,
		AudioPath: req.AudioPath,
		Metadata:  req.Metadata,
	}
	if imageData != nil {
		if ev.ImagePath, err = o.saveMedia(sessionID, "image.jpg", imageData); err != nil {
			return RingResponse{}, err
		}
	}
	if audioData != nil {
		if ev.AudioPath, err = o.saveMedia(sessionID, "audio.wav", audioData); err != nil {
			return RingResponse{}, err
		}
	}

	if fresh {
		err := o.store.CreateSession(ctx, domain.Session{
			ID:          sessionID,
			DeviceID:    req.DeviceID,
			Status:      domain.StatusQueued,
			CreatedAt:   ev.Timestamp,
			LastUpdated: ev.Timestamp,
		})
		if err != nil {
			return RingResponse{}, fmt.Errorf("create session: %w", err)
		}
	}

	if err := o.gate.Enqueue(sessionID, ev); err != nil {
		return RingResponse{}, err
	}
	o.bcast.Publish(ctx, sessionID, broadcast.Event{
		Type:      "status",
		SessionID: sessionID,
		Data:      map[string]string{"status": string(domain.StatusQueued)},
	})

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.gate.Run(o.runCtx, sessionID, o.runner.Run); err != nil {
			// The pipeline has already persisted the terminal error state;
			// this is purely operator visibility.
			o.logger.Error("pipeline run failed",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()),
			)
		}
	}()

	return RingResponse{
		SessionID: sessionID,
		Status:    string(domain.StatusQueued),
		Greeting:  DefaultGreeting,
	}, nil
}

// Status returns the session's current state-machine position.
func (o *Orchestrator) Status(ctx context.Context, sessionID string) (domain.Session, error) {
	return o.store.GetSession(ctx, sessionID)
}

// Detail returns the session with its transcript and audit trail.
func (o *Orchestrator) Detail(ctx context.Context, sessionID string) (storage.SessionDetail, error) {
	return o.store.GetSessionDetail(ctx, sessionID)
}

// Greeting returns the first assistant reply for the session, or the
// default greeting when the pipeline has not produced one yet.
func (o *Orchestrator) Greeting(ctx context.Context, sessionID string) (string, error) {
	detail, err := o.store.GetSessionDetail(ctx, sessionID)
	if err != nil {
		return "", err
	}
	for _, t := range detail.Transcripts {
		if t.Role == "assistant" {
			return t.Content, nil
		}
	}
	return DefaultGreeting, nil
}

// SubmitFrame feeds one live-stream frame to the alert debouncer.
// Returns whether an alert fired for this frame.
func (o *Orchestrator) SubmitFrame(ctx context.Context, sessionID string, frame []byte) (bool, error) {
	if o.debouncer == nil {
		return false, nil
	}
	if len(frame) == 0 {
		return false, fmt.Errorf("%w: empty frame", domain.ErrInvalidPayload)
	}
	if _, err := o.store.GetSession(ctx, sessionID); err != nil {
		return false, err
	}
	return o.debouncer.SubmitFrame(ctx, sessionID, frame)
}

// HandleReply records a reply from the owner (or visitor) and relays it
// to the session channel. An empty owner reply becomes the stock
// acknowledgement.
func (o *Orchestrator) HandleReply(ctx context.Context, sessionID, role, text string) (string, error) {
	if role != "owner" && role != "visitor" {
		return "", fmt.Errorf("%w: unknown reply role %q", domain.ErrInvalidPayload, role)
	}
	if _, err := o.store.GetSession(ctx, sessionID); err != nil {
		return "", err
	}

	text = strings.TrimSpace(text)
	if text == "" {
		if role != "owner" {
			return "", fmt.Errorf("%w: empty reply", domain.ErrInvalidPayload)
		}
		text = OwnerAckReply
	}

	err := o.store.AppendTranscript(ctx, storage.TranscriptEntry{
		SessionID: sessionID,
		Role:      role,
		Content:   text,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("append reply: %w", err)
	}

	o.bcast.Publish(ctx, sessionID, broadcast.Event{
		Type:      "reply",
		SessionID: sessionID,
		Data:      map[string]string{"role": role, "text": text},
	})
	return text, nil
}

// RecentLogs returns the newest audit entries across all sessions.
func (o *Orchestrator) RecentLogs(ctx context.Context, limit int) ([]storage.ActionEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return o.store.RecentActions(ctx, limit)
}

// EndSession releases the per-session resources held outside the store.
// The durable record is untouched.
func (o *Orchestrator) EndSession(sessionID string) {
	o.gate.Forget(sessionID)
	if o.debouncer != nil {
		o.debouncer.EndSession(sessionID)
	}
}

// Shutdown stops admitting background work and waits for in-flight
// pipelines, up to ctx's deadline.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		o.stop()
		return ctx.Err()
	}
	o.stop()
	return nil
}
