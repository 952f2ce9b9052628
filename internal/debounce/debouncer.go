// Package debounce confirms live-stream detections before alerting. A
// detection only fires once it has been seen on enough consecutive scans,
// which suppresses single-frame false positives from the detector.
package debounce

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"doorman/internal/broadcast"
	"doorman/internal/config"
	"doorman/internal/domain"
	"doorman/internal/storage"
)

// Detector scans one frame for objects of interest (weapons, in this
// deployment). It is the slow external collaborator; the debouncer rate-
// limits how often it is invoked per session.
type Detector interface {
	Detect(ctx context.Context, frame []byte) ([]domain.Detection, error)
}

// sessionState is everything the debouncer tracks for one session. It is
// only mutated by the single task handling that session's frame uploads;
// the registry lock only guards map membership.
type sessionState struct {
	mu        sync.Mutex
	lastFrame []byte
	lastScan  time.Time
	streak    int
	alertSent bool
}

// Debouncer applies the rate-limit and consecutive-hit discipline to a
// continuous frame stream, independent of the main pipeline.
type Debouncer struct {
	cfg         config.DebounceConfig
	detector    Detector
	store       storage.SessionStore
	broadcaster broadcast.Broadcaster
	logger      *slog.Logger

	sessions *lru.Cache[string, *sessionState]

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a debouncer. Session state is kept in a bounded registry;
// the least recently active session is evicted when the bound is hit.
// detector may be nil: frames then only feed the preview buffer and
// every scan counts as a miss.
func New(cfg config.DebounceConfig, detector Detector, store storage.SessionStore, broadcaster broadcast.Broadcaster, logger *slog.Logger) (*Debouncer, error) {
	if cfg.MaxSessions < 1 {
		cfg.MaxSessions = 1
	}
	sessions, err := lru.New[string, *sessionState](cfg.MaxSessions)
	if err != nil {
		return nil, fmt.Errorf("create session registry: %w", err)
	}
	return &Debouncer{
		cfg:         cfg,
		detector:    detector,
		store:       store,
		broadcaster: broadcaster,
		logger:      logger,
		sessions:    sessions,
		now:         time.Now,
	}, nil
}

func (d *Debouncer) state(sessionID string) *sessionState {
	if s, ok := d.sessions.Get(sessionID); ok {
		return s
	}
	s := &sessionState{}
	// Two uploaders racing on a brand-new session may both construct a
	// state; the second Add wins, which only costs one discarded scan.
	d.sessions.Add(sessionID, s)
	return s
}

// SubmitFrame ingests one frame for the session and reports whether a
// confirmed alert fired. Frames arriving faster than the scan interval
// are kept as the latest frame (last writer wins, it only serves a
// best-effort preview) but not independently scanned.
func (d *Debouncer) SubmitFrame(ctx context.Context, sessionID string, frame []byte) (bool, error) {
	s := d.state(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastFrame = frame

	now := d.now()
	if !s.lastScan.IsZero() && now.Sub(s.lastScan) < d.cfg.ScanInterval {
		return false, nil
	}
	s.lastScan = now

	// No detector deployed: the frame still feeds the preview buffer,
	// the scan is a miss.
	if d.detector == nil {
		s.streak = 0
		return false, nil
	}

	detections, err := d.detector.Detect(ctx, frame)
	if err != nil {
		// A failed scan counts as a miss: the streak resets.
		s.streak = 0
		d.logger.Warn("frame scan failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		return false, nil
	}

	best := bestDetection(detections)
	if best.Confidence < d.cfg.ConfidenceFloor {
		s.streak = 0
		return false, nil
	}

	s.streak++
	if s.streak < d.cfg.StreakThreshold {
		return false, nil
	}
	if s.alertSent && d.cfg.SuppressRepeats {
		return false, nil
	}

	d.fire(ctx, sessionID, best, s.streak)
	s.alertSent = true
	return true, nil
}

// LatestFrame returns the most recent frame for the session, for the
// live preview. Staleness is acceptable.
func (d *Debouncer) LatestFrame(sessionID string) ([]byte, bool) {
	s, ok := d.sessions.Get(sessionID)
	if !ok {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastFrame == nil {
		return nil, false
	}
	return s.lastFrame, true
}

// EndSession discards the session's debounce state when its interaction
// ends.
func (d *Debouncer) EndSession(sessionID string) {
	d.sessions.Remove(sessionID)
}

// fire broadcasts the confirmed alert to the session-scoped and
// fleet-wide owner channels and records it durably. Broadcast and store
// failures never propagate to the frame path.
func (d *Debouncer) fire(ctx context.Context, sessionID string, det domain.Detection, streak int) {
	alert := domain.Alert{
		SessionID:  sessionID,
		Label:      det.Label,
		Confidence: det.Confidence,
		Streak:     streak,
		Timestamp:  d.now().UTC(),
	}

	if err := d.store.AppendAlert(ctx, alert); err != nil {
		d.logger.Error("alert persist failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}

	event := broadcast.Event{
		Type:      "live_alert",
		SessionID: sessionID,
		Data: map[string]string{
			"label":      det.Label,
			"confidence": fmt.Sprintf("%.2f", det.Confidence),
		},
	}
	d.broadcaster.Publish(ctx, sessionID, event)
	d.broadcaster.Publish(ctx, broadcast.ChannelOwner, event)

	d.logger.Info("live alert fired",
		slog.String("session_id", sessionID),
		slog.String("label", det.Label),
		slog.Float64("confidence", det.Confidence),
		slog.Int("streak", streak),
	)
}

func bestDetection(detections []domain.Detection) domain.Detection {
	var best domain.Detection
	for _, det := range detections {
		if det.Confidence > best.Confidence {
			best = det
		}
	}
	return best
}
