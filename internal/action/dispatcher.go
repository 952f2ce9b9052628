// Package action executes policy decisions: speaking to the visitor,
// notifying the owner, and raising escalations. Every outward effect is
// broadcast so connected dashboards see it live.
package action

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"doorman/internal/broadcast"
	"doorman/internal/domain"
)

// SpeechSynthesizer renders reply text as playable audio at the door
// unit. It is optional: without one, replies are delivered text-only.
type SpeechSynthesizer interface {
	Speak(ctx context.Context, sessionID, text string) error
}

// OwnerNotifier delivers a push notification to the owner's device.
// Optional; without one, owner delivery relies on the broadcast channel.
type OwnerNotifier interface {
	Notify(ctx context.Context, sessionID, title, body string) error
}

// maxSpokenChars bounds TTS input so a runaway reply cannot occupy the
// speaker indefinitely.
const maxSpokenChars = 240

// Dispatcher implements the pipeline's ActionDispatcher contract.
type Dispatcher struct {
	tts         SpeechSynthesizer
	notifier    OwnerNotifier
	broadcaster broadcast.Broadcaster
	logger      *slog.Logger
}

// New creates a dispatcher. tts and notifier may each be nil.
func New(tts SpeechSynthesizer, notifier OwnerNotifier, broadcaster broadcast.Broadcaster, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{tts: tts, notifier: notifier, broadcaster: broadcaster, logger: logger}
}

// Execute carries out d. Synthesis failure degrades to a queued
// text-only outcome instead of failing the stage.
func (d *Dispatcher) Execute(ctx context.Context, decision domain.Decision, assessment domain.RiskAssessment, perception domain.PerceptionResult) (domain.ActionOutcome, error) {
	outcome := domain.ActionOutcome{
		SessionID:  decision.SessionID,
		ActionType: decision.FinalAction,
		Status:     domain.OutcomeIgnored,
		Payload:    map[string]string{"reason": decision.Reason},
		Timestamp:  time.Now().UTC(),
	}

	if decision.Dispatch.Speak {
		text := SanitizeSpeech(assessment.ReplyText)
		outcome.Payload["reply_text"] = text
		outcome.Status = d.speak(ctx, decision.SessionID, text)
	}

	if decision.Dispatch.NotifyOwner {
		d.notifyOwner(ctx, decision, assessment)
		if outcome.Status == domain.OutcomeIgnored {
			outcome.Status = domain.OutcomeQueued
		}
	}

	if decision.FinalAction == domain.ActionEscalate {
		outcome.Status = domain.OutcomeEscalated
		outcome.Payload["secondary_responder"] = boolString(decision.Dispatch.SecondaryResponder)
		d.broadcaster.Publish(ctx, broadcast.ChannelOwner, broadcast.Event{
			Type:      "escalation",
			SessionID: decision.SessionID,
			Data: map[string]string{
				"reason":              decision.Reason,
				"intent":              string(assessment.Intent),
				"secondary_responder": boolString(decision.Dispatch.SecondaryResponder),
			},
		})
	}

	d.broadcaster.Publish(ctx, decision.SessionID, broadcast.Event{
		Type:      "action",
		SessionID: decision.SessionID,
		Data: map[string]string{
			"action": string(decision.FinalAction),
			"status": string(outcome.Status),
		},
	})
	return outcome, nil
}

// speak renders text at the door. Without a synthesizer the text
// artifact itself is the delivered reply and counts as played; only an
// actual synthesis failure downgrades to queued.
func (d *Dispatcher) speak(ctx context.Context, sessionID, text string) domain.OutcomeStatus {
	if d.tts == nil {
		d.broadcaster.Publish(ctx, sessionID, broadcast.Event{
			Type:      "reply",
			SessionID: sessionID,
			Data:      map[string]string{"text": text, "mode": "text"},
		})
		return domain.OutcomePlayed
	}
	if err := d.tts.Speak(ctx, sessionID, text); err != nil {
		d.logger.Warn("speech synthesis failed, delivering text-only",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		d.broadcaster.Publish(ctx, sessionID, broadcast.Event{
			Type:      "reply",
			SessionID: sessionID,
			Data:      map[string]string{"text": text, "mode": "text"},
		})
		return domain.OutcomeQueued
	}
	return domain.OutcomePlayed
}

func (d *Dispatcher) notifyOwner(ctx context.Context, decision domain.Decision, assessment domain.RiskAssessment) {
	body := decision.Reason
	if d.notifier != nil {
		if err := d.notifier.Notify(ctx, decision.SessionID, "Visitor at the door", body); err != nil {
			d.logger.Warn("owner notification failed",
				slog.String("session_id", decision.SessionID),
				slog.String("error", err.Error()),
			)
		}
	}
	d.broadcaster.Publish(ctx, broadcast.ChannelOwner, broadcast.Event{
		Type:      "owner_notice",
		SessionID: decision.SessionID,
		Data: map[string]string{
			"reason": decision.Reason,
			"intent": string(assessment.Intent),
		},
	})
}

// SanitizeSpeech strips non-printable runes, normalizes quotes that trip
// synthesis engines, and truncates to the spoken-length bound.
func SanitizeSpeech(text string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(text) {
		switch {
		case r == '"' || r == '“' || r == '”':
			b.WriteRune('\'')
		case r == '\n' || r == '\t':
			b.WriteRune(' ')
		case unicode.IsPrint(r):
			b.WriteRune(r)
		}
	}
	out := b.String()
	if len(out) > maxSpokenChars {
		runes := []rune(out)
		if len(runes) > maxSpokenChars {
			out = string(runes[:maxSpokenChars])
		}
	}
	return out
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
