// Package pipeline drives one inbound event through the fixed four-stage
// sequence (perception, intelligence, policy, action) under per-stage
// timeouts, persisting the session state machine after every transition.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"doorman/internal/broadcast"
	"doorman/internal/config"
	"doorman/internal/domain"
	"doorman/internal/policy"
	"doorman/internal/storage"
)

// PerceptionProvider turns a raw event into a typed perception result. On
// internal failure it must return a degraded-but-valid result within the
// stage budget rather than a raw library error.
type PerceptionProvider interface {
	Analyze(ctx context.Context, ev domain.InboundEvent) (domain.PerceptionResult, error)
}

// ReplyGenerator classifies intent, scores risk, and produces a reply.
// It must always produce usable reply text even when its generative
// backend is unreachable.
type ReplyGenerator interface {
	ClassifyAndReply(ctx context.Context, p domain.PerceptionResult) (domain.RiskAssessment, error)
}

// PolicyEvaluator is the pure decision function.
type PolicyEvaluator interface {
	Evaluate(a domain.RiskAssessment, c policy.Context) domain.Decision
}

// ActionDispatcher executes the decided action. "No synthesis engine
// available" is not an error; it falls back to a text-only artifact.
type ActionDispatcher interface {
	Execute(ctx context.Context, d domain.Decision, a domain.RiskAssessment, p domain.PerceptionResult) (domain.ActionOutcome, error)
}

// Pipeline sequences the four stages for one session at a time.
type Pipeline struct {
	perception   PerceptionProvider
	intelligence ReplyGenerator
	policy       PolicyEvaluator
	action       ActionDispatcher
	store        storage.SessionStore
	broadcaster  broadcast.Broadcaster
	budgets      config.PipelineConfig
	logger       *slog.Logger
}

// New wires a pipeline from its collaborators.
func New(
	perception PerceptionProvider,
	intelligence ReplyGenerator,
	policyEval PolicyEvaluator,
	action ActionDispatcher,
	store storage.SessionStore,
	broadcaster broadcast.Broadcaster,
	budgets config.PipelineConfig,
	logger *slog.Logger,
) *Pipeline {
	return &Pipeline{
		perception:   perception,
		intelligence: intelligence,
		policy:       policyEval,
		action:       action,
		store:        store,
		broadcaster:  broadcaster,
		budgets:      budgets,
		logger:       logger,
	}
}

var tracer = otel.Tracer("doorman/pipeline")

// Run drives ev through the full stage sequence. Each status transition
// is written to the store before the next stage starts, so partial
// progress is never lost. On any stage error the session moves to the
// terminal error status, an audit entry records the cause, and no retry
// is attempted.
func (p *Pipeline) Run(ctx context.Context, ev domain.InboundEvent) error {
	sessionID := ev.SessionID
	ctx, span := tracer.Start(ctx, "pipeline.run")
	span.SetAttributes(attribute.String("session.id", sessionID))
	defer span.End()

	if err := p.transition(ctx, sessionID, domain.StatusProcessing, nil); err != nil {
		return p.fail(ctx, sessionID, err)
	}

	// Stage 1: perception.
	perception, err := stageSpan(ctx, "perception", func(ctx context.Context) (domain.PerceptionResult, error) {
		return runStage(ctx, "perception", p.budgets.PerceptionTimeout, ev, p.perception.Analyze)
	})
	if err != nil {
		return p.fail(ctx, sessionID, err)
	}
	p.persistPerception(ctx, perception)
	if err := p.transition(ctx, sessionID, domain.StatusPerceptionDone, nil); err != nil {
		return p.fail(ctx, sessionID, err)
	}

	// Stage 2: intelligence (risk scoring + reply).
	assessment, err := stageSpan(ctx, "intelligence", func(ctx context.Context) (domain.RiskAssessment, error) {
		return runStage(ctx, "intelligence", p.budgets.IntelligenceTimeout, perception, p.intelligence.ClassifyAndReply)
	})
	if err != nil {
		return p.fail(ctx, sessionID, err)
	}
	if err := p.transition(ctx, sessionID, domain.StatusIntelligenceDone, &assessment.RiskScore); err != nil {
		return p.fail(ctx, sessionID, err)
	}
	p.appendTranscript(ctx, sessionID, "assistant", assessment.ReplyText)

	// Stage 3: policy. Pure computation; the budget is the tightest. The
	// perception-derived context is passed explicitly so the engine never
	// re-derives it.
	decision, err := stageSpan(ctx, "decision", func(ctx context.Context) (domain.Decision, error) {
		return runStage(ctx, "decision", p.budgets.DecisionTimeout, assessment, func(_ context.Context, a domain.RiskAssessment) (domain.Decision, error) {
			return p.policy.Evaluate(a, policy.Context{
				WeaponDetected: perception.WeaponDetected,
				AntiSpoofScore: perception.AntiSpoofScore,
				FaceVisible:    perception.FaceVisible,
				PersonCount:    perception.PersonCount,
				ContextFlags:   perception.ContextFlags,
			}), nil
		})
	})
	if err != nil {
		return p.fail(ctx, sessionID, err)
	}
	if err := p.transition(ctx, sessionID, domain.StatusDecisionDone, &assessment.RiskScore); err != nil {
		return p.fail(ctx, sessionID, err)
	}

	// Stage 4: action dispatch.
	outcome, err := stageSpan(ctx, "action", func(ctx context.Context) (domain.ActionOutcome, error) {
		return runStage(ctx, "action", p.budgets.ActionTimeout, decision, func(ctx context.Context, d domain.Decision) (domain.ActionOutcome, error) {
			return p.action.Execute(ctx, d, assessment, perception)
		})
	})
	if err != nil {
		return p.fail(ctx, sessionID, err)
	}

	p.appendAudit(ctx, sessionID, string(decision.FinalAction), string(outcome.Status), decision.Reason, outcome.Payload)
	if err := p.transition(ctx, sessionID, domain.StatusCompleted, &assessment.RiskScore); err != nil {
		return p.fail(ctx, sessionID, err)
	}

	p.logger.Info("session completed",
		slog.String("session_id", sessionID),
		slog.String("action", string(decision.FinalAction)),
		slog.Float64("risk", assessment.RiskScore),
	)
	return nil
}

// stageSpan wraps a stage call in a tracing span.
func stageSpan[O any](ctx context.Context, name string, fn func(context.Context) (O, error)) (O, error) {
	ctx, span := tracer.Start(ctx, "stage."+name)
	defer span.End()
	out, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
	}
	return out, err
}

// transition writes the new status (and risk, when available) before the
// next stage is allowed to start, then notifies listeners best-effort.
func (p *Pipeline) transition(ctx context.Context, sessionID string, status domain.Status, risk *float64) error {
	if err := p.store.UpdateStatus(ctx, sessionID, status, risk); err != nil {
		return fmt.Errorf("persist status %s: %w", status, err)
	}
	p.broadcaster.Publish(ctx, sessionID, broadcast.Event{
		Type:      "status",
		SessionID: sessionID,
		Data:      map[string]string{"status": string(status)},
	})
	return nil
}

// fail moves the session to the terminal error status and records the
// triggering cause in the audit trail. The error is returned unchanged;
// errored sessions are never retried here.
func (p *Pipeline) fail(ctx context.Context, sessionID string, cause error) error {
	p.logger.Error("pipeline aborted",
		slog.String("session_id", sessionID),
		slog.Bool("timeout", domain.IsStageTimeout(cause)),
		slog.String("error", cause.Error()),
	)
	p.appendAudit(ctx, sessionID, "pipeline_error", "error", cause.Error(), nil)
	if err := p.store.UpdateStatus(ctx, sessionID, domain.StatusError, nil); err != nil {
		p.logger.Error("failed to record error status",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}
	p.broadcaster.Publish(ctx, sessionID, broadcast.Event{
		Type:      "status",
		SessionID: sessionID,
		Data:      map[string]string{"status": string(domain.StatusError)},
	})
	return cause
}

func (p *Pipeline) persistPerception(ctx context.Context, perception domain.PerceptionResult) {
	if perception.Transcript != "" {
		p.appendTranscript(ctx, perception.SessionID, "visitor", perception.Transcript)
	}
	p.appendAudit(ctx, perception.SessionID, "perception", "done", "perception complete", map[string]string{
		"person_detected": fmt.Sprintf("%t", perception.PersonDetected),
		"weapon_detected": fmt.Sprintf("%t", perception.WeaponDetected),
		"person_count":    fmt.Sprintf("%d", perception.PersonCount),
		"face_visible":    fmt.Sprintf("%t", perception.FaceVisible),
		"emotion":         perception.Emotion,
	})
}

// appendTranscript and appendAudit are best-effort: the store tolerates
// at-least-once writes, and a failed append must not abort the stage
// sequence.
func (p *Pipeline) appendTranscript(ctx context.Context, sessionID, role, content string) {
	err := p.store.AppendTranscript(ctx, storage.TranscriptEntry{
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		p.logger.Warn("transcript append failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Pipeline) appendAudit(ctx context.Context, sessionID, actionType, status, reason string, payload map[string]string) {
	err := p.store.AppendAction(ctx, storage.ActionEntry{
		SessionID:  sessionID,
		ActionType: actionType,
		Status:     status,
		Reason:     reason,
		Payload:    payload,
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		p.logger.Warn("audit append failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}
}
