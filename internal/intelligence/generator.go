// Package intelligence classifies visitor intent, scores risk and drafts
// the spoken reply. Classification and scoring are deterministic; only
// the reply text may come from an external language model, and a failing
// model degrades to a canned reply rather than failing the session.
package intelligence

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"doorman/internal/domain"
	"doorman/internal/retry"
)

// TextBackend generates the visitor-facing reply text. Implementations
// wrap an LLM endpoint; errors and slow responses are tolerated.
type TextBackend interface {
	GenerateReply(ctx context.Context, intent domain.Intent, transcript string) (string, error)
}

// Risk formula weights. VisionConfidence pulls risk down, anti-spoof and
// emotion push it up.
const (
	weightVision    = 0.5
	weightAntiSpoof = 0.3
	weightEmotion   = 0.2

	emotionScoreAggressive = 0.6
	emotionScoreCalm       = 0.2

	// weaponRiskFloor: a confirmed weapon never scores below this,
	// whatever the other signals say.
	weaponRiskFloor = 0.75

	escalationThreshold = 0.7
)

// Generator implements the pipeline's ReplyGenerator contract.
type Generator struct {
	backend TextBackend
	retry   retry.Policy
	logger  *slog.Logger
}

// New creates a generator. backend may be nil; replies then always come
// from the canned table.
func New(backend TextBackend, logger *slog.Logger) *Generator {
	return &Generator{backend: backend, retry: retry.DefaultPolicy, logger: logger}
}

// ClassifyAndReply derives intent, risk and the reply for one perception
// result. It never returns an error from the backend; reply generation
// degrades instead.
func (g *Generator) ClassifyAndReply(ctx context.Context, p domain.PerceptionResult) (domain.RiskAssessment, error) {
	intent := classifyIntent(p)
	risk := riskScore(p)

	assessment := domain.RiskAssessment{
		SessionID:          p.SessionID,
		Intent:             intent,
		RiskScore:          risk,
		EscalationRequired: risk >= escalationThreshold || p.WeaponDetected,
		Tags:               riskTags(p),
		Timestamp:          time.Now().UTC(),
	}
	assessment.ReplyText = g.reply(ctx, intent, p.Transcript)
	return assessment, nil
}

func (g *Generator) reply(ctx context.Context, intent domain.Intent, transcript string) string {
	if g.backend == nil {
		return cannedReply(intent)
	}
	var text string
	err := retry.Do(ctx, g.retry, func(ctx context.Context) error {
		var genErr error
		text, genErr = g.backend.GenerateReply(ctx, intent, transcript)
		return genErr
	})
	if err != nil {
		g.logger.Warn("reply backend failed, using canned reply",
			slog.String("intent", string(intent)),
			slog.String("error", err.Error()),
		)
		return cannedReply(intent)
	}
	if strings.TrimSpace(text) == "" {
		return cannedReply(intent)
	}
	return text
}

// classifyIntent maps perception signals to an intent, most specific
// first. Scam indicators dominate: a polite visitor asking for an OTP is
// still a scam.
func classifyIntent(p domain.PerceptionResult) domain.Intent {
	flags := p.ContextFlags
	text := strings.ToLower(p.Transcript)

	switch {
	case domain.HasFlag(flags, domain.FlagOTPRequest),
		domain.HasFlag(flags, domain.FlagFinancialRequest):
		return domain.IntentScam
	case p.WeaponDetected, p.Emotion == "aggressive":
		return domain.IntentAggression
	case domain.HasFlag(flags, domain.FlagOccupancyProbe):
		return domain.IntentOccupancyProbe
	case domain.HasFlag(flags, domain.FlagAuthorityClaim):
		return domain.IntentAuthorityClaim
	case domain.HasFlag(flags, domain.FlagStaffClaim):
		return domain.IntentStaffClaim
	case domain.HasFlag(flags, domain.FlagIdentityClaim):
		return domain.IntentIdentityClaim
	case p.Emotion == "distressed":
		return domain.IntentVulnerable
	case strings.Contains(text, "deliver"), strings.Contains(text, "parcel"),
		strings.Contains(text, "package"), strings.Contains(text, "courier"):
		return domain.IntentDelivery
	case strings.Contains(text, "help"):
		return domain.IntentHelp
	case text != "":
		return domain.IntentVisitor
	default:
		return domain.IntentUnknown
	}
}

// riskScore combines vision confidence, anti-spoof and emotion into a
// single score clamped to [0,1].
func riskScore(p domain.PerceptionResult) float64 {
	emotion := emotionScoreCalm
	if p.Emotion == "aggressive" {
		emotion = emotionScoreAggressive
	}

	risk := weightVision*(1-p.VisionConfidence) +
		weightAntiSpoof*p.AntiSpoofScore +
		weightEmotion*emotion

	if p.WeaponDetected && risk < weaponRiskFloor {
		risk = weaponRiskFloor
	}
	if risk < 0 {
		risk = 0
	}
	if risk > 1 {
		risk = 1
	}
	return risk
}

func riskTags(p domain.PerceptionResult) []string {
	var tags []string
	if p.WeaponDetected {
		tags = append(tags, fmt.Sprintf("weapon:%s", strings.Join(p.WeaponLabels, ",")))
	}
	for _, f := range p.ContextFlags {
		tags = append(tags, string(f))
	}
	if p.Emotion != "neutral" {
		tags = append(tags, "emotion:"+p.Emotion)
	}
	return tags
}

var cannedReplies = map[domain.Intent]string{
	domain.IntentDelivery:       "Thanks! Please leave the package at the door, the owner has been notified.",
	domain.IntentScam:           "The owner is not available. Please do not ask for codes or payments at this door.",
	domain.IntentAggression:     "Please step back. This visit is being recorded and help is on the way.",
	domain.IntentOccupancyProbe: "This visit has been logged. Please state your business or leave a message.",
	domain.IntentIdentityClaim:  "The owner has been notified of your visit. Please wait here.",
	domain.IntentAuthorityClaim: "The owner has been notified. Please hold your identification up to the camera.",
	domain.IntentStaffClaim:     "The owner has been notified and will confirm your visit shortly.",
	domain.IntentVulnerable:     "Help is being arranged. Please stay where you are.",
	domain.IntentHelp:           "The owner has been notified that you need assistance.",
	domain.IntentVisitor:        "Hello! The owner has been notified of your visit. Please wait a moment.",
	domain.IntentUnknown:        "Hello! Please state your name and the purpose of your visit.",
}

func cannedReply(intent domain.Intent) string {
	if r, ok := cannedReplies[intent]; ok {
		return r
	}
	return cannedReplies[domain.IntentUnknown]
}
