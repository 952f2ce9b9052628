// Package policy implements the deterministic risk/action rule cascade.
//
// Rules are an explicit ordered list evaluated first-match-wins; ordering
// encodes priority. The last rule is an unconditional default, so
// evaluation is a total function.
package policy

import (
	"fmt"
	"time"

	"doorman/internal/config"
	"doorman/internal/domain"
)

// Context carries the perception-derived inputs the engine consumes
// besides the risk assessment. They are passed explicitly so the engine
// never re-derives them and stays pure.
type Context struct {
	WeaponDetected bool
	AntiSpoofScore float64
	FaceVisible    bool
	PersonCount    int
	ContextFlags   []domain.ContextFlag
}

// antiSpoofEscalate is the anti-spoof score at or above which the visitor
// is treated as a presentation-attack risk.
const antiSpoofEscalate = 0.6

// disallowedFlags are context flags that escalate on sight, same severity
// as a classified scam intent.
var disallowedFlags = []domain.ContextFlag{
	domain.FlagOTPRequest,
	domain.FlagFinancialRequest,
}

type rule struct {
	name    string
	matches func(a domain.RiskAssessment, c Context, cfg config.PolicyConfig) bool
	decide  func(a domain.RiskAssessment, cfg config.PolicyConfig) (domain.Action, string, domain.DispatchFlags)
}

// Engine evaluates the fixed rule cascade against a risk assessment and
// its perception context. It holds no state besides the threshold
// configuration.
type Engine struct {
	cfg   config.PolicyConfig
	rules []rule
}

// New builds an engine with the cascade in its required priority order.
func New(cfg config.PolicyConfig) *Engine {
	return &Engine{cfg: cfg, rules: cascade()}
}

// Evaluate returns the decision for one assessment. Exactly one rule
// always matches.
func (e *Engine) Evaluate(a domain.RiskAssessment, c Context) domain.Decision {
	for _, r := range e.rules {
		if !r.matches(a, c, e.cfg) {
			continue
		}
		action, reason, dispatch := r.decide(a, e.cfg)
		return domain.Decision{
			SessionID:   a.SessionID,
			FinalAction: action,
			Reason:      reason,
			Dispatch:    dispatch,
			Timestamp:   time.Now().UTC(),
		}
	}
	// Unreachable: the cascade ends in an unconditional default.
	panic("policy: no rule matched")
}

func escalate(reason string, secondary bool) (domain.Action, string, domain.DispatchFlags) {
	return domain.ActionEscalate, reason, domain.DispatchFlags{
		Speak:              true,
		NotifyOwner:        true,
		SecondaryResponder: secondary,
	}
}

func notifyOwner(reason string) (domain.Action, string, domain.DispatchFlags) {
	return domain.ActionNotifyOwner, reason, domain.DispatchFlags{
		Speak:       false,
		NotifyOwner: true,
	}
}

func autoReply(reason string) (domain.Action, string, domain.DispatchFlags) {
	return domain.ActionAutoReply, reason, domain.DispatchFlags{
		Speak:       true,
		NotifyOwner: false,
	}
}

// cascade is the fixed priority-ordered rule list. Do not reorder.
func cascade() []rule {
	return []rule{
		{
			name: "weapon",
			matches: func(a domain.RiskAssessment, c Context, _ config.PolicyConfig) bool {
				return c.WeaponDetected
			},
			decide: func(a domain.RiskAssessment, _ config.PolicyConfig) (domain.Action, string, domain.DispatchFlags) {
				return escalate("weapon detected on camera", true)
			},
		},
		{
			name: "scam",
			matches: func(a domain.RiskAssessment, c Context, _ config.PolicyConfig) bool {
				if a.Intent == domain.IntentScam {
					return true
				}
				for _, f := range disallowedFlags {
					if domain.HasFlag(c.ContextFlags, f) {
						return true
					}
				}
				return false
			},
			decide: func(a domain.RiskAssessment, _ config.PolicyConfig) (domain.Action, string, domain.DispatchFlags) {
				return escalate("scam or fraud pattern in visitor request", false)
			},
		},
		{
			name: "aggression",
			matches: func(a domain.RiskAssessment, c Context, _ config.PolicyConfig) bool {
				return a.Intent == domain.IntentAggression
			},
			decide: func(a domain.RiskAssessment, _ config.PolicyConfig) (domain.Action, string, domain.DispatchFlags) {
				return escalate("aggressive visitor behavior", true)
			},
		},
		{
			// Never confirm or deny whether anyone is home: the answer
			// itself is the attack.
			name: "occupancy_probe",
			matches: func(a domain.RiskAssessment, c Context, _ config.PolicyConfig) bool {
				return a.Intent == domain.IntentOccupancyProbe ||
					domain.HasFlag(c.ContextFlags, domain.FlagOccupancyProbe)
			},
			decide: func(a domain.RiskAssessment, _ config.PolicyConfig) (domain.Action, string, domain.DispatchFlags) {
				return escalate("visitor probing for occupancy", false)
			},
		},
		{
			name: "risk_threshold",
			matches: func(a domain.RiskAssessment, c Context, cfg config.PolicyConfig) bool {
				return a.RiskScore >= cfg.EscalateAt() || a.EscalationRequired
			},
			decide: func(a domain.RiskAssessment, cfg config.PolicyConfig) (domain.Action, string, domain.DispatchFlags) {
				return escalate(fmt.Sprintf("risk score %.2f at or above escalate threshold %.2f", a.RiskScore, cfg.EscalateAt()), false)
			},
		},
		{
			name: "anti_spoof",
			matches: func(a domain.RiskAssessment, c Context, _ config.PolicyConfig) bool {
				return c.AntiSpoofScore >= antiSpoofEscalate
			},
			decide: func(a domain.RiskAssessment, _ config.PolicyConfig) (domain.Action, string, domain.DispatchFlags) {
				return escalate("anti-spoof score indicates presentation attack", false)
			},
		},
		{
			name: "face_occluded",
			matches: func(a domain.RiskAssessment, c Context, _ config.PolicyConfig) bool {
				return !c.FaceVisible
			},
			decide: func(a domain.RiskAssessment, _ config.PolicyConfig) (domain.Action, string, domain.DispatchFlags) {
				return notifyOwner("visitor face not visible to camera")
			},
		},
		{
			name: "unverifiable_claim",
			matches: func(a domain.RiskAssessment, c Context, _ config.PolicyConfig) bool {
				switch a.Intent {
				case domain.IntentIdentityClaim, domain.IntentAuthorityClaim, domain.IntentStaffClaim:
					return true
				}
				return false
			},
			decide: func(a domain.RiskAssessment, _ config.PolicyConfig) (domain.Action, string, domain.DispatchFlags) {
				return notifyOwner(fmt.Sprintf("unverifiable %s claim", a.Intent))
			},
		},
		{
			name: "crowd",
			matches: func(a domain.RiskAssessment, c Context, _ config.PolicyConfig) bool {
				return c.PersonCount > 2
			},
			decide: func(a domain.RiskAssessment, _ config.PolicyConfig) (domain.Action, string, domain.DispatchFlags) {
				return notifyOwner("more than two people at the door")
			},
		},
		{
			name: "vulnerable_person",
			matches: func(a domain.RiskAssessment, c Context, _ config.PolicyConfig) bool {
				return a.Intent == domain.IntentVulnerable
			},
			decide: func(a domain.RiskAssessment, _ config.PolicyConfig) (domain.Action, string, domain.DispatchFlags) {
				return notifyOwner("possible vulnerable person in distress")
			},
		},
		{
			name: "low_risk_auto_reply",
			matches: func(a domain.RiskAssessment, c Context, cfg config.PolicyConfig) bool {
				return cfg.AutoReplyEnabled && a.RiskScore < cfg.AutoReplyBelow()
			},
			decide: func(a domain.RiskAssessment, cfg config.PolicyConfig) (domain.Action, string, domain.DispatchFlags) {
				return autoReply(fmt.Sprintf("risk score %.2f below auto-reply ceiling %.2f", a.RiskScore, cfg.AutoReplyBelow()))
			},
		},
		{
			name: "default",
			matches: func(domain.RiskAssessment, Context, config.PolicyConfig) bool {
				return true
			},
			decide: func(a domain.RiskAssessment, _ config.PolicyConfig) (domain.Action, string, domain.DispatchFlags) {
				return notifyOwner("default medium-risk handling")
			},
		},
	}
}
