// Package domain provides the canonical types shared by the intake pipeline.
package domain

// Status is the lifecycle state of a session. It only moves forward
// through the stage order; Error is terminal and reachable from any
// non-terminal state.
type Status string

const (
	StatusQueued           Status = "queued"
	StatusProcessing       Status = "processing"
	StatusPerceptionDone   Status = "perception_done"
	StatusIntelligenceDone Status = "intelligence_done"
	StatusDecisionDone     Status = "decision_done"
	StatusCompleted        Status = "completed"
	StatusError            Status = "error"
)

// statusOrder maps each forward status to its position in the
// progression. Error is not in the order; it is reachable from anywhere.
var statusOrder = map[Status]int{
	StatusQueued:           0,
	StatusProcessing:       1,
	StatusPerceptionDone:   2,
	StatusIntelligenceDone: 3,
	StatusDecisionDone:     4,
	StatusCompleted:        5,
}

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// CanTransition reports whether moving from s to next respects the
// forward-only stage order. Error is always reachable from a
// non-terminal state.
func (s Status) CanTransition(next Status) bool {
	if s.Terminal() {
		return false
	}
	if next == StatusError {
		return true
	}
	from, okFrom := statusOrder[s]
	to, okTo := statusOrder[next]
	return okFrom && okTo && to > from
}

// Action is the final action chosen by the policy engine.
type Action string

const (
	ActionAutoReply   Action = "auto_reply"
	ActionNotifyOwner Action = "notify_owner"
	ActionEscalate    Action = "escalate"
	ActionIgnore      Action = "ignore"
)

// Intent is the classified purpose of a visitor interaction.
type Intent string

const (
	IntentDelivery       Intent = "delivery"
	IntentScam           Intent = "scam"
	IntentAggression     Intent = "aggression"
	IntentOccupancyProbe Intent = "occupancy_probe"
	IntentIdentityClaim  Intent = "identity_claim"
	IntentAuthorityClaim Intent = "authority_claim"
	IntentStaffClaim     Intent = "staff_claim"
	IntentVulnerable     Intent = "vulnerable"
	IntentHelp           Intent = "help"
	IntentVisitor        Intent = "visitor"
	IntentUnknown        Intent = "unknown"
)

// ContextFlag is a categorical perception signal consumed by the policy
// engine alongside numeric risk.
type ContextFlag string

const (
	FlagClaimObjectMismatch ContextFlag = "claim_object_mismatch"
	FlagOTPRequest          ContextFlag = "otp_request"
	FlagOccupancyProbe      ContextFlag = "occupancy_probe"
	FlagEntryRequest        ContextFlag = "entry_request"
	FlagFinancialRequest    ContextFlag = "financial_request"
	FlagIdentityClaim       ContextFlag = "identity_claim"
	FlagAuthorityClaim      ContextFlag = "authority_claim"
	FlagStaffClaim          ContextFlag = "staff_claim"
	FlagDonationRequest     ContextFlag = "donation_request"
	FlagMultiPerson         ContextFlag = "multi_person"
)

// HasFlag reports whether flag is present in flags.
func HasFlag(flags []ContextFlag, flag ContextFlag) bool {
	for _, f := range flags {
		if f == flag {
			return true
		}
	}
	return false
}
