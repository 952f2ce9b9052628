package domain

import "time"

// InboundEvent is one raw sensor event as admitted by the orchestrator.
// Immutable once admitted.
type InboundEvent struct {
	SessionID string            `json:"session_id"`
	DeviceID  string            `json:"device_id"`
	Timestamp time.Time         `json:"timestamp"`
	ImagePath string            `json:"image_path,omitempty"`
	AudioPath string            `json:"audio_path,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Session is the durable record of one visitor interaction.
type Session struct {
	ID          string    `json:"id"`
	DeviceID    string    `json:"device_id"`
	Status      Status    `json:"status"`
	RiskScore   *float64  `json:"risk_score,omitempty"` // nil until computed
	CreatedAt   time.Time `json:"created_at"`
	LastUpdated time.Time `json:"last_updated"`
}

// Detection is one labeled object detection with its confidence.
type Detection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// PerceptionResult is the typed output of the perception stage, produced
// once per session and immutable thereafter.
type PerceptionResult struct {
	SessionID        string        `json:"session_id"`
	PersonDetected   bool          `json:"person_detected"`
	Detections       []Detection   `json:"detections,omitempty"`
	VisionConfidence float64       `json:"vision_confidence"`
	Transcript       string        `json:"transcript"`
	STTConfidence    float64       `json:"stt_confidence"`
	Emotion          string        `json:"emotion"`
	AntiSpoofScore   float64       `json:"anti_spoof_score"`
	WeaponDetected   bool          `json:"weapon_detected"`
	WeaponConfidence float64       `json:"weapon_confidence"`
	WeaponLabels     []string      `json:"weapon_labels,omitempty"`
	PersonCount      int           `json:"person_count"`
	FaceVisible      bool          `json:"face_visible"`
	ContextFlags     []ContextFlag `json:"context_flags,omitempty"`
	ImagePath        string        `json:"image_path,omitempty"`
	Timestamp        time.Time     `json:"timestamp"`
}

// RiskAssessment is the typed output of the intelligence stage.
// RiskScore is always clamped to [0,1].
type RiskAssessment struct {
	SessionID          string    `json:"session_id"`
	Intent             Intent    `json:"intent"`
	ReplyText          string    `json:"reply_text"`
	RiskScore          float64   `json:"risk_score"`
	EscalationRequired bool      `json:"escalation_required"`
	Tags               []string  `json:"tags,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
}

// DispatchFlags tell the action dispatcher what to do with a decision.
type DispatchFlags struct {
	Speak              bool `json:"speak"`
	NotifyOwner        bool `json:"notify_owner"`
	SecondaryResponder bool `json:"secondary_responder"`
}

// Decision is the policy engine's verdict. Reason is mandatory: operators
// must be able to explain every escalation from the audit trail.
type Decision struct {
	SessionID   string        `json:"session_id"`
	FinalAction Action        `json:"final_action"`
	Reason      string        `json:"reason"`
	Dispatch    DispatchFlags `json:"dispatch"`
	Timestamp   time.Time     `json:"timestamp"`
}

// OutcomeStatus is the terminal state of a dispatched action.
type OutcomeStatus string

const (
	OutcomePlayed    OutcomeStatus = "played"
	OutcomeQueued    OutcomeStatus = "queued"
	OutcomeEscalated OutcomeStatus = "escalated"
	OutcomeIgnored   OutcomeStatus = "ignored"
)

// ActionOutcome records what the action stage actually did.
type ActionOutcome struct {
	SessionID  string            `json:"session_id"`
	Status     OutcomeStatus     `json:"status"`
	ActionType Action            `json:"action_type"`
	Payload    map[string]string `json:"payload,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Frame is one raw image frame from the live stream.
type Frame struct {
	SessionID string
	Data      []byte
	Received  time.Time
}

// Alert is a confirmed live-stream detection.
type Alert struct {
	SessionID  string    `json:"session_id"`
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	Streak     int       `json:"streak"`
	Timestamp  time.Time `json:"timestamp"`
}
