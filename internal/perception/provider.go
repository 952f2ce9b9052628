// Package perception produces the typed perception result for one event.
// The ML detectors are external collaborators behind narrow interfaces;
// everything else here is deterministic enrichment of their output.
package perception

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"doorman/internal/domain"
)

// VisionDetector is the object/weapon detection collaborator.
type VisionDetector interface {
	DetectObjects(ctx context.Context, imagePath string) ([]domain.Detection, error)
	DetectWeapons(ctx context.Context, imagePath string) ([]domain.Detection, error)
}

// Transcriber is the speech-to-text collaborator.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (transcript string, confidence float64, err error)
}

const (
	// weaponConfidenceFloor is the minimum weapon-detection confidence
	// treated as a positive.
	weaponConfidenceFloor = 0.5

	// faceVisibleFloor: a detected person whose best confidence falls
	// below this likely has an obscured face.
	faceVisibleFloor = 0.35
)

// Provider implements the pipeline's PerceptionProvider contract: it
// completes within the stage budget and returns a degraded-but-valid
// result on collaborator failure, never a raw detector error.
type Provider struct {
	vision      VisionDetector
	transcriber Transcriber
	logger      *slog.Logger
}

// New creates a provider. Either collaborator may be nil, in which case
// its signal is absent from the result.
func New(vision VisionDetector, transcriber Transcriber, logger *slog.Logger) *Provider {
	return &Provider{vision: vision, transcriber: transcriber, logger: logger}
}

// Analyze inspects the event's image and audio payloads and assembles
// the perception result.
func (p *Provider) Analyze(ctx context.Context, ev domain.InboundEvent) (domain.PerceptionResult, error) {
	result := domain.PerceptionResult{
		SessionID:   ev.SessionID,
		FaceVisible: true,
		Emotion:     "neutral",
		ImagePath:   ev.ImagePath,
		Timestamp:   time.Now().UTC(),
	}

	if ev.ImagePath != "" && p.vision != nil {
		p.analyzeImage(ctx, ev, &result)
	}
	if ev.AudioPath != "" && p.transcriber != nil {
		p.analyzeAudio(ctx, ev, &result)
	}

	result.Emotion = inferEmotion(result.Transcript)
	result.ContextFlags = detectContextFlags(result.Transcript, result.Detections, result.PersonDetected, result.PersonCount)
	result.AntiSpoofScore = antiSpoofScore(result)

	return result, nil
}

func (p *Provider) analyzeImage(ctx context.Context, ev domain.InboundEvent, result *domain.PerceptionResult) {
	objects, err := p.vision.DetectObjects(ctx, ev.ImagePath)
	if err != nil {
		// Degraded result: assume a person at low confidence so the rest
		// of the pipeline stays conservative.
		p.logger.Warn("object detection failed, degrading",
			slog.String("session_id", ev.SessionID),
			slog.String("error", err.Error()),
		)
		result.PersonDetected = true
		result.VisionConfidence = 0.1
		result.PersonCount = 1
	} else {
		result.Detections = objects
		result.PersonCount = countPersons(objects)
		result.PersonDetected = result.PersonCount > 0
		result.VisionConfidence = topConfidence(objects)
		result.FaceVisible = faceVisible(objects)
	}

	weapons, err := p.vision.DetectWeapons(ctx, ev.ImagePath)
	if err != nil {
		p.logger.Warn("weapon detection failed",
			slog.String("session_id", ev.SessionID),
			slog.String("error", err.Error()),
		)
		return
	}
	for _, w := range weapons {
		if w.Confidence < weaponConfidenceFloor {
			continue
		}
		result.WeaponDetected = true
		result.WeaponLabels = append(result.WeaponLabels, w.Label)
		if w.Confidence > result.WeaponConfidence {
			result.WeaponConfidence = w.Confidence
		}
	}
}

func (p *Provider) analyzeAudio(ctx context.Context, ev domain.InboundEvent, result *domain.PerceptionResult) {
	transcript, confidence, err := p.transcriber.Transcribe(ctx, ev.AudioPath)
	if err != nil {
		p.logger.Warn("transcription failed, continuing without speech",
			slog.String("session_id", ev.SessionID),
			slog.String("error", err.Error()),
		)
		return
	}
	result.Transcript = transcript
	result.STTConfidence = confidence
}

func countPersons(objects []domain.Detection) int {
	n := 0
	for _, o := range objects {
		if strings.EqualFold(o.Label, "person") {
			n++
		}
	}
	return n
}

func topConfidence(objects []domain.Detection) float64 {
	top := 0.0
	for _, o := range objects {
		if o.Confidence > top {
			top = o.Confidence
		}
	}
	return top
}

// faceVisible: if a person is detected but the best person confidence is
// very low, the face is likely obscured or the camera blocked.
func faceVisible(objects []domain.Detection) bool {
	best := -1.0
	for _, o := range objects {
		if strings.EqualFold(o.Label, "person") && o.Confidence > best {
			best = o.Confidence
		}
	}
	if best < 0 {
		return true // no person, not applicable
	}
	return best >= faceVisibleFloor
}

var emotionKeywords = map[string][]string{
	"aggressive": {"open this door", "open the door now", "right now", "break", "smash", "idiot", "shut up", "threat"},
	"distressed": {"help me", "emergency", "hurt", "bleeding", "lost", "scared"},
	"nervous":    {"um", "uh", "sorry sorry", "just quickly"},
}

func inferEmotion(transcript string) string {
	text := strings.ToLower(strings.TrimSpace(transcript))
	if text == "" {
		return "neutral"
	}
	for _, emotion := range []string{"aggressive", "distressed", "nervous"} {
		for _, kw := range emotionKeywords[emotion] {
			if strings.Contains(text, kw) {
				return emotion
			}
		}
	}
	return "neutral"
}

var (
	deliveryWords = []string{"delivery", "parcel", "package", "courier", "amazon", "dhl"}
	packageLabels = map[string]bool{"backpack": true, "suitcase": true, "handbag": true, "box": true, "package": true, "bag": true}

	otpPhrases       = []string{"otp", "one time password", "verification code", "read me the code"}
	occupancyPhrases = []string{"anyone home", "is anyone", "somebody home", "home alone", "are you alone"}
	entryPhrases     = []string{"let me in", "open the door", "come inside", "enter the house"}
	financialPhrases = []string{"bank", "account number", "payment", "transfer", "refund", "cash", "wire"}
	identityPhrases  = []string{"i know the owner", "family member", "i'm a relative", "his wife", "her husband", "old friend"}
	authorityPhrases = []string{"police", "government", "court", "legal notice", "tax", "inspection", "meter reading", "utility company"}
	staffPhrases     = []string{"maid", "cleaner", "cook", "driver", "keys", "replacement", "new staff", "gardener"}
	donationPhrases  = []string{"donation", "charity", "collection", "temple", "church", "fundraiser"}
)

func containsAny(text string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}

// detectContextFlags compares what the visitor says against what the
// camera sees and flags the known risk patterns.
func detectContextFlags(transcript string, objects []domain.Detection, personDetected bool, personCount int) []domain.ContextFlag {
	var flags []domain.ContextFlag
	text := strings.ToLower(transcript)

	// Delivery claim with no package-like object in frame.
	if containsAny(text, deliveryWords) && personDetected {
		seen := false
		for _, o := range objects {
			if packageLabels[strings.ToLower(o.Label)] {
				seen = true
				break
			}
		}
		if !seen {
			flags = append(flags, domain.FlagClaimObjectMismatch)
		}
	}

	if containsAny(text, otpPhrases) {
		flags = append(flags, domain.FlagOTPRequest)
	}
	if containsAny(text, occupancyPhrases) {
		flags = append(flags, domain.FlagOccupancyProbe)
	}
	if containsAny(text, entryPhrases) {
		flags = append(flags, domain.FlagEntryRequest)
	}
	if containsAny(text, financialPhrases) {
		flags = append(flags, domain.FlagFinancialRequest)
	}
	if containsAny(text, identityPhrases) {
		flags = append(flags, domain.FlagIdentityClaim)
	}
	if containsAny(text, authorityPhrases) {
		flags = append(flags, domain.FlagAuthorityClaim)
	}
	if containsAny(text, staffPhrases) {
		flags = append(flags, domain.FlagStaffClaim)
	}
	if containsAny(text, donationPhrases) {
		flags = append(flags, domain.FlagDonationRequest)
	}
	if personCount > 1 {
		flags = append(flags, domain.FlagMultiPerson)
	}

	return flags
}

// antiSpoofScore composes the presentation-attack heuristics into [0,1].
func antiSpoofScore(r domain.PerceptionResult) float64 {
	if !r.PersonDetected {
		return 0.9
	}

	score := 0.0
	if r.VisionConfidence < 0.4 {
		score += 0.2
	}
	if strings.TrimSpace(r.Transcript) == "" {
		score += 0.05
	}
	if !r.FaceVisible {
		score += 0.25
	}
	if domain.HasFlag(r.ContextFlags, domain.FlagClaimObjectMismatch) {
		score += 0.20
	}
	if domain.HasFlag(r.ContextFlags, domain.FlagOTPRequest) {
		score += 0.15
	}
	if domain.HasFlag(r.ContextFlags, domain.FlagOccupancyProbe) {
		score += 0.15
	}

	if score > 1.0 {
		score = 1.0
	}
	return score
}
