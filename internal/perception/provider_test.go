package perception

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"doorman/internal/domain"
)

type stubVision struct {
	objects    []domain.Detection
	objectsErr error
	weapons    []domain.Detection
	weaponsErr error
}

func (s *stubVision) DetectObjects(ctx context.Context, path string) ([]domain.Detection, error) {
	return s.objects, s.objectsErr
}

func (s *stubVision) DetectWeapons(ctx context.Context, path string) ([]domain.Detection, error) {
	return s.weapons, s.weaponsErr
}

type stubTranscriber struct {
	text string
	conf float64
	err  error
}

func (s *stubTranscriber) Transcribe(ctx context.Context, path string) (string, float64, error) {
	return s.text, s.conf, s.err
}

func newProvider(v VisionDetector, t Transcriber) *Provider {
	return New(v, t, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func event() domain.InboundEvent {
	return domain.InboundEvent{
		SessionID: "sess-1",
		DeviceID:  "door-1",
		ImagePath: "/tmp/frame.jpg",
		AudioPath: "/tmp/clip.wav",
	}
}

func TestCleanDeliveryVisit(t *testing.T) {
	vision := &stubVision{objects: []domain.Detection{
		{Label: "person", Confidence: 0.92},
		{Label: "box", Confidence: 0.81},
	}}
	stt := &stubTranscriber{text: "Hi, delivery for you, please collect your parcel.", conf: 0.95}

	result, err := newProvider(vision, stt).Analyze(context.Background(), event())
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !result.PersonDetected || result.PersonCount != 1 {
		t.Fatalf("expected one person, got count=%d detected=%v", result.PersonCount, result.PersonDetected)
	}
	if result.WeaponDetected {
		t.Fatal("no weapon expected")
	}
	if !result.FaceVisible {
		t.Fatal("high-confidence person should have a visible face")
	}
	if domain.HasFlag(result.ContextFlags, domain.FlagClaimObjectMismatch) {
		t.Fatal("delivery claim with a box in frame must not be flagged")
	}
	if result.AntiSpoofScore > 0.2 {
		t.Fatalf("clean visit got anti-spoof %.2f", result.AntiSpoofScore)
	}
}

func TestDeliveryClaimWithoutPackage(t *testing.T) {
	vision := &stubVision{objects: []domain.Detection{{Label: "person", Confidence: 0.9}}}
	stt := &stubTranscriber{text: "courier here, package for the owner", conf: 0.9}

	result, _ := newProvider(vision, stt).Analyze(context.Background(), event())
	if !domain.HasFlag(result.ContextFlags, domain.FlagClaimObjectMismatch) {
		t.Fatal("expected claim_object_mismatch when nothing package-like is in frame")
	}
}

func TestWeaponDetectionAboveFloor(t *testing.T) {
	vision := &stubVision{
		objects: []domain.Detection{{Label: "person", Confidence: 0.9}},
		weapons: []domain.Detection{
			{Label: "knife", Confidence: 0.3},
			{Label: "gun", Confidence: 0.7},
		},
	}
	result, _ := newProvider(vision, &stubTranscriber{}).Analyze(context.Background(), event())
	if !result.WeaponDetected {
		t.Fatal("gun at 0.7 must be reported")
	}
	if len(result.WeaponLabels) != 1 || result.WeaponLabels[0] != "gun" {
		t.Fatalf("only detections above the floor count, got %v", result.WeaponLabels)
	}
	if result.WeaponConfidence != 0.7 {
		t.Fatalf("weapon confidence = %v", result.WeaponConfidence)
	}
}

func TestScamPhrasesRaiseFlagsAndAntiSpoof(t *testing.T) {
	vision := &stubVision{objects: []domain.Detection{{Label: "person", Confidence: 0.8}}}
	stt := &stubTranscriber{text: "is anyone home? I need the verification code from your phone", conf: 0.9}

	result, _ := newProvider(vision, stt).Analyze(context.Background(), event())
	if !domain.HasFlag(result.ContextFlags, domain.FlagOTPRequest) {
		t.Fatal("expected otp_request flag")
	}
	if !domain.HasFlag(result.ContextFlags, domain.FlagOccupancyProbe) {
		t.Fatal("expected occupancy_probe flag")
	}
	// 0.15 (otp) + 0.15 (occupancy probe)
	if result.AntiSpoofScore < 0.3 {
		t.Fatalf("anti-spoof should reflect both flags, got %.2f", result.AntiSpoofScore)
	}
}

func TestNoPersonScoresHighAntiSpoof(t *testing.T) {
	vision := &stubVision{objects: []domain.Detection{{Label: "cat", Confidence: 0.88}}}
	result, _ := newProvider(vision, &stubTranscriber{}).Analyze(context.Background(), event())
	if result.PersonDetected {
		t.Fatal("cat is not a person")
	}
	if result.AntiSpoofScore != 0.9 {
		t.Fatalf("no person must score 0.9, got %v", result.AntiSpoofScore)
	}
}

func TestObscuredFace(t *testing.T) {
	vision := &stubVision{objects: []domain.Detection{{Label: "person", Confidence: 0.2}}}
	stt := &stubTranscriber{text: "hello", conf: 0.8}
	result, _ := newProvider(vision, stt).Analyze(context.Background(), event())
	if result.FaceVisible {
		t.Fatal("person at 0.2 confidence should read as face hidden")
	}
	// 0.2 (low vision confidence) + 0.25 (face hidden)
	if result.AntiSpoofScore < 0.45 {
		t.Fatalf("anti-spoof = %.2f", result.AntiSpoofScore)
	}
}

func TestVisionFailureDegradesConservatively(t *testing.T) {
	vision := &stubVision{objectsErr: errors.New("model unavailable")}
	stt := &stubTranscriber{text: "hello there", conf: 0.9}

	result, err := newProvider(vision, stt).Analyze(context.Background(), event())
	if err != nil {
		t.Fatalf("detector failure must degrade, not error: %v", err)
	}
	if !result.PersonDetected || result.VisionConfidence != 0.1 {
		t.Fatalf("degraded result should assume a low-confidence person, got %+v", result)
	}
	if result.Transcript != "hello there" {
		t.Fatal("audio path should still be processed")
	}
}

func TestTranscriptionFailureLeavesSpeechEmpty(t *testing.T) {
	vision := &stubVision{objects: []domain.Detection{{Label: "person", Confidence: 0.9}}}
	stt := &stubTranscriber{err: errors.New("whisper down")}

	result, err := newProvider(vision, stt).Analyze(context.Background(), event())
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if result.Transcript != "" {
		t.Fatal("transcript must stay empty on transcriber failure")
	}
	// empty transcript adds 0.05
	if result.AntiSpoofScore != 0.05 {
		t.Fatalf("anti-spoof = %v", result.AntiSpoofScore)
	}
}

func TestAggressiveEmotionAndCrowd(t *testing.T) {
	vision := &stubVision{objects: []domain.Detection{
		{Label: "person", Confidence: 0.9},
		{Label: "person", Confidence: 0.85},
		{Label: "person", Confidence: 0.8},
	}}
	stt := &stubTranscriber{text: "open the door now or I will break it", conf: 0.95}

	result, _ := newProvider(vision, stt).Analyze(context.Background(), event())
	if result.Emotion != "aggressive" {
		t.Fatalf("emotion = %q", result.Emotion)
	}
	if result.PersonCount != 3 {
		t.Fatalf("person count = %d", result.PersonCount)
	}
	if !domain.HasFlag(result.ContextFlags, domain.FlagMultiPerson) {
		t.Fatal("expected multi_person flag for a crowd")
	}
}

func TestNoMediaNoCollaboratorCalls(t *testing.T) {
	result, err := newProvider(nil, nil).Analyze(context.Background(), domain.InboundEvent{SessionID: "sess-2"})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if result.PersonDetected {
		t.Fatal("nothing to perceive")
	}
	if result.Emotion != "neutral" {
		t.Fatalf("emotion = %q", result.Emotion)
	}
}
