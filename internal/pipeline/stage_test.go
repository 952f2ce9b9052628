package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"doorman/internal/domain"
)

func TestRunStagePassesResultThrough(t *testing.T) {
	got, err := runStage(context.Background(), "echo", time.Second, 21, func(_ context.Context, in int) (int, error) {
		return in * 2, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 42 {
		t.Fatalf("got %d, want 42", got)
	}
}

func TestRunStageWrapsErrors(t *testing.T) {
	cause := errors.New("detector offline")
	_, err := runStage(context.Background(), "perception", time.Second, struct{}{}, func(context.Context, struct{}) (int, error) {
		return 0, cause
	})

	var se *domain.StageError
	if !errors.As(err, &se) {
		t.Fatalf("expected StageError, got %T", err)
	}
	if se.Stage != "perception" || se.Timeout {
		t.Errorf("unexpected stage error: %+v", se)
	}
	if !errors.Is(err, cause) {
		t.Error("cause not preserved")
	}
}

func TestRunStageTimesOutStuckCollaborator(t *testing.T) {
	start := time.Now()
	_, err := runStage(context.Background(), "intelligence", 20*time.Millisecond, struct{}{}, func(ctx context.Context, _ struct{}) (int, error) {
		// Ignores its context entirely.
		time.Sleep(5 * time.Second)
		return 0, nil
	})
	if time.Since(start) > time.Second {
		t.Fatal("runStage blocked past its budget")
	}
	if !domain.IsStageTimeout(err) {
		t.Fatalf("expected timeout stage error, got %v", err)
	}
}

func TestRunStageTimeoutCancelsOnlyItsOwnContext(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := runStage(parent, "action", 10*time.Millisecond, struct{}{}, func(ctx context.Context, _ struct{}) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	if !domain.IsStageTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if parent.Err() != nil {
		t.Error("stage timeout must not cancel the parent context")
	}
}
