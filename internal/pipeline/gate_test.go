package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"doorman/internal/domain"
)

func TestGateBoundsConcurrency(t *testing.T) {
	const (
		limit    = 2
		sessions = 7
	)
	g := NewGate(limit, 4)

	var (
		current int64
		peak    int64
		mu      sync.Mutex
	)

	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		id := fmt.Sprintf("s%d", i)
		if err := g.Enqueue(id, domain.InboundEvent{SessionID: id}); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}

		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			err := g.Run(context.Background(), id, func(context.Context, domain.InboundEvent) error {
				depth := atomic.AddInt64(&current, 1)
				mu.Lock()
				if depth > peak {
					peak = depth
				}
				mu.Unlock()
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt64(&current, -1)
				return nil
			})
			if err != nil {
				t.Errorf("run %s: %v", id, err)
			}
		}(id)
	}
	wg.Wait()

	if peak > limit {
		t.Fatalf("observed %d concurrent pipelines, gate size is %d", peak, limit)
	}
}

func TestGateQueueFull(t *testing.T) {
	g := NewGate(1, 2)

	for i := 0; i < 2; i++ {
		if err := g.Enqueue("s1", domain.InboundEvent{SessionID: "s1"}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if err := g.Enqueue("s1", domain.InboundEvent{SessionID: "s1"}); !errors.Is(err, domain.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestGateSerializesOneSession(t *testing.T) {
	// Two events for the same session must run one pipeline at a time,
	// in FIFO order.
	g := NewGate(4, 4)

	for i := 0; i < 2; i++ {
		ev := domain.InboundEvent{SessionID: "s1", Metadata: map[string]string{"seq": fmt.Sprint(i)}}
		if err := g.Enqueue("s1", ev); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	var (
		mu    sync.Mutex
		seen  []string
		depth int64
	)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = g.Run(context.Background(), "s1", func(_ context.Context, ev domain.InboundEvent) error {
				if atomic.AddInt64(&depth, 1) > 1 {
					t.Error("two pipelines for one session overlapped")
				}
				time.Sleep(5 * time.Millisecond)
				mu.Lock()
				seen = append(seen, ev.Metadata["seq"])
				mu.Unlock()
				atomic.AddInt64(&depth, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	if len(seen) != 2 || seen[0] != "0" || seen[1] != "1" {
		t.Fatalf("expected FIFO order [0 1], got %v", seen)
	}
}

func TestGateReleasesSlotOnError(t *testing.T) {
	g := NewGate(1, 4)

	if err := g.Enqueue("s1", domain.InboundEvent{SessionID: "s1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	boom := errors.New("stage failed")
	if err := g.Run(context.Background(), "s1", func(context.Context, domain.InboundEvent) error {
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected pipeline error, got %v", err)
	}

	// The slot must be free for the next session.
	if err := g.Enqueue("s2", domain.InboundEvent{SessionID: "s2"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := g.Run(ctx, "s2", func(context.Context, domain.InboundEvent) error {
		return nil
	}); err != nil {
		t.Fatalf("slot was not released: %v", err)
	}
}

func TestGateRespectsContextWhileWaiting(t *testing.T) {
	g := NewGate(1, 4)

	if err := g.Enqueue("s1", domain.InboundEvent{SessionID: "s1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	release := make(chan struct{})
	go func() {
		_ = g.Run(context.Background(), "s1", func(context.Context, domain.InboundEvent) error {
			<-release
			return nil
		})
	}()
	defer close(release)

	// Give the first session time to take the only slot.
	time.Sleep(10 * time.Millisecond)

	if err := g.Enqueue("s2", domain.InboundEvent{SessionID: "s2"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := g.Run(ctx, "s2", func(context.Context, domain.InboundEvent) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error while gated, got %v", err)
	}
}
