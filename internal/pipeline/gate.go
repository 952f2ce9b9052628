package pipeline

import (
	"context"
	"sync"

	"doorman/internal/domain"
)

// Gate bounds how many pipelines run simultaneously. Each session owns a
// small bounded FIFO queue that absorbs bursts; two events for the same
// session are serialized, and a slot is held for the full pipeline
// duration and released unconditionally.
type Gate struct {
	slots chan struct{}

	mu       sync.Mutex
	queues   map[string]*sessionQueue
	capacity int
}

type sessionQueue struct {
	// run serializes pipeline executions for one session: at most one
	// pipeline instance consumes this queue at a time.
	run    sync.Mutex
	events chan domain.InboundEvent
}

// NewGate creates a gate admitting at most limit concurrent pipelines,
// with per-session queues of the given capacity.
func NewGate(limit, queueCapacity int) *Gate {
	if limit < 1 {
		limit = 1
	}
	if queueCapacity < 1 {
		queueCapacity = 1
	}
	return &Gate{
		slots:    make(chan struct{}, limit),
		queues:   make(map[string]*sessionQueue),
		capacity: queueCapacity,
	}
}

func (g *Gate) queue(sessionID string) *sessionQueue {
	g.mu.Lock()
	defer g.mu.Unlock()

	q, ok := g.queues[sessionID]
	if !ok {
		q = &sessionQueue{events: make(chan domain.InboundEvent, g.capacity)}
		g.queues[sessionID] = q
	}
	return q
}

// Enqueue adds an event to the session's queue. Returns
// domain.ErrQueueFull when the queue cannot absorb another event.
func (g *Gate) Enqueue(sessionID string, ev domain.InboundEvent) error {
	q := g.queue(sessionID)
	select {
	case q.events <- ev:
		return nil
	default:
		return domain.ErrQueueFull
	}
}

// Run dequeues the session's next event and executes fn under a gate
// slot. It blocks until a slot is free or ctx is done. Acquiring the gate
// is the only blocking point before stage execution begins.
func (g *Gate) Run(ctx context.Context, sessionID string, fn func(context.Context, domain.InboundEvent) error) error {
	q := g.queue(sessionID)
	q.run.Lock()
	defer q.run.Unlock()

	select {
	case g.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-g.slots }()

	select {
	case ev := <-q.events:
		return fn(ctx, ev)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Forget discards the session's queue once its interaction has ended.
func (g *Gate) Forget(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.queues, sessionID)
}
