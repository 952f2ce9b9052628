package pipeline

import (
	"context"
	"errors"
	"time"

	"doorman/internal/domain"
)

// stageResult carries a stage's output across the goroutine boundary.
type stageResult[O any] struct {
	out O
	err error
}

// runStage executes one stage function under its budget and translates
// every failure into a *domain.StageError. The stage runs on its own
// goroutine so a stuck collaborator cannot hold the pipeline past the
// budget; the abandoned call keeps its cancelled context and is expected
// to unwind on its own.
func runStage[I, O any](ctx context.Context, name string, timeout time.Duration, in I, fn func(context.Context, I) (O, error)) (O, error) {
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan stageResult[O], 1)
	go func() {
		out, err := fn(stageCtx, in)
		ch <- stageResult[O]{out: out, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			var zero O
			return zero, &domain.StageError{
				Stage:   name,
				Timeout: errors.Is(res.err, context.DeadlineExceeded),
				Err:     res.err,
			}
		}
		return res.out, nil
	case <-stageCtx.Done():
		var zero O
		return zero, &domain.StageError{
			Stage:   name,
			Timeout: errors.Is(stageCtx.Err(), context.DeadlineExceeded),
			Err:     stageCtx.Err(),
		}
	}
}
