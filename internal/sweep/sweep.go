package sweep

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Func removes expired entries and reports how many were removed.
type Func func() int

// Job is a cancellable periodic sweep owned by a store instance.
type Job struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Start launches a background goroutine that calls fn every interval until
// the returned Job is stopped or parent is cancelled.
// A non-positive interval returns a Job that never runs.
func Start(parent context.Context, interval time.Duration, fn Func, logger zerolog.Logger) *Job {
	ctx, cancel := context.WithCancel(parent)
	j := &Job{cancel: cancel, done: make(chan struct{})}

	if interval <= 0 {
		close(j.done)
		return j
	}

	go func() {
		defer close(j.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := fn(); removed > 0 {
					logger.Debug().Int("removed", removed).Msg("sweep removed expired entries")
				}
			}
		}
	}()

	return j
}

// Stop cancels the job and waits for the goroutine to exit. Safe to call more than once.
func (j *Job) Stop() {
	if j == nil {
		return
	}
	j.once.Do(j.cancel)
	<-j.done
}
