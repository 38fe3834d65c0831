package pipeline

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/chriskillpack/mediascribe"
)

// tracker flushes the ProgressState to the store after every n
// completions or every interval, whichever comes first.
type tracker struct {
	store    Store
	state    *mediascribe.ProgressState
	every    int
	interval time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	attempts map[string]int
	dirty    int

	kick chan struct{}
}

func newTracker(store Store, state *mediascribe.ProgressState, every int, interval time.Duration, logger *slog.Logger) *tracker {
	return &tracker{
		store:    store,
		state:    state,
		every:    max(every, 1),
		interval: interval,
		logger:   logger,
		attempts: make(map[string]int),
		kick:     make(chan struct{}, 1),
	}
}

// completed records that path reached a terminal state.
func (t *tracker) completed(path string, attempts int) {
	t.mu.Lock()
	t.attempts[path] = attempts
	t.dirty++
	full := t.dirty >= t.every
	t.mu.Unlock()

	if full {
		select {
		case t.kick <- struct{}{}:
		default:
		}
	}
}

func (t *tracker) run(ctx context.Context) {
	var tick <-chan time.Time
	if t.interval > 0 {
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.kick:
		case <-tick:
			t.mu.Lock()
			idle := t.dirty == 0
			t.mu.Unlock()
			if idle {
				continue
			}
		}
		if err := t.flush(ctx); err != nil {
			t.logger.Warn("saving progress failed", "error", err)
		}
	}
}

func (t *tracker) flush(ctx context.Context) error {
	t.mu.Lock()
	attempts := maps.Clone(t.attempts)
	t.dirty = 0
	t.mu.Unlock()

	return t.store.SaveProgress(ctx, t.state.Snapshot(), attempts)
}
