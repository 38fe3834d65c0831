package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chriskillpack/mediascribe"
	"github.com/chriskillpack/mediascribe/internal/desclog"
	"github.com/chriskillpack/mediascribe/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequencerReleasesInOrder(t *testing.T) {
	var written []string
	s := newSequencer(func(r desclog.Record) error {
		written = append(written, r.File)
		return nil
	}, logging.Discard())
	rec := func(name string) *desclog.Record { return &desclog.Record{File: name} }

	s.done(2, rec("c"))
	s.done(1, nil) // failed item
	assert.Empty(t, written)
	s.done(0, rec("a"))
	assert.Equal(t, []string{"a", "c"}, written)

	// Position 4 never completes, 5 and 6 are held until drained.
	s.done(3, rec("d"))
	s.done(6, rec("g"))
	s.done(5, rec("f"))
	assert.Equal(t, []string{"a", "c", "d"}, written)
	s.drain()
	assert.Equal(t, []string{"a", "c", "d", "f", "g"}, written)
}

type countingStore struct {
	Store
	saves atomic.Int32
}

func (c *countingStore) SaveProgress(context.Context, mediascribe.ProgressSnapshot, map[string]int) error {
	c.saves.Add(1)
	return nil
}

func TestTrackerFlushCadence(t *testing.T) {
	store := &countingStore{}
	state := mediascribe.NewProgressState("run")
	tr := newTracker(store, state, 3, time.Hour, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		tr.run(ctx)
	}()

	tr.completed("/a", 1)
	tr.completed("/b", 1)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, store.saves.Load(), "below the count threshold")

	tr.completed("/c", 2)
	assert.Eventually(t, func() bool { return store.saves.Load() == 1 }, time.Second, time.Millisecond)

	cancel()
	wg.Wait()
}

func TestTrackerFlushInterval(t *testing.T) {
	store := &countingStore{}
	tr := newTracker(store, mediascribe.NewProgressState("run"), 100, 5*time.Millisecond, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		tr.run(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	require.Zero(t, store.saves.Load(), "nothing to flush")

	tr.completed("/a", 1)
	assert.Eventually(t, func() bool { return store.saves.Load() >= 1 }, time.Second, time.Millisecond)

	cancel()
	wg.Wait()
}
