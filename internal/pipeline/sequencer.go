package pipeline

import (
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/chriskillpack/mediascribe/internal/desclog"
)

// sequencer releases log records in queue order although workers finish
// out of order. Positions that produced no record still advance the
// sequence.
type sequencer struct {
	mu      sync.Mutex
	next    int
	pending map[int]*desclog.Record
	write   func(desclog.Record) error
	logger  *slog.Logger
}

func newSequencer(write func(desclog.Record) error, logger *slog.Logger) *sequencer {
	return &sequencer{
		pending: make(map[int]*desclog.Record),
		write:   write,
		logger:  logger,
	}
}

func (s *sequencer) done(pos int, rec *desclog.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending[pos] = rec
	for {
		r, ok := s.pending[s.next]
		if !ok {
			return
		}
		delete(s.pending, s.next)
		s.next++
		s.emit(r)
	}
}

// drain writes records still held behind positions that never completed,
// as happens when a run is stopped.
func (s *sequencer) drain() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, pos := range slices.Sorted(maps.Keys(s.pending)) {
		s.emit(s.pending[pos])
		delete(s.pending, pos)
	}
}

func (s *sequencer) emit(r *desclog.Record) {
	if r == nil {
		return
	}
	if err := s.write(*r); err != nil {
		s.logger.Error("writing description log", "path", r.File, "error", err)
	}
}
