package mediascribe

import (
	"maps"
	"sync"
	"time"
)

// ProgressState maps item paths to their status and keeps aggregate
// counters. It is safe for concurrent use.
type ProgressState struct {
	mu sync.Mutex

	runID       string
	items       map[string]Status
	errors      map[string]string
	counts      map[Status]int
	lastUpdated time.Time

	now func() time.Time
}

// ProgressSnapshot is a point-in-time copy of a ProgressState.
type ProgressSnapshot struct {
	RunID          string
	Items          map[string]Status
	Errors         map[string]string
	TotalItems     int
	CompletedItems int // described
	FailedItems    int
	SkippedItems   int
	LastUpdated    time.Time
}

// Done returns the number of items in a terminal state.
func (s ProgressSnapshot) Done() int {
	return s.CompletedItems + s.FailedItems + s.SkippedItems
}

// Percent returns the share of terminal items, 100 for an empty run.
func (s ProgressSnapshot) Percent() float64 {
	if s.TotalItems == 0 {
		return 100
	}
	return 100 * float64(s.Done()) / float64(s.TotalItems)
}

func NewProgressState(runID string) *ProgressState {
	return &ProgressState{
		runID:  runID,
		items:  make(map[string]Status),
		errors: make(map[string]string),
		counts: make(map[Status]int),
		now:    time.Now,
	}
}

func (p *ProgressState) RunID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runID
}

// Set records status for path and returns the previous status.
func (p *ProgressState) Set(path string, status Status, reason string) Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev, ok := p.items[path]
	if ok {
		p.counts[prev]--
	}
	p.items[path] = status
	p.counts[status]++
	if reason != "" {
		p.errors[path] = reason
	} else {
		delete(p.errors, path)
	}
	p.touch()
	return prev
}

// Status returns the recorded status of path.
func (p *ProgressState) Status(path string) (Status, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.items[path]
	return s, ok
}

// PrepareResume rewrites a prior run's state for a restart: described items
// become skipped, items caught in flight go back to pending.
func (p *ProgressState) PrepareResume(runID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.runID = runID
	for path, s := range p.items {
		switch s {
		case StatusDescribed:
			p.items[path] = StatusSkipped
		case StatusInProgress:
			p.items[path] = StatusPending
		default:
			continue
		}
		p.counts[s]--
		p.counts[p.items[path]]++
	}
	p.touch()
}

// Retain drops every path not in keep.
func (p *ProgressState) Retain(keep map[string]bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for path, s := range p.items {
		if !keep[path] {
			delete(p.items, path)
			delete(p.errors, path)
			p.counts[s]--
		}
	}
}

func (p *ProgressState) Snapshot() ProgressSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	return ProgressSnapshot{
		RunID:          p.runID,
		Items:          maps.Clone(p.items),
		Errors:         maps.Clone(p.errors),
		TotalItems:     len(p.items),
		CompletedItems: p.counts[StatusDescribed],
		FailedItems:    p.counts[StatusFailed],
		SkippedItems:   p.counts[StatusSkipped],
		LastUpdated:    p.lastUpdated,
	}
}

// touch advances lastUpdated, never backwards and never to the same
// instant twice. Callers hold p.mu.
func (p *ProgressState) touch() {
	now := p.now()
	if !now.After(p.lastUpdated) {
		now = p.lastUpdated.Add(time.Nanosecond)
	}
	p.lastUpdated = now
}

// progressFromSnapshot rebuilds a ProgressState, used when loading.
func progressFromSnapshot(s ProgressSnapshot) *ProgressState {
	p := NewProgressState(s.RunID)
	for path, st := range s.Items {
		p.items[path] = st
		p.counts[st]++
	}
	maps.Copy(p.errors, s.Errors)
	p.lastUpdated = s.LastUpdated
	return p
}
