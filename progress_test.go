package mediascribe

import (
	"testing"
	"time"
)

func TestProgressCounts(t *testing.T) {
	p := NewProgressState("run")
	p.Set("/a.jpg", StatusPending, "")
	p.Set("/b.jpg", StatusPending, "")
	p.Set("/c.jpg", StatusPending, "")
	p.Set("/d.jpg", StatusSkipped, "")

	p.Set("/a.jpg", StatusInProgress, "")
	if prev := p.Set("/a.jpg", StatusDescribed, ""); prev != StatusInProgress {
		t.Errorf("Expected previous status in_progress, got %q", prev)
	}
	p.Set("/b.jpg", StatusFailed, "timeout")

	s := p.Snapshot()
	if s.TotalItems != 4 || s.CompletedItems != 1 || s.FailedItems != 1 || s.SkippedItems != 1 {
		t.Fatalf("Unexpected counts %+v", s)
	}
	if s.Done() != 3 {
		t.Errorf("Expected 3 done, got %d", s.Done())
	}
	if s.Percent() != 75 {
		t.Errorf("Expected 75%%, got %v", s.Percent())
	}
	if s.Errors["/b.jpg"] != "timeout" {
		t.Errorf("Expected error for /b.jpg, got %q", s.Errors["/b.jpg"])
	}

	// Retrying clears the recorded error
	p.Set("/b.jpg", StatusPending, "")
	if _, ok := p.Snapshot().Errors["/b.jpg"]; ok {
		t.Error("Expected error to be cleared")
	}
}

func TestProgressEmptyIsComplete(t *testing.T) {
	if pct := NewProgressState("run").Snapshot().Percent(); pct != 100 {
		t.Errorf("Expected 100%%, got %v", pct)
	}
}

func TestProgressPrepareResume(t *testing.T) {
	p := NewProgressState("old")
	p.Set("/a.jpg", StatusDescribed, "")
	p.Set("/b.jpg", StatusInProgress, "")
	p.Set("/c.jpg", StatusFailed, "boom")
	p.Set("/d.jpg", StatusPending, "")

	p.PrepareResume("new")

	want := map[string]Status{
		"/a.jpg": StatusSkipped,
		"/b.jpg": StatusPending,
		"/c.jpg": StatusFailed,
		"/d.jpg": StatusPending,
	}
	s := p.Snapshot()
	if s.RunID != "new" {
		t.Errorf("Expected run id new, got %q", s.RunID)
	}
	for path, st := range want {
		if s.Items[path] != st {
			t.Errorf("%s: expected %q, got %q", path, st, s.Items[path])
		}
	}
	if s.CompletedItems != 0 || s.SkippedItems != 1 || s.FailedItems != 1 {
		t.Errorf("Unexpected counts after resume %+v", s)
	}
}

func TestProgressRetain(t *testing.T) {
	p := NewProgressState("run")
	p.Set("/a.jpg", StatusDescribed, "")
	p.Set("/gone.jpg", StatusFailed, "boom")

	p.Retain(map[string]bool{"/a.jpg": true})

	s := p.Snapshot()
	if s.TotalItems != 1 || s.FailedItems != 0 || s.CompletedItems != 1 {
		t.Errorf("Unexpected counts after retain %+v", s)
	}
	if len(s.Errors) != 0 {
		t.Errorf("Expected errors to be dropped, got %v", s.Errors)
	}
}

func TestProgressLastUpdatedMonotonic(t *testing.T) {
	fixed := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	p := NewProgressState("run")
	p.now = func() time.Time { return fixed }

	p.Set("/a.jpg", StatusPending, "")
	first := p.Snapshot().LastUpdated
	p.Set("/a.jpg", StatusInProgress, "")
	second := p.Snapshot().LastUpdated

	if !second.After(first) {
		t.Errorf("Expected %v after %v", second, first)
	}
}

func TestProgressSnapshotIsCopy(t *testing.T) {
	p := NewProgressState("run")
	p.Set("/a.jpg", StatusPending, "")
	s := p.Snapshot()
	s.Items["/a.jpg"] = StatusDescribed

	if st, _ := p.Status("/a.jpg"); st != StatusPending {
		t.Errorf("Snapshot mutation leaked into state, got %q", st)
	}
}
