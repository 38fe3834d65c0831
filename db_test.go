package mediascribe

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRegisterItems(t *testing.T) {
	db, err := NewDB(t.Context(), ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	t.Run("empty slice", func(t *testing.T) {
		affected, err := db.RegisterItems(t.Context(), []*WorkItem{}, 100)
		if err != nil {
			t.Errorf("Unexpected error %s", err)
		}
		if expected, actual := 0, affected; expected != actual {
			t.Errorf("Expected %d rows affected, got %d", expected, actual)
		}
	})

	t.Run("single batch", func(t *testing.T) {
		items := []*WorkItem{
			{Path: "/path/to/1.jpg", Kind: KindImage, CaptureTimestamp: time.Now(), Status: StatusPending},
			{Path: "/path/to/2.jpg", Kind: KindImage, CaptureTimestamp: time.Now(), Status: StatusPending},
			{Path: "/path/to/3.mp4", Kind: KindVideo, CaptureTimestamp: time.Now(), Status: StatusPending},
		}
		affected, err := db.RegisterItems(t.Context(), items, 100)
		if err != nil {
			t.Errorf("Unexpected error %s", err)
		}
		if expected, actual := 3, affected; expected != actual {
			t.Errorf("Expected %d rows affected, got %d", expected, actual)
		}
	})

	t.Run("multiple batches", func(t *testing.T) {
		_, err := db.db.ExecContext(t.Context(), "DELETE FROM items")
		if err != nil {
			t.Errorf("Unexpected error %s", err)
		}

		items := make([]*WorkItem, 25)
		for i := range items {
			items[i] = &WorkItem{
				Path:             fmt.Sprintf("/path/to/%d.jpg", i+1),
				Kind:             KindImage,
				CaptureTimestamp: time.Now(),
				Status:           StatusPending,
			}
		}

		affected, err := db.RegisterItems(t.Context(), items, 10)
		if err != nil {
			t.Errorf("Unexpected error %s", err)
		}
		if expected, actual := 25, affected; expected != actual {
			t.Errorf("Expected %d modified rows, got %d", expected, actual)
		}
	})
}

func TestProgressRoundTrip(t *testing.T) {
	db, err := NewDB(t.Context(), ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if _, err := db.LoadProgress(t.Context()); !errors.Is(err, ErrNoProgress) {
		t.Fatalf("Expected ErrNoProgress, got %v", err)
	}

	ps := NewProgressState("run-1")
	ps.Set("/a.jpg", StatusDescribed, "")
	ps.Set("/b.jpg", StatusFailed, "timeout")
	ps.Set("/c.jpg", StatusInProgress, "")
	ps.Set("/d.jpg", StatusPending, "")

	if err := db.SaveProgress(t.Context(), ps.Snapshot(), map[string]int{"/b.jpg": 3}); err != nil {
		t.Fatal(err)
	}

	loaded, err := db.LoadProgress(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	snap := loaded.Snapshot()
	if snap.RunID != "run-1" {
		t.Errorf("Expected run id run-1, got %q", snap.RunID)
	}
	if expected, actual := 4, snap.TotalItems; expected != actual {
		t.Errorf("Expected %d items, got %d", expected, actual)
	}
	if snap.Items["/b.jpg"] != StatusFailed || snap.Errors["/b.jpg"] != "timeout" {
		t.Errorf("Unexpected state for /b.jpg: %s %q", snap.Items["/b.jpg"], snap.Errors["/b.jpg"])
	}

	loaded.PrepareResume("run-2")
	snap = loaded.Snapshot()
	if snap.Items["/a.jpg"] != StatusSkipped {
		t.Errorf("Expected described item to become skipped, got %s", snap.Items["/a.jpg"])
	}
	if snap.Items["/c.jpg"] != StatusPending {
		t.Errorf("Expected in-flight item to become pending, got %s", snap.Items["/c.jpg"])
	}
	if snap.CompletedItems != 0 || snap.SkippedItems != 1 || snap.FailedItems != 1 {
		t.Errorf("Unexpected counters %+v", snap)
	}
}

func TestDescriptionsNewestFirst(t *testing.T) {
	db, err := NewDB(t.Context(), ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, text := range []string{"first", "second"} {
		d := &Description{
			ItemPath:  "/a.jpg",
			Provider:  "ollama",
			Model:     "llava",
			Text:      text,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := db.InsertDescription(t.Context(), d); err != nil {
			t.Fatal(err)
		}
		if d.Id == 0 {
			t.Errorf("Expected id to be set")
		}
	}

	descs, err := db.Descriptions(t.Context(), "/a.jpg")
	if err != nil {
		t.Fatal(err)
	}
	if len(descs) != 2 || descs[0].Text != "second" || descs[1].Text != "first" {
		t.Errorf("Expected newest first, got %+v", descs)
	}

	counts, err := db.DescriptionCounts(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if counts["/a.jpg"] != 2 {
		t.Errorf("Expected 2 descriptions, got %d", counts["/a.jpg"])
	}
}

func TestGeocodeCache(t *testing.T) {
	db, err := NewDB(t.Context(), ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if _, ok, err := db.GeocodeLookup(t.Context(), "30.2672,-97.7431"); err != nil || ok {
		t.Fatalf("Expected miss, got ok=%v err=%v", ok, err)
	}
	if err := db.GeocodeStore(t.Context(), "30.2672,-97.7431", "Austin, Texas"); err != nil {
		t.Fatal(err)
	}
	place, ok, err := db.GeocodeLookup(t.Context(), "30.2672,-97.7431")
	if err != nil || !ok || place != "Austin, Texas" {
		t.Errorf("Expected cached place, got %q ok=%v err=%v", place, ok, err)
	}
}

func TestOpenDBRecoversFromGarbage(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "state.db")
	if err := os.WriteFile(fname, []byte("this is not a sqlite database, not even close"), 0o644); err != nil {
		t.Fatal(err)
	}

	db, err := OpenDB(t.Context(), fname, nil)
	if err != nil {
		t.Fatalf("Expected fresh database, got %s", err)
	}
	defer db.Close()

	if _, err := db.LoadProgress(t.Context()); !errors.Is(err, ErrNoProgress) {
		t.Errorf("Expected empty progress, got %v", err)
	}
	matches, _ := filepath.Glob(fname + ".corrupt-*")
	if len(matches) != 1 {
		t.Errorf("Expected the bad file to be moved aside, found %v", matches)
	}
}
