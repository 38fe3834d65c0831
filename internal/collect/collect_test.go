package collect

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chriskillpack/mediascribe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeMetadata map[string]time.Time

func (f fakeMetadata) Extract(path string) mediascribe.MediaMetadata {
	return mediascribe.MediaMetadata{Original: f[filepath.Base(path)]}
}

type fakeIndex map[string]int

func (f fakeIndex) DescriptionCounts(context.Context) (map[string]int, error) {
	return f, nil
}

func touch(t *testing.T, dir, name string, mtime time.Time) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	require.NoError(t, os.Chtimes(p, mtime, mtime))
	return p
}

func names(items []*mediascribe.WorkItem) []string {
	var out []string
	for _, it := range items {
		out = append(out, filepath.Base(it.Path))
	}
	return out
}

func TestClassify(t *testing.T) {
	tests := []struct {
		path string
		kind mediascribe.Kind
		conv bool
		ok   bool
	}{
		{"a.JPG", mediascribe.KindImage, false, true},
		{"a.webp", mediascribe.KindImage, false, true},
		{"a.HEIC", mediascribe.KindImage, true, true},
		{"a.mov", mediascribe.KindVideo, false, true},
		{"a.txt", "", false, false},
		{"noext", "", false, false},
	}
	for _, tc := range tests {
		kind, conv, ok := Classify(tc.path)
		assert.Equal(t, tc.kind, kind, tc.path)
		assert.Equal(t, tc.conv, conv, tc.path)
		assert.Equal(t, tc.ok, ok, tc.path)
	}
}

func TestCollectOrdersByCaptureTime(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "c.jpg", base)
	touch(t, dir, "a.jpg", base)
	touch(t, dir, "b.jpg", base)
	touch(t, dir, "sub/clip.mov", base)
	touch(t, dir, "notes.txt", base)
	touch(t, dir, ".hidden/x.jpg", base)
	touch(t, dir, ".dot.jpg", base)
	touch(t, dir, "out/frame.jpg", base)
	touch(t, dir, "photo.heic", base)

	md := fakeMetadata{
		"c.jpg":      base.Add(3 * time.Hour),
		"a.jpg":      base.Add(1 * time.Hour),
		"b.jpg":      base.Add(2 * time.Hour),
		"clip.mov":   base.Add(90 * time.Minute),
		"photo.heic": base.Add(2 * time.Hour),
	}
	items, err := Collect(context.Background(), []string{dir}, Options{
		Metadata:    md,
		Exclude:     []string{filepath.Join(dir, "out")},
		Concurrency: 3,
	})
	require.NoError(t, err)

	// b.jpg and photo.heic tie and keep discovery (lexical) order.
	assert.Equal(t, []string{"a.jpg", "clip.mov", "b.jpg", "photo.heic", "c.jpg"}, names(items))
	for _, it := range items {
		assert.Equal(t, mediascribe.StatusPending, it.Status)
		assert.Equal(t, mediascribe.SourceOriginal, it.TimestampSource)
		assert.True(t, filepath.IsAbs(it.Path))
	}
	assert.Equal(t, mediascribe.KindVideo, items[1].Kind)
	assert.True(t, items[3].NeedsConversion)
}

func TestCollectStableTies(t *testing.T) {
	dir := t.TempDir()
	var want []string
	for _, n := range []string{"01.jpg", "02.jpg", "03.jpg", "04.jpg", "05.jpg", "06.jpg", "07.jpg", "08.jpg"} {
		touch(t, dir, n, base)
		want = append(want, n)
	}

	items, err := Collect(context.Background(), []string{dir}, Options{Concurrency: 4})
	require.NoError(t, err)
	assert.Equal(t, want, names(items))
	for _, it := range items {
		assert.Equal(t, mediascribe.SourceFilesystem, it.TimestampSource)
		assert.True(t, base.Equal(it.CaptureTimestamp))
	}
}

func TestCollectFallsBackToModTime(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "late.jpg", base.Add(time.Hour))
	touch(t, dir, "early.png", base)

	items, err := Collect(context.Background(), []string{dir}, Options{Metadata: fakeMetadata{}})
	require.NoError(t, err)
	assert.Equal(t, []string{"early.png", "late.jpg"}, names(items))
}

func TestCollectMultipleRoots(t *testing.T) {
	d1, d2 := t.TempDir(), t.TempDir()
	single := touch(t, d1, "one.jpg", base.Add(time.Hour))
	touch(t, d2, "two.jpg", base)

	items, err := Collect(context.Background(), []string{single, d2, d1}, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"two.jpg", "one.jpg"}, names(items), "duplicates are dropped")
}

func TestCollectMissingInput(t *testing.T) {
	_, err := Collect(context.Background(), []string{filepath.Join(t.TempDir(), "nope")}, Options{})
	assert.ErrorIs(t, err, ErrInputNotFound)
}

func TestCollectSkipExisting(t *testing.T) {
	dir := t.TempDir()
	done := touch(t, dir, "done.jpg", base)
	touch(t, dir, "new.jpg", base.Add(time.Minute))

	opts := Options{SkipExisting: true, Described: fakeIndex{done: 2}}
	items, err := Collect(context.Background(), []string{dir}, opts)
	require.NoError(t, err)
	require.Len(t, items, 2, "skipped items stay in the list")
	assert.Equal(t, mediascribe.StatusSkipped, items[0].Status)
	assert.Equal(t, mediascribe.StatusPending, items[1].Status)

	opts.SkipExisting = false
	items, err = Collect(context.Background(), []string{dir}, opts)
	require.NoError(t, err)
	assert.Equal(t, mediascribe.StatusPending, items[0].Status)
}
