// Package collect walks input directories and builds the chronologically
// ordered list of media to describe.
package collect

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/chriskillpack/mediascribe"
	"github.com/chriskillpack/mediascribe/internal/logging"
	"github.com/chriskillpack/mediascribe/internal/metadata"
	"golang.org/x/sync/errgroup"
)

// ErrInputNotFound is returned when an input path does not exist.
var ErrInputNotFound = errors.New("input not found")

var (
	imageExts = map[string]bool{
		".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
		".bmp": true, ".tif": true, ".tiff": true, ".webp": true,
	}
	// Formats no provider accepts and Go cannot decode.
	convertExts = map[string]bool{".heic": true, ".heif": true}
	videoExts   = map[string]bool{
		".mp4": true, ".mov": true, ".m4v": true, ".avi": true,
		".mkv": true, ".3gp": true,
	}
)

// Classify reports the kind of media at path by extension. ok is false for
// unsupported files.
func Classify(path string) (kind mediascribe.Kind, needsConversion, ok bool) {
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case imageExts[ext]:
		return mediascribe.KindImage, false, true
	case convertExts[ext]:
		return mediascribe.KindImage, true, true
	case videoExts[ext]:
		return mediascribe.KindVideo, false, true
	}
	return "", false, false
}

// Extractor supplies embedded metadata. *metadata.Service implements it.
type Extractor interface {
	Extract(path string) mediascribe.MediaMetadata
}

// DescribedIndex reports how many descriptions each item already has.
// *mediascribe.DB implements it.
type DescribedIndex interface {
	DescriptionCounts(ctx context.Context) (map[string]int, error)
}

type Options struct {
	// Metadata is consulted for capture times. When nil only file
	// modification times are used.
	Metadata Extractor

	// With SkipExisting set, items that Described reports as having a
	// description are marked skipped.
	SkipExisting bool
	Described    DescribedIndex

	// Exclude lists directories that are never descended into.
	Exclude []string

	Concurrency int
	Logger      *slog.Logger
}

// Collect returns the supported media under roots ordered by capture time.
// Items with equal capture times keep their discovery order.
func Collect(ctx context.Context, roots []string, opts Options) ([]*mediascribe.WorkItem, error) {
	logger := logging.OrDiscard(opts.Logger)

	excluded := map[string]bool{}
	for _, d := range opts.Exclude {
		if abs, err := filepath.Abs(d); err == nil {
			excluded[abs] = true
		}
	}

	var items []*mediascribe.WorkItem
	seen := map[string]bool{}
	add := func(path string) {
		kind, conv, ok := Classify(path)
		if !ok || seen[path] {
			return
		}
		seen[path] = true
		items = append(items, &mediascribe.WorkItem{
			Path:            path,
			Kind:            kind,
			NeedsConversion: conv,
			Status:          mediascribe.StatusPending,
		})
	}

	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(abs)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrInputNotFound, root)
		} else if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			add(abs)
			continue
		}

		err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if path == abs {
					return err
				}
				logger.Warn("skipping unreadable path", "path", path, "error", err)
				return nil
			}
			hidden := strings.HasPrefix(d.Name(), ".") && path != abs
			if d.IsDir() {
				if path != abs && (hidden || excluded[path]) {
					return fs.SkipDir
				}
				return nil
			}
			if hidden || !d.Type().IsRegular() {
				return nil
			}
			add(path)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking %s: %w", root, err)
		}
	}

	if err := resolveTimestamps(ctx, items, opts); err != nil {
		return nil, err
	}
	slices.SortStableFunc(items, func(a, b *mediascribe.WorkItem) int {
		return a.CaptureTimestamp.Compare(b.CaptureTimestamp)
	})

	if opts.SkipExisting && opts.Described != nil {
		counts, err := opts.Described.DescriptionCounts(ctx)
		if err != nil {
			return nil, fmt.Errorf("reading existing descriptions: %w", err)
		}
		for _, it := range items {
			if counts[it.Path] > 0 {
				it.Status = mediascribe.StatusSkipped
			}
		}
	}

	logger.Info("collected media", "items", len(items), "roots", len(roots))
	return items, nil
}

func resolveTimestamps(ctx context.Context, items []*mediascribe.WorkItem, opts Options) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.Concurrency, 1))
	for _, it := range items {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var md mediascribe.MediaMetadata
			if opts.Metadata != nil {
				md = opts.Metadata.Extract(it.Path)
			}
			metadata.Apply(it, md)
			return nil
		})
	}
	return g.Wait()
}
