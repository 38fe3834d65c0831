// Package pipeline runs the extract, convert, describe and report stages
// over a collected list of work items.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/chriskillpack/mediascribe"
	"github.com/chriskillpack/mediascribe/internal/config"
	"github.com/chriskillpack/mediascribe/internal/logging"
	"github.com/chriskillpack/mediascribe/internal/media"
	"github.com/chriskillpack/mediascribe/internal/metadata"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ErrTimeout marks a provider call that exceeded its deadline.
var ErrTimeout = errors.New("provider call timed out")

// Provider describes images. *mediascribe.Handle implements it.
type Provider interface {
	Capability() mediascribe.Capability
	Model() string
	Describe(ctx context.Context, image []byte, opts mediascribe.DescribeOptions) (mediascribe.Output, error)
}

// Store persists run state. *mediascribe.DB implements it.
type Store interface {
	RegisterItems(ctx context.Context, items []*mediascribe.WorkItem, batchSize int) (int, error)
	SaveProgress(ctx context.Context, snap mediascribe.ProgressSnapshot, attempts map[string]int) error
	LoadProgress(ctx context.Context) (*mediascribe.ProgressState, error)
	InsertDescription(ctx context.Context, d *mediascribe.Description) error
	Descriptions(ctx context.Context, path string) ([]*mediascribe.Description, error)
	DescriptionCounts(ctx context.Context) (map[string]int, error)
}

// FrameSource samples frames from a video. *media.FrameExtractor
// implements it.
type FrameSource interface {
	Extract(ctx context.Context, videoPath, outDir string) ([]string, error)
}

// Converter makes a provider-readable copy of an image. *media.Converter
// implements it.
type Converter interface {
	Convert(ctx context.Context, src, outDir string) (string, error)
}

// MetadataWriter copies capture details onto derived files.
// *metadata.Service implements it.
type MetadataWriter interface {
	Propagate(item *mediascribe.WorkItem, path string) error
}

// Geocoder resolves place names. *geocode.Geocoder implements it.
type Geocoder interface {
	Lookup(ctx context.Context, gps mediascribe.GPS) (string, error)
}

// ReportSink consumes the final ordered item list.
type ReportSink interface {
	Write(ctx context.Context, items []*mediascribe.WorkItem) error
}

type Options struct {
	Config   *config.RunConfig
	Provider Provider
	Store    Store

	Frames    FrameSource    // defaults to ffmpeg
	Converter Converter      // defaults to imaging and heif-convert
	Metadata  MetadataWriter // optional
	Geocoder  Geocoder       // optional, used when Config.Geocode is set
	Report    ReportSink     // defaults to a CSV file in the output dir

	// LoadImage reads the bytes sent to the provider. Defaults to
	// media.PrepareImage.
	LoadImage func(path string, maxDim int) ([]byte, error)

	// OnStatus receives progress every Config.StatusInterval and once at
	// the end of the run.
	OnStatus func(mediascribe.ProgressSnapshot)

	Logger *slog.Logger
}

// Orchestrator runs one pipeline. It is not reusable.
type Orchestrator struct {
	cfg      *config.RunConfig
	provider Provider
	store    Store
	frames   FrameSource
	conv     Converter
	meta     MetadataWriter
	geo      Geocoder
	report   ReportSink
	load     func(string, int) ([]byte, error)
	onStatus func(mediascribe.ProgressSnapshot)
	logger   *slog.Logger
	now      func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Config == nil {
		return nil, errors.New("pipeline: no config")
	}
	if opts.Store == nil {
		return nil, errors.New("pipeline: no store")
	}
	if opts.Provider == nil && opts.Config.StepEnabled(config.StepDescribe) {
		return nil, errors.New("pipeline: no provider")
	}

	o := &Orchestrator{
		cfg:      opts.Config,
		provider: opts.Provider,
		store:    opts.Store,
		frames:   opts.Frames,
		conv:     opts.Converter,
		meta:     opts.Metadata,
		geo:      opts.Geocoder,
		report:   opts.Report,
		load:     opts.LoadImage,
		onStatus: opts.OnStatus,
		logger:   logging.OrDiscard(opts.Logger),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	if o.load == nil {
		o.load = media.PrepareImage
	}
	if o.frames == nil {
		o.frames = &media.FrameExtractor{Interval: o.cfg.FrameInterval, Logger: o.logger}
	}
	if o.conv == nil {
		o.conv = &media.Converter{}
	}
	if o.report == nil {
		o.report = &CSVReport{Path: filepath.Join(o.cfg.OutputDir, "descriptions.csv")}
	}
	if !o.cfg.Geocode {
		o.geo = nil
	}
	return o, nil
}

// Stop puts the run into lame-duck mode: items already handed to a worker
// finish, nothing new is started. Cancel the Run context to abort
// in-flight calls.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stopCh) })
}

func (o *Orchestrator) stopped() bool {
	select {
	case <-o.stopCh:
		return true
	default:
		return false
	}
}

// Result summarizes a finished run.
type Result struct {
	RunID     string
	Items     []*mediascribe.WorkItem
	Described int
	Failed    int
	Skipped   int
	LogPath   string
}

// Summary is the final one-line report of a run.
func (r *Result) Summary() string {
	return fmt.Sprintf("%d described, %d failed, %d skipped", r.Described, r.Failed, r.Skipped)
}

// Run processes items, which must be ordered by capture time. Item
// failures are recorded on the items and never returned. The error is
// non-nil only when the run could not start or ctx was canceled; the
// Result is valid in both cases once stages have begun.
func (o *Orchestrator) Run(ctx context.Context, items []*mediascribe.WorkItem) (*Result, error) {
	runID := uuid.NewString()
	start := o.now()
	logger := o.logger.With("run", runID[:8])
	logger.Info("starting run", "items", len(items), "steps", o.cfg.Steps)

	if o.cfg.StepEnabled(config.StepExtract) {
		items = o.extract(ctx, items)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	progress, err := o.prepareProgress(ctx, runID, items)
	if err != nil {
		return nil, err
	}
	// Only items that will be described are converted.
	if o.cfg.StepEnabled(config.StepConvert) {
		o.convert(ctx, items, progress)
	}
	res := &Result{RunID: runID, Items: items}

	if o.cfg.StepEnabled(config.StepDescribe) {
		res.LogPath, err = o.describeAll(ctx, runID, start, items, progress)
		if err != nil {
			return nil, err
		}
	}

	if o.cfg.StepEnabled(config.StepReport) && ctx.Err() == nil {
		if err := o.writeReport(ctx, items); err != nil {
			logger.Error("report failed", "error", err)
		}
	}

	snap := progress.Snapshot()
	res.Described, res.Failed, res.Skipped = snap.CompletedItems, snap.FailedItems, snap.SkippedItems
	logger.Info("run finished", "summary", res.Summary(), "elapsed", o.now().Sub(start).Round(time.Millisecond))
	return res, ctx.Err()
}

// extract replaces each video by its frames at the video's position. The
// frames inherit the video's capture time, so the list stays ordered.
func (o *Orchestrator) extract(ctx context.Context, items []*mediascribe.WorkItem) []*mediascribe.WorkItem {
	out := make([]*mediascribe.WorkItem, 0, len(items))
	for _, it := range items {
		if it.Kind != mediascribe.KindVideo || ctx.Err() != nil {
			out = append(out, it)
			continue
		}

		paths, err := o.frames.Extract(ctx, it.Path, o.cfg.OutputDir)
		if err != nil {
			o.logger.Warn("frame extraction failed", "path", it.Path, "error", err)
			it.Status, it.Err = mediascribe.StatusFailed, err.Error()
			out = append(out, it)
			continue
		}
		for _, p := range paths {
			frame := &mediascribe.WorkItem{
				Path:   p,
				Kind:   mediascribe.KindExtractedFrame,
				Status: mediascribe.StatusPending,
			}
			if it.CaptureTimestamp.IsZero() {
				metadata.Apply(frame, mediascribe.MediaMetadata{})
				frame.SourceVideoPath = it.Path
			} else {
				metadata.Inherit(frame, it)
			}
			if o.meta != nil {
				if err := o.meta.Propagate(frame, p); err != nil {
					o.logger.Debug("could not write frame metadata", "path", p, "error", err)
				}
			}
			out = append(out, frame)
		}
	}
	slices.SortStableFunc(out, func(a, b *mediascribe.WorkItem) int {
		return a.CaptureTimestamp.Compare(b.CaptureTimestamp)
	})
	return out
}

func (o *Orchestrator) convert(ctx context.Context, items []*mediascribe.WorkItem, progress *mediascribe.ProgressState) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(o.cfg.Workers, 1))
	for _, it := range items {
		if !it.NeedsConversion || it.Status != mediascribe.StatusPending {
			continue
		}
		g.Go(func() error {
			dst, err := o.conv.Convert(ctx, it.Path, o.cfg.OutputDir)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				o.logger.Warn("conversion failed", "path", it.Path, "error", err)
				it.Status, it.Err = mediascribe.StatusFailed, err.Error()
				progress.Set(it.Path, it.Status, it.Err)
				return nil
			}
			it.DescribePath = dst
			if o.meta != nil {
				if err := o.meta.Propagate(it, dst); err != nil {
					o.logger.Debug("could not write converted metadata", "path", dst, "error", err)
				}
			}
			return nil
		})
	}
	g.Wait()
}

// prepareProgress builds the run's ProgressState, resuming a prior run
// when configured, and settles each item's starting status.
func (o *Orchestrator) prepareProgress(ctx context.Context, runID string, items []*mediascribe.WorkItem) (*mediascribe.ProgressState, error) {
	var progress *mediascribe.ProgressState
	if o.cfg.Resume {
		prior, err := o.store.LoadProgress(ctx)
		switch {
		case err == nil:
			prior.PrepareResume(runID)
			progress = prior
			o.logger.Info("resuming prior run", "items", prior.Snapshot().TotalItems)
		case errors.Is(err, mediascribe.ErrNoProgress):
			o.logger.Info("no prior run to resume")
		default:
			o.logger.Warn("ignoring unreadable progress, starting fresh", "error", err)
		}
	}
	if progress == nil {
		progress = mediascribe.NewProgressState(runID)
	}

	var described map[string]int
	if o.cfg.SkipExisting {
		var err error
		if described, err = o.store.DescriptionCounts(ctx); err != nil {
			return nil, fmt.Errorf("reading existing descriptions: %w", err)
		}
	}

	keep := make(map[string]bool, len(items))
	for _, it := range items {
		keep[it.Path] = true

		if prior, ok := progress.Status(it.Path); ok && !it.Status.Terminal() {
			switch prior {
			case mediascribe.StatusSkipped:
				it.Status = mediascribe.StatusSkipped
			default:
				it.Status = mediascribe.StatusPending
			}
		}
		if described[it.Path] > 0 && it.Status == mediascribe.StatusPending {
			it.Status = mediascribe.StatusSkipped
		}
		if it.Kind == mediascribe.KindVideo && it.Status == mediascribe.StatusPending {
			it.Status, it.Err = mediascribe.StatusSkipped, "video frames not extracted"
		}
		progress.Set(it.Path, it.Status, it.Err)
	}
	progress.Retain(keep)

	if _, err := o.store.RegisterItems(ctx, items, 100); err != nil {
		return nil, fmt.Errorf("registering items: %w", err)
	}
	return progress, nil
}

// describeAll runs the describe stage and returns the log path.
func (o *Orchestrator) describeAll(ctx context.Context, runID string, start time.Time, items []*mediascribe.WorkItem, progress *mediascribe.ProgressState) (string, error) {
	log, err := newLog(o.cfg.OutputDir, runID, start)
	if err != nil {
		return "", fmt.Errorf("opening description log: %w", err)
	}
	defer log.Close()

	var queue []*mediascribe.WorkItem
	for _, it := range items {
		if it.Status == mediascribe.StatusPending {
			queue = append(queue, it)
		}
	}

	t := newTracker(o.store, progress, o.cfg.FlushEvery, o.cfg.FlushInterval, o.logger)
	seq := newSequencer(log.Append, o.logger)

	bg, cancelBG := context.WithCancel(context.WithoutCancel(ctx))
	var bgWG sync.WaitGroup
	bgWG.Add(1)
	go func() {
		defer bgWG.Done()
		t.run(bg)
	}()
	if o.onStatus != nil && o.cfg.StatusInterval > 0 {
		bgWG.Add(1)
		go func() {
			defer bgWG.Done()
			o.reportStatus(bg, progress)
		}()
	}

	o.dispatch(ctx, queue, func(pos int, it *mediascribe.WorkItem) {
		rec := o.describeItem(ctx, it, progress, t)
		seq.done(pos, rec)
	})

	seq.drain()
	cancelBG()
	bgWG.Wait()

	if err := t.flush(context.WithoutCancel(ctx)); err != nil {
		o.logger.Error("saving progress failed", "error", err)
	}
	if o.onStatus != nil {
		o.onStatus(progress.Snapshot())
	}
	return log.Path(), nil
}

// dispatch hands queue entries to at most Workers concurrent calls of fn
// in queue order. It stops handing out work once Stop is called or ctx is
// done and returns when every started call has returned.
func (o *Orchestrator) dispatch(ctx context.Context, queue []*mediascribe.WorkItem, fn func(int, *mediascribe.WorkItem)) {
	sem := make(chan struct{}, max(o.cfg.Workers, 1))
	var g errgroup.Group

loop:
	for pos, it := range queue {
		select {
		case sem <- struct{}{}:
		case <-o.stopCh:
			break loop
		case <-ctx.Done():
			break loop
		}
		if o.stopped() || ctx.Err() != nil {
			<-sem
			break
		}
		g.Go(func() error {
			defer func() { <-sem }()
			fn(pos, it)
			return nil
		})
	}
	g.Wait()

	if o.stopped() {
		o.logger.Info("stopped, remaining items left pending")
	}
}

func (o *Orchestrator) reportStatus(ctx context.Context, progress *mediascribe.ProgressState) {
	ticker := time.NewTicker(o.cfg.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.onStatus(progress.Snapshot())
		}
	}
}

// writeReport hands every item, with its full description history, to the
// report sink.
func (o *Orchestrator) writeReport(ctx context.Context, items []*mediascribe.WorkItem) error {
	for _, it := range items {
		descs, err := o.store.Descriptions(ctx, it.Path)
		if err != nil {
			return fmt.Errorf("loading descriptions of %s: %w", it.Path, err)
		}
		it.Descriptions = descs
	}
	return o.report.Write(ctx, items)
}
