package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chriskillpack/mediascribe"
	"github.com/chriskillpack/mediascribe/internal/desclog"
)

func newLog(dir, runID string, start time.Time) (*desclog.Writer, error) {
	return desclog.Create(dir, runID, start)
}

// describeItem takes one pending item through in_progress to described or
// failed. It returns the log record of a new description, or nil.
func (o *Orchestrator) describeItem(ctx context.Context, it *mediascribe.WorkItem, progress *mediascribe.ProgressState, t *tracker) *desclog.Record {
	logger := o.logger.With("path", it.Path)
	it.Status = mediascribe.StatusInProgress
	progress.Set(it.Path, mediascribe.StatusInProgress, "")

	fail := func(err error) *desclog.Record {
		logger.Warn("item failed", "attempts", it.Attempts, "error", err)
		it.Status, it.Err = mediascribe.StatusFailed, err.Error()
		progress.Set(it.Path, mediascribe.StatusFailed, it.Err)
		t.completed(it.Path, it.Attempts)
		return nil
	}

	image, err := o.load(it.Source(), o.cfg.MaxImageDimension)
	if err != nil {
		return fail(fmt.Errorf("reading image: %w", err))
	}

	pc := o.provider.Capability()
	timeout := o.cfg.TimeoutFor(pc.Slow)
	opts := mediascribe.DescribeOptions{
		PromptStyle:  o.cfg.PromptStyle,
		Prompt:       o.cfg.PromptText(),
		CustomPrompt: o.cfg.CustomPrompt,
	}

	var out mediascribe.Output
	for attempt := 1; ; attempt++ {
		it.Attempts++
		out, err = o.call(ctx, image, opts, timeout)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			// Aborted, not failed: a resumed run picks the item up again.
			it.Status = mediascribe.StatusPending
			progress.Set(it.Path, mediascribe.StatusPending, "")
			return nil
		}
		if attempt > o.cfg.MaxRetries {
			return fail(err)
		}
		logger.Info("retrying", "attempt", attempt, "error", err)
		select {
		case <-time.After(o.cfg.RetryDelay):
		case <-ctx.Done():
		}
	}

	d := &mediascribe.Description{
		ItemPath:    it.Path,
		Provider:    pc.Name,
		Model:       out.Model,
		PromptStyle: out.PromptStyle,
		Text:        out.Text,
		CreatedAt:   o.now(),
		TokenCount:  out.TokenCount,
	}
	if !it.CaptureTimestamp.IsZero() {
		d.DatePrefix = it.CaptureTimestamp.Format("Jan 2, 2006")
	}
	if o.geo != nil && it.GPS != nil {
		place, err := o.geo.Lookup(ctx, *it.GPS)
		if err != nil {
			logger.Warn("geocode failed", "error", err)
		}
		d.LocationPrefix = place
	}

	if err := o.store.InsertDescription(context.WithoutCancel(ctx), d); err != nil {
		return fail(fmt.Errorf("saving description: %w", err))
	}
	it.Prepend(d)
	it.Status, it.Err = mediascribe.StatusDescribed, ""
	progress.Set(it.Path, mediascribe.StatusDescribed, "")
	t.completed(it.Path, it.Attempts)
	logger.Info("described", "attempts", it.Attempts, "tokens", d.TokenCount)

	rec := desclog.RecordFor(it, d)
	return &rec
}

// call makes one bounded provider call.
func (o *Orchestrator) call(ctx context.Context, image []byte, opts mediascribe.DescribeOptions, timeout time.Duration) (mediascribe.Output, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := o.provider.Describe(cctx, image, opts)
	if err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return out, fmt.Errorf("%w after %s: %w", ErrTimeout, timeout, err)
	}
	return out, err
}
