// Package media wraps the codec tools: ffmpeg for video frames, imaging
// and heif-convert for still image conversion.
package media

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/chriskillpack/mediascribe/internal/logging"
	"github.com/google/uuid"
)

// FrameExtractor samples still frames from videos with ffmpeg.
type FrameExtractor struct {
	FFmpeg   string        // binary, "ffmpeg" when empty
	Interval time.Duration // time between frames, 5s when zero
	Logger   *slog.Logger
}

// derivedName returns a file or directory name for something derived from
// src that does not collide with derivations of same-named files in other
// directories.
func derivedName(src string) string {
	base := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	id := uuid.NewSHA1(uuid.NameSpaceURL, []byte(src))
	return base + "-" + id.String()[:8]
}

// FrameDir is where frames of videoPath are written under outDir.
func FrameDir(outDir, videoPath string) string {
	return filepath.Join(outDir, "frames", derivedName(videoPath))
}

// Extract writes frames of videoPath under outDir and returns their paths
// in playback order. Frames left by an earlier complete extraction are
// reused. ffmpeg writes into a scratch directory that is renamed into place
// only on success, so an interrupted extraction is never mistaken for a
// finished one.
func (f *FrameExtractor) Extract(ctx context.Context, videoPath, outDir string) ([]string, error) {
	logger := logging.OrDiscard(f.Logger)
	dir := FrameDir(outDir, videoPath)

	if frames := listFrames(dir); len(frames) > 0 {
		logger.Debug("reusing extracted frames", "video", videoPath, "frames", len(frames))
		return frames, nil
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return nil, fmt.Errorf("creating frame directory: %w", err)
	}
	tmp, err := os.MkdirTemp(filepath.Dir(dir), "."+filepath.Base(dir)+"-*")
	if err != nil {
		return nil, fmt.Errorf("creating frame directory: %w", err)
	}
	defer os.RemoveAll(tmp)

	interval := cmp.Or(f.Interval, 5*time.Second)
	cmd := exec.CommandContext(ctx,
		cmp.Or(f.FFmpeg, "ffmpeg"),
		"-hide_banner", "-loglevel", "error",
		"-i", videoPath,
		"-vf", "fps=1/"+strconv.FormatFloat(interval.Seconds(), 'f', -1, 64),
		"-q:v", "2",
		filepath.Join(tmp, "frame_%04d.jpg"),
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("ffmpeg failed on %s: %w\nOutput: %s", videoPath, err, output)
	}
	if len(listFrames(tmp)) == 0 {
		return nil, fmt.Errorf("ffmpeg produced no frames for %s", videoPath)
	}

	// An empty or frameless dir may be in the way.
	if err := os.RemoveAll(dir); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, dir); err != nil {
		return nil, fmt.Errorf("moving frames into place: %w", err)
	}

	frames := listFrames(dir)
	logger.Info("extracted frames", "video", videoPath, "frames", len(frames))
	return frames, nil
}

func listFrames(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var frames []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "frame_") && strings.HasSuffix(e.Name(), ".jpg") {
			frames = append(frames, filepath.Join(dir, e.Name()))
		}
	}
	slices.Sort(frames)
	return frames
}
