package mediascribe

import (
	"fmt"
	"time"
)

// Kind classifies a WorkItem.
type Kind string

const (
	KindImage          Kind = "image"
	KindVideo          Kind = "video"
	KindExtractedFrame Kind = "extracted_frame"
)

// Status is the lifecycle state of a WorkItem within a run.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusDescribed  Status = "described"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
)

// Terminal reports whether no further work will be done for the status in
// the current run.
func (s Status) Terminal() bool {
	return s == StatusDescribed || s == StatusFailed || s == StatusSkipped
}

// TimestampSource records which link of the fallback chain produced a
// capture timestamp.
type TimestampSource string

const (
	SourceOriginal   TimestampSource = "original"
	SourceDigitized  TimestampSource = "digitized"
	SourceModified   TimestampSource = "modified"
	SourceFilesystem TimestampSource = "filesystem"
	SourceInherited  TimestampSource = "inherited"
)

// GPS is a capture location. Altitude is optional.
type GPS struct {
	Lat         float64
	Lon         float64
	Altitude    float64
	HasAltitude bool
}

func (g GPS) String() string {
	return fmt.Sprintf("%.6f, %.6f", g.Lat, g.Lon)
}

type CameraInfo struct {
	Make  string
	Model string
	Lens  string
}

func (c CameraInfo) String() string {
	switch {
	case c.Make != "" && c.Model != "":
		return c.Make + " " + c.Model
	case c.Model != "":
		return c.Model
	}
	return c.Make
}

// MediaMetadata is the best-effort embedded metadata of one file. Every
// field may be absent.
type MediaMetadata struct {
	Original  time.Time // DateTimeOriginal or the container's creation date
	Digitized time.Time
	Modified  time.Time

	GPS    *GPS
	Camera *CameraInfo
}

// Timestamp returns the first embedded timestamp in fallback order.
func (m MediaMetadata) Timestamp() (time.Time, TimestampSource, bool) {
	switch {
	case !m.Original.IsZero():
		return m.Original, SourceOriginal, true
	case !m.Digitized.IsZero():
		return m.Digitized, SourceDigitized, true
	case !m.Modified.IsZero():
		return m.Modified, SourceModified, true
	}
	return time.Time{}, "", false
}

// WorkItem is one media file to be processed.
type WorkItem struct {
	Path             string // absolute, identifies the item
	Kind             Kind
	CaptureTimestamp time.Time
	TimestampSource  TimestampSource
	SourceVideoPath  string // only for KindExtractedFrame
	GPS              *GPS
	Camera           *CameraInfo

	// DescribePath is the file actually sent to a provider. It differs from
	// Path when the convert stage produced a JPEG copy.
	DescribePath string
	// NeedsConversion marks formats providers cannot take directly.
	NeedsConversion bool

	Status   Status
	Err      string
	Attempts int

	Descriptions []*Description // newest first
}

// Source returns the file a provider should read.
func (w *WorkItem) Source() string {
	if w.DescribePath != "" {
		return w.DescribePath
	}
	return w.Path
}

// Prepend adds d as the newest description, keeping older ones as history.
func (w *WorkItem) Prepend(d *Description) {
	w.Descriptions = append([]*Description{d}, w.Descriptions...)
}

// Latest returns the newest description or nil.
func (w *WorkItem) Latest() *Description {
	if len(w.Descriptions) == 0 {
		return nil
	}
	return w.Descriptions[0]
}

// Description is one generated result for a WorkItem. It is never modified
// after creation.
type Description struct {
	Id             int
	ItemPath       string
	Provider       string
	Model          string
	PromptStyle    string // empty for providers without prompt support
	Text           string
	CreatedAt      time.Time
	TokenCount     int // 0 when the provider did not report usage
	LocationPrefix string
	DatePrefix     string
}
