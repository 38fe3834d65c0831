// Package desclog writes and reads the append-only, human readable log of
// descriptions produced by one run.
package desclog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chriskillpack/mediascribe"
)

const (
	separator  = "--------------------------------------------------------------------------------"
	dateLayout = "2006-01-02 15:04:05 -07:00"
)

// legacyDateLayout has no offset. Logs written with it hold local times.
const legacyDateLayout = "2006-01-02 15:04:05"

// Record is one logged description.
type Record struct {
	File        string
	Provider    string
	Model       string
	PromptStyle string
	PhotoDate   time.Time
	Location    string
	GPS         *mediascribe.GPS
	SourceVideo string
	Description string
	Timestamp   time.Time // when the description was created
}

// RecordFor builds the log record of d, generated for item.
func RecordFor(item *mediascribe.WorkItem, d *mediascribe.Description) Record {
	return Record{
		File:        item.Path,
		Provider:    d.Provider,
		Model:       d.Model,
		PromptStyle: d.PromptStyle,
		PhotoDate:   item.CaptureTimestamp,
		Location:    d.LocationPrefix,
		GPS:         item.GPS,
		SourceVideo: item.SourceVideoPath,
		Description: d.Text,
		Timestamp:   d.CreatedAt,
	}
}

// Summary is the compact one line metadata summary: date, place and
// coordinates, whichever are known.
func (r Record) Summary() string {
	var parts []string
	if !r.PhotoDate.IsZero() {
		parts = append(parts, r.PhotoDate.Format("Jan 2, 2006 3:04 PM"))
	}
	if r.Location != "" {
		parts = append(parts, r.Location)
	}
	if r.GPS != nil {
		parts = append(parts, r.GPS.String())
	}
	return strings.Join(parts, " | ")
}

// Writer appends records to a log file. It is safe for concurrent use.
type Writer struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// FileName is the log file name for a run started at start.
func FileName(runID string, start time.Time) string {
	return fmt.Sprintf("descriptions_%s_%s.txt", start.Format("20060102_150405"), shortID(runID))
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Create opens the log for a run in dir, appending when it already exists.
func Create(dir, runID string, start time.Time) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, FileName(runID, start))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Writer{f: f, path: path}, nil
}

func (w *Writer) Path() string { return w.path }

// Append writes r and syncs it to disk.
func (w *Writer) Append(r Record) error {
	var b strings.Builder
	fmt.Fprintf(&b, "File: %s\n", r.File)
	if r.SourceVideo != "" {
		fmt.Fprintf(&b, "Source Video: %s\n", r.SourceVideo)
	}
	fmt.Fprintf(&b, "Provider: %s\n", r.Provider)
	fmt.Fprintf(&b, "Model: %s\n", r.Model)
	if r.PromptStyle != "" {
		fmt.Fprintf(&b, "Prompt Style: %s\n", r.PromptStyle)
	}
	if !r.PhotoDate.IsZero() {
		fmt.Fprintf(&b, "Photo Date: %s\n", r.PhotoDate.Format(dateLayout))
	}
	if r.Location != "" {
		fmt.Fprintf(&b, "Location: %s\n", r.Location)
	}
	if r.GPS != nil {
		fmt.Fprintf(&b, "Coordinates: %s\n", r.GPS)
	}
	if s := r.Summary(); s != "" {
		fmt.Fprintf(&b, "Metadata: %s\n", s)
	}
	fmt.Fprintf(&b, "Description: %s\n", strings.TrimRight(r.Description, "\n"))
	fmt.Fprintf(&b, "Timestamp: %s\n", r.Timestamp.Format(time.RFC3339))
	b.WriteString(separator + "\n")

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := io.WriteString(w.f, b.String()); err != nil {
		return err
	}
	return w.f.Sync()
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// ReadFile reads all records of the log at path.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

// Read parses records written by Writer. A trailing partial record, as a
// crash mid-write leaves behind, is dropped.
func Read(r io.Reader) ([]Record, error) {
	var (
		records []Record
		cur     Record
		desc    []string
		inDesc  bool
		lineNum int
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		lineNum++

		if line == separator {
			if len(desc) > 0 {
				last := desc[len(desc)-1]
				if ts, ok := strings.CutPrefix(last, "Timestamp: "); ok {
					t, err := time.Parse(time.RFC3339, ts)
					if err != nil {
						return nil, fmt.Errorf("line %d: bad timestamp: %w", lineNum-1, err)
					}
					cur.Timestamp = t
					desc = desc[:len(desc)-1]
				}
			}
			cur.Description = strings.Join(desc, "\n")
			records = append(records, cur)
			cur, desc, inDesc = Record{}, nil, false
			continue
		}
		if inDesc {
			desc = append(desc, line)
			continue
		}

		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		switch key {
		case "File":
			cur.File = value
		case "Source Video":
			cur.SourceVideo = value
		case "Provider":
			cur.Provider = value
		case "Model":
			cur.Model = value
		case "Prompt Style":
			cur.PromptStyle = value
		case "Photo Date":
			t, err := time.Parse(dateLayout, value)
			if err != nil {
				t, err = time.ParseInLocation(legacyDateLayout, value, time.Local)
			}
			if err != nil {
				return nil, fmt.Errorf("line %d: bad photo date: %w", lineNum, err)
			}
			cur.PhotoDate = t
		case "Location":
			cur.Location = value
		case "Coordinates":
			g, err := parseCoordinates(value)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNum, err)
			}
			cur.GPS = g
		case "Description":
			desc = []string{value}
			inDesc = true
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func parseCoordinates(s string) (*mediascribe.GPS, error) {
	lat, lon, ok := strings.Cut(s, ", ")
	if !ok {
		return nil, fmt.Errorf("bad coordinates %q", s)
	}
	la, err := strconv.ParseFloat(lat, 64)
	if err != nil {
		return nil, fmt.Errorf("bad latitude %q", lat)
	}
	lo, err := strconv.ParseFloat(lon, 64)
	if err != nil {
		return nil, fmt.Errorf("bad longitude %q", lon)
	}
	return &mediascribe.GPS{Lat: la, Lon: lo}, nil
}
