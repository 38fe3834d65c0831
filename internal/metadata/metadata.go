// Package metadata reads capture time, location and camera details from
// media files via exiftool, and copies them onto derived files.
package metadata

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/barasher/go-exiftool"
	"github.com/chriskillpack/mediascribe"
	"github.com/chriskillpack/mediascribe/internal/logging"
)

// Tool is the subset of *exiftool.Exiftool the service uses.
type Tool interface {
	ExtractMetadata(files ...string) []exiftool.FileMetadata
	WriteMetadata(fileMetadata []exiftool.FileMetadata)
	Close() error
}

// Service extracts metadata. The exiftool process is started on first use
// and a missing binary degrades every lookup to empty metadata.
type Service struct {
	logger *slog.Logger
	start  func() (Tool, error)

	once    sync.Once
	tool    Tool
	initErr error

	mu sync.Mutex // one request at a time on the stay_open process
}

func New(logger *slog.Logger) *Service {
	return &Service{
		logger: logging.OrDiscard(logger),
		start: func() (Tool, error) {
			et, err := exiftool.NewExiftool(exiftool.NoPrintConversion())
			if err != nil {
				return nil, err
			}
			return et, nil
		},
	}
}

// NewWithTool returns a Service backed by an already running tool.
func NewWithTool(tool Tool, logger *slog.Logger) *Service {
	return &Service{
		logger: logging.OrDiscard(logger),
		start:  func() (Tool, error) { return tool, nil },
	}
}

func (s *Service) ensure() (Tool, error) {
	s.once.Do(func() {
		s.tool, s.initErr = s.start()
		if s.initErr != nil {
			s.logger.Warn("exiftool unavailable, metadata will be empty", "error", s.initErr)
		}
	})
	return s.tool, s.initErr
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tool == nil {
		return nil
	}
	return s.tool.Close()
}

// Extract returns whatever metadata path carries. It never fails: missing
// or malformed fields are simply absent from the result.
func (s *Service) Extract(path string) mediascribe.MediaMetadata {
	tool, err := s.ensure()
	if err != nil {
		return mediascribe.MediaMetadata{}
	}

	s.mu.Lock()
	fms := tool.ExtractMetadata(path)
	s.mu.Unlock()

	if len(fms) == 0 {
		return mediascribe.MediaMetadata{}
	}
	if fms[0].Err != nil {
		s.logger.Debug("no metadata", "path", path, "error", fms[0].Err)
		return mediascribe.MediaMetadata{}
	}
	return Parse(fms[0])
}

// Parse interprets one exiftool record produced with numeric output.
func Parse(fm exiftool.FileMetadata) mediascribe.MediaMetadata {
	var md mediascribe.MediaMetadata

	// QuickTime stores its dates in UTC. Apple's CreationDate carries an
	// offset and is unaffected.
	loc := time.Local
	if isQuickTime(fm) {
		loc = time.UTC
	}
	md.Original = firstDate(fm, loc, "DateTimeOriginal", "CreationDate", "MediaCreateDate")
	md.Digitized = firstDate(fm, loc, "CreateDate", "DateTimeDigitized", "TrackCreateDate")
	md.Modified = firstDate(fm, loc, "ModifyDate", "MediaModifyDate")

	md.GPS = parseGPS(fm)

	cam := mediascribe.CameraInfo{
		Make:  str(fm, "Make"),
		Model: str(fm, "Model"),
		Lens:  str(fm, "LensModel"),
	}
	if cam != (mediascribe.CameraInfo{}) {
		md.Camera = &cam
	}
	return md
}

func str(fm exiftool.FileMetadata, key string) string {
	s, err := fm.GetString(key)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

var dateLayouts = []string{
	"2006:01:02 15:04:05.999999999Z07:00",
	"2006:01:02 15:04:05Z07:00",
	"2006:01:02 15:04:05.999999999",
	"2006:01:02 15:04:05",
	"2006-01-02T15:04:05Z07:00",
	"2006:01:02",
}

// quickTimeTypes are the MIME types of QuickTime-based containers.
var quickTimeTypes = []string{"video/quicktime", "video/mp4", "video/x-m4v", "video/3gpp", "video/3gpp2"}

func isQuickTime(fm exiftool.FileMetadata) bool {
	return slices.Contains(quickTimeTypes, strings.ToLower(str(fm, "MIMEType")))
}

func firstDate(fm exiftool.FileMetadata, loc *time.Location, keys ...string) time.Time {
	for _, k := range keys {
		if t, ok := parseDateIn(str(fm, k), loc); ok {
			return t.In(time.Local)
		}
	}
	return time.Time{}
}

// ParseDate parses the date formats exiftool emits. Dates without a zone
// are taken as local time. The all-zero placeholder some cameras write is
// rejected.
func ParseDate(s string) (time.Time, bool) {
	return parseDateIn(s, time.Local)
}

func parseDateIn(s string, loc *time.Location) (time.Time, bool) {
	if s == "" || strings.HasPrefix(s, "0000:00:00") {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func parseGPS(fm exiftool.FileMetadata) *mediascribe.GPS {
	lat, errLat := fm.GetFloat("GPSLatitude")
	lon, errLon := fm.GetFloat("GPSLongitude")
	if errLat == nil && errLon == nil {
		if ref := str(fm, "GPSLatitudeRef"); strings.HasPrefix(ref, "S") && lat > 0 {
			lat = -lat
		}
		if ref := str(fm, "GPSLongitudeRef"); strings.HasPrefix(ref, "W") && lon > 0 {
			lon = -lon
		}
		g := &mediascribe.GPS{Lat: lat, Lon: lon}
		if alt, err := fm.GetFloat("GPSAltitude"); err == nil {
			if ref := str(fm, "GPSAltitudeRef"); ref == "1" {
				alt = -alt
			}
			g.Altitude, g.HasAltitude = alt, true
		}
		return validGPS(g)
	}

	// QuickTime writes "lat lon alt" into one tag.
	if coords := str(fm, "GPSCoordinates"); coords != "" {
		f := strings.FieldsFunc(coords, func(r rune) bool { return r == ' ' || r == ',' })
		if len(f) < 2 {
			return nil
		}
		lat, err1 := strconv.ParseFloat(f[0], 64)
		lon, err2 := strconv.ParseFloat(f[1], 64)
		if err1 != nil || err2 != nil {
			return nil
		}
		g := &mediascribe.GPS{Lat: lat, Lon: lon}
		if len(f) > 2 {
			if alt, err := strconv.ParseFloat(f[2], 64); err == nil {
				g.Altitude, g.HasAltitude = alt, true
			}
		}
		return validGPS(g)
	}
	return nil
}

func validGPS(g *mediascribe.GPS) *mediascribe.GPS {
	if g.Lat < -90 || g.Lat > 90 || g.Lon < -180 || g.Lon > 180 {
		return nil
	}
	if g.Lat == 0 && g.Lon == 0 {
		return nil
	}
	return g
}

// Propagate writes the capture time and location of item onto the derived
// file at path, so the copy carries the same provenance.
func (s *Service) Propagate(item *mediascribe.WorkItem, path string) error {
	tool, err := s.ensure()
	if err != nil {
		return err
	}

	fm := exiftool.FileMetadata{File: path, Fields: map[string]any{}}
	wrote := false
	if !item.CaptureTimestamp.IsZero() {
		ts := item.CaptureTimestamp.Local().Format("2006:01:02 15:04:05")
		fm.SetString("DateTimeOriginal", ts)
		fm.SetString("CreateDate", ts)
		wrote = true
	}
	if g := item.GPS; g != nil {
		latRef, lonRef := "N", "E"
		if g.Lat < 0 {
			latRef = "S"
		}
		if g.Lon < 0 {
			lonRef = "W"
		}
		fm.SetFloat("GPSLatitude", abs(g.Lat))
		fm.SetString("GPSLatitudeRef", latRef)
		fm.SetFloat("GPSLongitude", abs(g.Lon))
		fm.SetString("GPSLongitudeRef", lonRef)
		if g.HasAltitude {
			altRef := "0"
			if g.Altitude < 0 {
				altRef = "1"
			}
			fm.SetFloat("GPSAltitude", abs(g.Altitude))
			fm.SetString("GPSAltitudeRef", altRef)
		}
		wrote = true
	}
	if !wrote {
		return nil
	}

	s.mu.Lock()
	fms := []exiftool.FileMetadata{fm}
	tool.WriteMetadata(fms)
	s.mu.Unlock()

	if fms[0].Err != nil {
		return fmt.Errorf("writing metadata to %s: %w", path, fms[0].Err)
	}
	os.Remove(path + "_original")
	return nil
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// Apply fills the capture fields of item from md, falling back to the
// file's modification time when no embedded timestamp exists.
func Apply(item *mediascribe.WorkItem, md mediascribe.MediaMetadata) {
	if ts, src, ok := md.Timestamp(); ok {
		item.CaptureTimestamp, item.TimestampSource = ts, src
	} else if info, err := os.Stat(item.Path); err == nil {
		item.CaptureTimestamp, item.TimestampSource = info.ModTime(), mediascribe.SourceFilesystem
	}
	if md.GPS != nil {
		item.GPS = md.GPS
	}
	if md.Camera != nil {
		item.Camera = md.Camera
	}
}

// Inherit copies capture time, location and camera from a video onto one
// of its extracted frames.
func Inherit(frame, video *mediascribe.WorkItem) {
	frame.CaptureTimestamp = video.CaptureTimestamp
	frame.TimestampSource = mediascribe.SourceInherited
	frame.GPS = video.GPS
	frame.Camera = video.Camera
	frame.SourceVideoPath = video.Path
}
