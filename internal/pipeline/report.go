package pipeline

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/chriskillpack/mediascribe"
)

var csvHeader = []string{
	"file", "kind", "source_video", "capture_time", "timestamp_source",
	"latitude", "longitude", "camera", "status", "error",
	"provider", "model", "prompt_style", "location", "description", "described_at",
	"description_count",
}

// CSVReport writes one row per item, in item order, carrying the newest
// description.
type CSVReport struct {
	Path string
}

func (r *CSVReport) Write(ctx context.Context, items []*mediascribe.WorkItem) error {
	if err := os.MkdirAll(filepath.Dir(r.Path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(r.Path), ".descriptions-*.csv")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	w.Write(csvHeader)
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			tmp.Close()
			return err
		}
		w.Write(csvRow(it))
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), r.Path)
}

func csvRow(it *mediascribe.WorkItem) []string {
	row := make([]string, 0, len(csvHeader))
	row = append(row, it.Path, string(it.Kind), it.SourceVideoPath)
	if it.CaptureTimestamp.IsZero() {
		row = append(row, "")
	} else {
		row = append(row, it.CaptureTimestamp.Format(time.RFC3339))
	}
	row = append(row, string(it.TimestampSource))
	if it.GPS != nil {
		row = append(row,
			strconv.FormatFloat(it.GPS.Lat, 'f', 6, 64),
			strconv.FormatFloat(it.GPS.Lon, 'f', 6, 64))
	} else {
		row = append(row, "", "")
	}
	camera := ""
	if it.Camera != nil {
		camera = it.Camera.String()
	}
	row = append(row, camera, string(it.Status), it.Err)

	if d := it.Latest(); d != nil {
		row = append(row, d.Provider, d.Model, d.PromptStyle, d.LocationPrefix, d.Text, d.CreatedAt.Format(time.RFC3339))
	} else {
		row = append(row, "", "", "", "", "", "")
	}
	return append(row, strconv.Itoa(len(it.Descriptions)))
}
