package pipeline

import (
	"fmt"

	"github.com/chriskillpack/mediascribe"
)

// StatusLine renders progress for consoles and monitors.
func StatusLine(s mediascribe.ProgressSnapshot) string {
	return fmt.Sprintf("%.0f%% complete (%d/%d) %d described, %d failed, %d skipped",
		s.Percent(), s.Done(), s.TotalItems, s.CompletedItems, s.FailedItems, s.SkippedItems)
}
