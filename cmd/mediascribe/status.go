package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/chriskillpack/mediascribe"
	"github.com/chriskillpack/mediascribe/internal/config"
	"github.com/chriskillpack/mediascribe/internal/pipeline"
	"github.com/spf13/cobra"
)

func statusCommand(gf *globalFlags) *cobra.Command {
	var (
		output string
		dbPath string
		watch  time.Duration
		errs   bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show progress of the current or last run",
		RunE: func(cmd *cobra.Command, args []string) error {
			ca := gf.args()
			if output != "" {
				ca.Overrides["output_dir"] = output
			}
			if dbPath != "" {
				ca.Overrides["db_path"] = dbPath
			}
			cfg, err := config.Resolve(ca, nil)
			if err != nil {
				return err
			}
			return showStatus(cmd.Context(), cfg.StateDBPath(), watch, errs)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output directory of the run")
	cmd.Flags().StringVar(&dbPath, "db", "", "Run database")
	cmd.Flags().DurationVar(&watch, "watch", 0, "Refresh at this interval until interrupted")
	cmd.Flags().BoolVar(&errs, "errors", false, "List failed items and their errors")
	return cmd
}

func showStatus(ctx context.Context, path string, watch time.Duration, errs bool) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("no run database at %s", path)
	}
	db, err := mediascribe.NewDB(ctx, path)
	if err != nil {
		return err
	}
	defer db.Close()

	for {
		snap, err := db.ProgressSnapshot(ctx)
		if errors.Is(err, mediascribe.ErrNoProgress) {
			fmt.Println("No run recorded yet")
		} else if err != nil {
			return err
		} else {
			fmt.Printf("Run %s, updated %s\n", snap.RunID, snap.LastUpdated.Local().Format(time.DateTime))
			fmt.Println(pipeline.StatusLine(snap))
			if errs {
				printErrors(snap)
			}
		}

		if watch <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(watch):
		}
	}
}

func printErrors(snap mediascribe.ProgressSnapshot) {
	var failed []string
	for path, s := range snap.Items {
		if s == mediascribe.StatusFailed {
			failed = append(failed, path)
		}
	}
	slices.Sort(failed)
	for _, path := range failed {
		fmt.Printf("  %s: %s\n", path, snap.Errors[path])
	}
}
