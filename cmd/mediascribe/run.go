package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/chriskillpack/mediascribe"
	"github.com/chriskillpack/mediascribe/internal/collect"
	"github.com/chriskillpack/mediascribe/internal/config"
	"github.com/chriskillpack/mediascribe/internal/geocode"
	"github.com/chriskillpack/mediascribe/internal/media"
	"github.com/chriskillpack/mediascribe/internal/metadata"
	"github.com/chriskillpack/mediascribe/internal/pipeline"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

// runFlags maps flag names to the config field they override. Only flags
// the user sets are passed on.
var runFlags = map[string]string{
	"provider":      "provider",
	"model":         "model",
	"prompt-style":  "prompt_style",
	"prompt":        "custom_prompt",
	"output":        "output_dir",
	"steps":         "steps",
	"workers":       "workers",
	"timeout":       "timeout",
	"retries":       "max_retries",
	"skip-existing": "skip_existing",
	"resume":        "resume",
	"metadata":      "metadata",
	"geocode":       "geocode",
	"endpoint":      "endpoints",
	"db":            "db_path",
}

func runCommand(gf *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [paths...]",
		Short: "Collect media under paths and describe it",
		RunE: func(cmd *cobra.Command, args []string) error {
			ca := gf.args()
			ca.Inputs = args
			for name, key := range runFlags {
				if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
					ca.Overrides[key] = f.Value.String()
				}
			}
			return runPipeline(cmd.Context(), gf, ca)
		},
	}

	f := cmd.Flags()
	f.StringP("provider", "p", "", "Provider to describe with")
	f.StringP("model", "m", "", "Model, defaults to the provider's default")
	f.String("prompt-style", "", "Named prompt style")
	f.String("prompt", "", "Custom prompt text, used when the provider accepts one")
	f.StringP("output", "o", "", "Output directory")
	f.String("steps", "", "Comma separated stages: extract,convert,describe,report")
	f.IntP("workers", "w", 0, "Concurrent provider calls")
	f.Duration("timeout", 0, "Per call timeout")
	f.Int("retries", 0, "Retries after a failed call")
	f.Bool("skip-existing", false, "Skip items that already have a description")
	f.Bool("resume", false, "Resume the last run recorded in the output directory")
	f.Bool("metadata", true, "Read embedded metadata for ordering")
	f.Bool("geocode", true, "Resolve GPS coordinates to place names")
	f.String("endpoint", "", "Provider endpoints as name=url[,name=url]")
	f.String("db", "", "Run database, defaults to <output>/mediascribe.db")

	return cmd
}

func sighandler(ch chan os.Signal, stop func(), cancel context.CancelFunc) {
	lameduck := false
	for range ch {
		if lameduck {
			// Already in lame duck, hard stop
			fmt.Fprintln(os.Stderr, "\nExiting")
			cancel()
			return
		}
		fmt.Fprintln(os.Stderr, "\nSIGINT received, finishing in-flight items...")
		lameduck = true
		stop()
	}
}

func runPipeline(ctx context.Context, gf *globalFlags, args config.Args) error {
	logger := gf.logger()

	cfg, err := config.Resolve(args, logger)
	if err != nil {
		return err
	}
	if len(cfg.Inputs) == 0 {
		return fmt.Errorf("no input paths given")
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return err
	}

	db, err := mediascribe.OpenDB(ctx, cfg.StateDBPath(), logger)
	if err != nil {
		return fmt.Errorf("opening run database: %w", err)
	}
	defer db.Close()

	hio := mediascribe.InitOptions{
		Endpoints:  cfg.Endpoints,
		APIKeys:    cfg.APIKeys,
		HttpClient: &http.Client{Timeout: cfg.TimeoutFor(true)},
		Logger:     logger,
	}
	if cfg.Model != "" {
		hio.Models = map[string]string{cfg.Provider: cfg.Model}
	}
	reg, err := mediascribe.Init(hio)
	if err != nil {
		return err
	}
	provider, err := reg.Get(cfg.Provider)
	if err != nil {
		return err
	}

	collectOpts := collect.Options{
		Exclude:      []string{cfg.OutputDir},
		SkipExisting: cfg.SkipExisting,
		Described:    db,
		Concurrency:  cfg.Workers,
		Logger:       logger,
	}
	pipeOpts := pipeline.Options{
		Config:   cfg,
		Provider: provider,
		Store:    db,
		Frames:   &media.FrameExtractor{Interval: cfg.FrameInterval, Logger: logger},
		Logger:   logger,
	}
	if cfg.Metadata {
		meta := metadata.New(logger)
		defer meta.Close()
		collectOpts.Metadata = meta
		pipeOpts.Metadata = meta
	}
	if cfg.Geocode {
		if err := os.MkdirAll(filepath.Dir(cfg.GeocodeDBPath), 0o755); err != nil {
			return err
		}
		gdb, err := mediascribe.OpenDB(ctx, cfg.GeocodeDBPath, logger)
		if err != nil {
			return fmt.Errorf("opening geocode cache: %w", err)
		}
		defer gdb.Close()
		pipeOpts.Geocoder = geocode.New(geocode.Options{
			UserAgent: cfg.GeocodeUserAgent,
			Store:     gdb,
			Interval:  cfg.GeocodeInterval,
			Logger:    logger,
		})
	}

	items, err := collect.Collect(ctx, cfg.Inputs, collectOpts)
	if err != nil {
		return err
	}
	fmt.Printf("Found %d items, describing with %s model %s\n", len(items), cfg.Provider, provider.Model())

	bar := progressbar.NewOptions(
		len(items),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(os.Stderr) }),
	)
	pipeOpts.OnStatus = func(s mediascribe.ProgressSnapshot) {
		bar.ChangeMax(s.TotalItems)
		bar.Describe(pipeline.StatusLine(s))
		bar.Set(s.Done())
	}

	o, err := pipeline.New(pipeOpts)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sigch := make(chan os.Signal, 2)
	signal.Notify(sigch, os.Interrupt)
	defer func() {
		// No signal is delivered after Stop returns, so closing is safe and
		// ends sighandler.
		signal.Stop(sigch)
		close(sigch)
	}()
	go sighandler(sigch, o.Stop, cancel)

	res, err := o.Run(ctx, items)
	bar.Finish()
	if res != nil {
		fmt.Println(res.Summary())
		if res.LogPath != "" {
			fmt.Println("Descriptions written to", res.LogPath)
		}
	}
	return err
}
