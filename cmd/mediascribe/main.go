package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/chriskillpack/mediascribe/internal/config"
	"github.com/chriskillpack/mediascribe/internal/logging"
	"github.com/spf13/cobra"
)

type globalFlags struct {
	configPath   string
	workflowPath string
	verbose      bool
}

func (g *globalFlags) logger() *slog.Logger {
	level := slog.LevelInfo
	if g.verbose {
		level = slog.LevelDebug
	}
	return logging.New(os.Stderr, level)
}

func (g *globalFlags) args() config.Args {
	return config.Args{
		ConfigPath:   g.configPath,
		WorkflowPath: g.workflowPath,
		Overrides:    map[string]string{},
	}
}

func main() {
	var gf globalFlags

	rootCmd := &cobra.Command{
		Use:           "mediascribe",
		Short:         "Describe photos and videos with vision models",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&gf.configPath, "config", "", "Path to "+config.CustomFileName)
	rootCmd.PersistentFlags().StringVar(&gf.workflowPath, "workflow-config", "", "Path to "+config.WorkflowFileName)
	rootCmd.PersistentFlags().BoolVarP(&gf.verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(
		runCommand(&gf),
		statusCommand(&gf),
		providersCommand(&gf),
	)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
