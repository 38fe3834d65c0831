package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/chriskillpack/mediascribe"
	"github.com/chriskillpack/mediascribe/internal/config"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func providersCommand(gf *globalFlags) *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "List the available providers and what they support",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := gf.logger()
			cfg, err := config.Resolve(gf.args(), logger)
			if err != nil {
				return err
			}
			reg, err := mediascribe.Init(mediascribe.InitOptions{
				Endpoints:  cfg.Endpoints,
				APIKeys:    cfg.APIKeys,
				HttpClient: &http.Client{Timeout: 10 * time.Second},
				Logger:     logger,
			})
			if err != nil {
				return err
			}
			return listProviders(cmd.Context(), reg, cfg.Provider, check)
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "Initialize each provider and report whether it responds")
	return cmd
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "-"
}

func listProviders(ctx context.Context, reg *mediascribe.Registry, selected string, check bool) error {
	caps := reg.ListAvailable()

	health := make([]string, len(caps))
	if check {
		var g errgroup.Group
		for i, c := range caps {
			g.Go(func() error {
				h, err := reg.Get(c.Name)
				if err != nil {
					return err
				}
				cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
				defer cancel()
				health[i] = "down"
				if h.IsHealthy(cctx) {
					health[i] = "up"
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	header := "\tNAME\tDISPLAY NAME\tDEFAULT MODEL\tPROMPTS\tCUSTOM\tAPI KEY\tLOCAL"
	if check {
		header += "\tHEALTH"
	}
	fmt.Fprintln(w, header)
	for i, c := range caps {
		mark := ""
		if c.Name == selected {
			mark = "*"
		}
		key := yesNo(c.RequiresAPIKey)
		if c.RequiresAPIKey && c.APIKeyEnv != "" {
			key = "$" + c.APIKeyEnv
		}
		line := fmt.Sprintf("%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s", mark, c.Name, c.DisplayName, c.DefaultModel,
			yesNo(c.SupportsPrompts), yesNo(c.SupportsCustomPrompts), key, yesNo(c.Local))
		if check {
			line += "\t" + health[i]
		}
		fmt.Fprintln(w, line)
	}
	return w.Flush()
}
