// Package cli assembles agentmux's cobra command tree: serve boots every
// configured channel adapter against the orchestrator, dispatch enqueue lets
// an operator push a one-shot or recurring DISPATCH task from outside any
// channel.
//
// Grounded on go-mizu-mizu/blueprints/githome/cli's root+serve command
// layout, adapted from that single-process web server to agentmux's
// multi-adapter gateway supervisor.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"

	configPath string
)

func Execute(ctx context.Context) error {
	rootCmd := &cobra.Command{
		Use:     "agentmux",
		Short:   "agentmux - multi-platform chat bridge to AI agent backends",
		Version: fmt.Sprintf("%s (commit: %s)", Version, Commit),
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "agentmux.yaml", "path to the config file (.yaml, .json, or .json5)")

	rootCmd.AddCommand(
		newServeCmd(),
		newDispatchCmd(),
	)

	return rootCmd.ExecuteContext(ctx)
}
