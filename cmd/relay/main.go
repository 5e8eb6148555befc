// Command relay polls chat channels, generates replies and posts them back.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/anthropics/feishu-relay/internal/service"
)

var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Chat relay that answers channel messages with generated replies",
	Long: `relay watches Feishu or Slack channels, queues matching messages,
generates a reply for each and posts it into the message's thread.

Work is split into fetch, process and send phases that share one queue store,
so several daemons (one per role, or one adaptive daemon) can run side by side.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configPath != "" {
			return os.Setenv("RELAY_CONFIG", configPath)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (overrides RELAY_CONFIG)")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if errors.Is(err, service.ErrFatal) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
