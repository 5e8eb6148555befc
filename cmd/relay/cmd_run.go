package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/anthropics/feishu-relay/internal/api"
	"github.com/anthropics/feishu-relay/internal/conf"
	"github.com/anthropics/feishu-relay/internal/infra/logging"
	"github.com/anthropics/feishu-relay/internal/infra/pidfile"
	"github.com/anthropics/feishu-relay/internal/service"
)

var (
	runRole   string
	runHTTP   string
	serveAddr string

	stopRole  string
	stopGrace time.Duration
)

// runCmd starts a daemon in the foreground
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a relay daemon in the foreground",
	Long: `Run the control loop for one role until interrupted.

Roles:
  adaptive - send, fetch and process in one process, picking the phase with work
  fetch    - only poll channels into the inbound queue
  process  - only generate replies for queued messages
  send     - only post queued replies

One daemon per role may run on a host. The first SIGINT/SIGTERM finishes the
current phase and exits; a second one exits immediately.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		role, err := service.ParseRole(runRole)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		a, err := openApp(ctx, string(role))
		if err != nil {
			return err
		}
		defer a.Close()

		d, err := a.daemon(role)
		if err != nil {
			return err
		}
		if runHTTP == "" {
			return d.Run(ctx)
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			defer cancel()
			return d.Run(gctx)
		})
		g.Go(func() error {
			return api.NewServer(a.admin(), runHTTP, logging.Component(a.log, "HTTP")).Run(gctx)
		})
		return g.Wait()
	},
}

// stopCmd signals a running daemon
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := conf.LoadFromEnv()
		if err != nil {
			return err
		}
		roles := []string{stopRole}
		if stopRole == "all" {
			roles = allRoles()
		}

		var failed error
		for _, role := range roles {
			pid, err := pidfile.Stop(pidfile.Path(cfg.StateDir, role), stopGrace)
			if err != nil {
				if stopRole != "all" {
					failed = fmt.Errorf("%s: %w", role, err)
				}
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stopped %s (pid %d)\n", role, pid)
		}
		return failed
	},
}

// serveCmd runs only the HTTP status surface
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP status and control API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx, "serve")
		if err != nil {
			return err
		}
		defer a.Close()

		addr := serveAddr
		if addr == "" {
			addr = a.cfg.HTTP.Addr
		}
		return api.NewServer(a.admin(), addr, logging.Component(a.log, "HTTP")).Run(ctx)
	},
}

func allRoles() []string {
	return []string{
		string(service.RoleAdaptive),
		string(service.RoleFetch),
		string(service.RoleProcess),
		string(service.RoleSend),
	}
}

func init() {
	runCmd.Flags().StringVarP(&runRole, "role", "r", string(service.RoleAdaptive), "daemon role: adaptive, fetch, process or send")
	runCmd.Flags().StringVar(&runHTTP, "http", "", "also serve the status API on this address")

	stopCmd.Flags().StringVarP(&stopRole, "role", "r", string(service.RoleAdaptive), "daemon role to stop, or all")
	stopCmd.Flags().DurationVar(&stopGrace, "grace", 15*time.Second, "wait before SIGKILL")

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from RELAY_HTTP_ADDR)")

	rootCmd.AddCommand(runCmd, stopCmd, serveCmd)
}
