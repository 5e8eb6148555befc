package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/anthropics/feishu-relay/internal/biz/usecase"
	"github.com/anthropics/feishu-relay/internal/infra/logging"
	"github.com/anthropics/feishu-relay/internal/infra/pidfile"
	"github.com/anthropics/feishu-relay/internal/mcp"
)

var statusJSON bool

// statusCmd prints daemons, queue counts, the lock holder and the stop flag
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemons, queue depth and emergency-stop state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, "")
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := a.admin().Status(ctx)
		if err != nil {
			return err
		}
		daemons := make(map[string]int)
		for _, role := range allRoles() {
			if running, pid := pidfile.IsRunning(pidfile.Path(a.cfg.StateDir, role)); running {
				daemons[role] = pid
			}
		}

		out := cmd.OutOrStdout()
		if statusJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				Daemons map[string]int `json:"daemons"`
				*usecase.Status
			}{daemons, st})
		}
		printStatus(out, daemons, st)
		return nil
	},
}

func printStatus(out io.Writer, daemons map[string]int, st *usecase.Status) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "DAEMON\tPID")
	for _, role := range allRoles() {
		if pid, ok := daemons[role]; ok {
			fmt.Fprintf(w, "%s\t%d\n", role, pid)
		} else {
			fmt.Fprintf(w, "%s\t-\n", role)
		}
	}

	fmt.Fprintln(w, "\nQUEUE\tSTATUS\tCOUNT")
	for _, k := range sortedKeys(st.Queue.Inbound) {
		fmt.Fprintf(w, "inbound\t%s\t%d\n", k, st.Queue.Inbound[k])
	}
	for _, k := range sortedKeys(st.Queue.Outbound) {
		fmt.Fprintf(w, "outbound\t%s\t%d\n", k, st.Queue.Outbound[k])
	}
	fmt.Fprintf(w, "responded\t\t%d\n", st.Queue.Responded)
	fmt.Fprintf(w, "threads\t\t%d\n", st.Queue.ThreadWatches)

	fmt.Fprintln(w)
	fmt.Fprintf(w, "operations\t%d active\n", len(st.Operations))
	for _, op := range st.Operations {
		fmt.Fprintf(w, "  %s\tpid %d on %s for %s\n", op.Role, op.PID, op.Host, time.Since(op.StartedAt).Round(time.Second))
	}
	if st.Lock != nil {
		fmt.Fprintf(w, "lock\t%s (pid %d on %s) for %s\n", st.Lock.Owner, st.Lock.PID, st.Lock.Host, time.Since(st.Lock.AcquiredAt).Round(time.Second))
	} else {
		fmt.Fprintln(w, "lock\tfree")
	}
	if st.EmergencyStop.Active {
		fmt.Fprintf(w, "emergency stop\tENGAGED: %s\n", st.EmergencyStop.Reason)
	} else {
		fmt.Fprintln(w, "emergency stop\toff")
	}
}

func sortedKeys[K ~string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// estopCmd manages the emergency stop
var estopCmd = &cobra.Command{
	Use:   "estop",
	Short: "Engage, clear or show the emergency stop",
	Long: `The emergency stop is a marker file in the state directory. While it
exists no daemon generates or posts anything; queued work is kept.`,
}

var estopOnCmd = &cobra.Command{
	Use:   "on [reason...]",
	Short: "Engage the emergency stop",
	RunE: func(cmd *cobra.Command, args []string) error {
		return setStop(cmd, true, strings.Join(args, " "))
	},
}

var estopOffCmd = &cobra.Command{
	Use:   "off",
	Short: "Clear the emergency stop",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return setStop(cmd, false, "")
	},
}

var estopStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the emergency stop",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), "")
		if err != nil {
			return err
		}
		defer a.Close()
		st := a.admin().EmergencyStop()
		printStop(cmd.OutOrStdout(), st.Active, st.Reason)
		return nil
	},
}

func setStop(cmd *cobra.Command, active bool, reason string) error {
	a, err := openApp(cmd.Context(), "")
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.admin().SetEmergencyStop(active, reason)
	if err != nil {
		return err
	}
	printStop(cmd.OutOrStdout(), st.Active, st.Reason)
	return nil
}

func printStop(out io.Writer, active bool, reason string) {
	if active {
		fmt.Fprintf(out, "emergency stop ENGAGED: %s\n", reason)
		return
	}
	fmt.Fprintln(out, "emergency stop off")
}

// retryCmd requeues errored items
var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Move an errored item back to pending",
}

var retryInboundCmd = &cobra.Command{
	Use:   "inbound <id>",
	Short: "Retry generation for an inbound message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), "")
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.admin().RetryInbound(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "inbound %s requeued\n", args[0])
		return nil
	},
}

var retryOutboundCmd = &cobra.Command{
	Use:   "outbound <id>",
	Short: "Retry delivery of an outbound reply",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), "")
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.admin().RetryOutbound(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "outbound %s requeued\n", args[0])
		return nil
	},
}

// askCmd runs one generation outside the queue
var askCmd = &cobra.Command{
	Use:   "ask <text...>",
	Short: "Generate a reply to text directly, without the queue",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx, "")
		if err != nil {
			return err
		}
		defer a.Close()

		processor, err := a.processor(nil)
		if err != nil {
			return err
		}
		reply, err := processor.Respond(ctx, strings.Join(args, " "), nil)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), reply)
		return nil
	},
}

// mcpCmd serves admin tools to an MCP client over stdio
var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve relay administration tools over MCP stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// stdout carries the protocol; logs go to stderr and the mcp log file
		a, err := openApp(ctx, "mcp")
		if err != nil {
			return err
		}
		defer a.Close()
		return mcp.NewServer(a.admin(), version, logging.Component(a.log, "MCP")).Run(ctx)
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print JSON")

	estopCmd.AddCommand(estopOnCmd, estopOffCmd, estopStatusCmd)
	retryCmd.AddCommand(retryInboundCmd, retryOutboundCmd)

	rootCmd.AddCommand(statusCmd, estopCmd, retryCmd, askCmd, mcpCmd)
}
