package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/anthropics/feishu-relay/internal/conf"
	"github.com/anthropics/feishu-relay/internal/infra/logging"
	"github.com/anthropics/feishu-relay/internal/service"
)

var (
	logsRole   string
	logsLines  int
	logsFollow bool
)

// logsCmd prints a daemon's log file
var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Print or follow a daemon's log file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := conf.LoadFromEnv()
		if err != nil {
			return err
		}
		path := logging.FilePath(cfg.LogDir(), logsRole)

		out := cmd.OutOrStdout()
		offset, err := tail(path, logsLines, out)
		if err != nil {
			return err
		}
		if !logsFollow {
			return nil
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return follow(ctx, path, offset, out)
	},
}

// tail writes the last n lines of path and returns the offset it read up to
func tail(path string, n int, out io.Writer) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open log: %w", err)
	}
	defer f.Close()

	if n < 0 {
		n = 0
	}
	ring := make([]string, 0, n)
	var offset int64
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadString('\n')
		if errors.Is(err, io.EOF) {
			// a partial last line is left for follow to finish
			break
		}
		if err != nil {
			return 0, err
		}
		offset += int64(len(line))
		if n <= 0 {
			continue
		}
		if len(ring) == n {
			ring = ring[1:]
		}
		ring = append(ring, line)
	}
	for _, line := range ring {
		if _, err := io.WriteString(out, line); err != nil {
			return 0, err
		}
	}
	return offset, nil
}

// follow copies bytes appended to path after offset until ctx is done.
// A truncated or recreated file is read again from the start.
func follow(ctx context.Context, path string, offset int64, out io.Writer) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch log directory: %w", err)
	}

	copyNew := func() error {
		f, err := os.Open(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				offset = 0
				return nil
			}
			return err
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return err
		}
		if info.Size() < offset {
			offset = 0
		}
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return err
		}
		n, err := io.Copy(out, f)
		offset += n
		return err
	}

	// catch up on anything written between tail and Add
	if err := copyNew(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				if err := copyNew(); err != nil {
					return err
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("log watch failed: %w", err)
		}
	}
}

func init() {
	logsCmd.Flags().StringVarP(&logsRole, "role", "r", string(service.RoleAdaptive), "daemon role, or serve/mcp")
	logsCmd.Flags().IntVarP(&logsLines, "lines", "n", 50, "number of lines to print")
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "keep printing new lines")
	rootCmd.AddCommand(logsCmd)
}
