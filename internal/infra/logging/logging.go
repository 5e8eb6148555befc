package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Options controls root logger construction
type Options struct {
	Debug bool
	// Role names the daemon; it selects the log file name
	Role string
	// Dir receives per-role log files; empty disables file output
	Dir string
	// Out overrides the console writer, mainly for tests
	Out io.Writer
}

// New builds the root logger. Debug mode writes human-readable console output,
// otherwise JSON lines. When Dir is set every record is also appended to the role's log file.
func New(opts Options) (zerolog.Logger, io.Closer, error) {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}

	var console io.Writer = out
	if opts.Debug {
		console = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	writers := []io.Writer{console}
	var closer io.Closer = nopCloser{}

	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0755); err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(FilePath(opts.Dir, opts.Role), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writers = append(writers, f)
		closer = f
	}

	level := zerolog.InfoLevel
	if opts.Debug {
		level = zerolog.DebugLevel
	}

	ctx := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().
		Timestamp()
	if opts.Role != "" {
		ctx = ctx.Str("role", opts.Role)
	}
	return ctx.Logger(), closer, nil
}

// Component returns a sub-logger tagged with a component name
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

// FilePath returns the log file used by a daemon role
func FilePath(dir, role string) string {
	if role == "" {
		role = "relay"
	}
	return filepath.Join(dir, fmt.Sprintf("relay-%s.log", role))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
