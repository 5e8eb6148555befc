// Package estop holds the process-wide emergency-stop flag.
//
// The flag is a marker file in the state directory so that every daemon sharing
// the directory sees the same value. Each process mirrors the file into an
// atomic.Bool and keeps it current with an fsnotify watch.
package estop

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/anthropics/feishu-relay/internal/infra/metrics"
)

// FileName is the marker file name inside the state directory
const FileName = "EMERGENCY_STOP"

// Flag is the emergency-stop switch
type Flag struct {
	path   string
	active atomic.Bool
	log    zerolog.Logger
}

// Status describes the marker
type Status struct {
	Active bool      `json:"active"`
	Reason string    `json:"reason,omitempty"`
	Since  time.Time `json:"since,omitempty"`
}

// New creates a flag backed by dir and loads the current marker state
func New(dir string, log zerolog.Logger) (*Flag, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	f := &Flag{path: filepath.Join(dir, FileName), log: log}
	f.Refresh()
	return f, nil
}

// Active reports whether the stop is engaged
func (f *Flag) Active() bool {
	return f.active.Load()
}

// Set engages the stop for every process sharing the state directory
func (f *Flag) Set(reason string) error {
	if reason == "" {
		reason = "manual"
	}
	if err := os.WriteFile(f.path, []byte(reason+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write emergency stop marker: %w", err)
	}
	f.store(true)
	f.log.Warn().Str("reason", reason).Msg("emergency stop engaged")
	return nil
}

// Clear disengages the stop
func (f *Flag) Clear() error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove emergency stop marker: %w", err)
	}
	f.store(false)
	f.log.Info().Msg("emergency stop cleared")
	return nil
}

// Status reads the marker from disk
func (f *Flag) Status() Status {
	info, err := os.Stat(f.path)
	if err != nil {
		return Status{}
	}
	data, _ := os.ReadFile(f.path)
	return Status{Active: true, Reason: strings.TrimSpace(string(data)), Since: info.ModTime()}
}

// Refresh re-reads the marker into the in-memory flag
func (f *Flag) Refresh() bool {
	_, err := os.Stat(f.path)
	active := err == nil
	if prev := f.active.Load(); prev != active {
		if active {
			f.log.Warn().Msg("emergency stop marker appeared")
		} else {
			f.log.Info().Msg("emergency stop marker removed")
		}
	}
	f.store(active)
	return active
}

func (f *Flag) store(active bool) {
	f.active.Store(active)
	if active {
		metrics.EmergencyStop.Set(1)
	} else {
		metrics.EmergencyStop.Set(0)
	}
}

// Watch follows marker changes made by other processes until ctx is done
func (f *Flag) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(f.path), err)
	}
	// the marker may have changed between New and Add
	f.Refresh()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) == FileName {
				f.Refresh()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.log.Error().Err(err).Msg("emergency stop watcher error")
		}
	}
}
