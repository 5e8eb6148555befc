package estop

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestFlagDefaultsInactive(t *testing.T) {
	f, err := New(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	assert.False(t, f.Active())
	assert.False(t, f.Status().Active)
}

func TestFlagSetClear(t *testing.T) {
	dir := t.TempDir()
	f, err := New(dir, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, f.Set("runaway thread"))
	assert.True(t, f.Active())
	st := f.Status()
	assert.True(t, st.Active)
	assert.Equal(t, "runaway thread", st.Reason)

	// a second process sharing the directory starts engaged
	other, err := New(dir, zerolog.Nop())
	require.NoError(t, err)
	assert.True(t, other.Active())

	require.NoError(t, f.Clear())
	assert.False(t, f.Active())
	require.NoError(t, f.Clear())
}

func TestFlagWatchSeesOtherProcess(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	f, err := New(dir, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Watch(ctx) }()

	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("ops\n"), 0644))
	assert.Eventually(t, f.Active, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(filepath.Join(dir, FileName)))
	assert.Eventually(t, func() bool { return !f.Active() }, 2*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
