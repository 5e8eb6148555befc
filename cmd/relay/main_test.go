package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anthropics/feishu-relay/internal/biz/domain"
	"github.com/anthropics/feishu-relay/internal/infra/estop"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay-adaptive.log")
	require.NoError(t, os.WriteFile(path, []byte("one\ntwo\nthree\npart"), 0644))

	var out bytes.Buffer
	offset, err := tail(path, 2, &out)
	require.NoError(t, err)
	assert.Equal(t, "two\nthree\n", out.String())
	assert.Equal(t, int64(len("one\ntwo\nthree\n")), offset)

	out.Reset()
	_, err = tail(path, 0, &out)
	require.NoError(t, err)
	assert.Empty(t, out.String())

	_, err = tail(filepath.Join(t.TempDir(), "missing.log"), 5, &out)
	assert.Error(t, err)
}

func TestFollow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay-send.log")
	require.NoError(t, os.WriteFile(path, []byte("old\n"), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- follow(ctx, path, 4, out) }()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("new line\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	assert.Eventually(t, func() bool { return out.String() == "new line\n" }, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("follow did not stop")
	}
}

func TestSortedKeys(t *testing.T) {
	m := map[domain.InboundStatus]int{domain.InboundPending: 1, domain.InboundError: 2, domain.InboundProcessed: 3}
	assert.Equal(t, []domain.InboundStatus{domain.InboundError, domain.InboundPending, domain.InboundProcessed}, sortedKeys(m))
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestEmergencyStopCommands(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("RELAY_STATE_DIR", dir)

	out, err := execute(t, "estop", "on", "replying", "to", "itself")
	require.NoError(t, err)
	assert.Contains(t, out, "ENGAGED: replying to itself")
	assert.FileExists(t, filepath.Join(dir, estop.FileName))

	out, err = execute(t, "estop", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "ENGAGED")

	out, err = execute(t, "estop", "off")
	require.NoError(t, err)
	assert.Equal(t, "emergency stop off\n", out)
	assert.NoFileExists(t, filepath.Join(dir, estop.FileName))
}

func TestStatusAndRetryCommands(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("RELAY_STATE_DIR", dir)

	out, err := execute(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "lock")
	assert.Contains(t, out, "emergency stop")

	_, err = execute(t, "retry", "inbound", "nope")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "not found"), err.Error())
}
