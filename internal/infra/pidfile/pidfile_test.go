package pidfile

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndRemove(t *testing.T) {
	path := Path(t.TempDir(), "send")
	require.NoError(t, Write(path))

	running, pid := IsRunning(path)
	assert.True(t, running)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, Remove(path))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestWriteRefusesLiveOwner(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})

	path := filepath.Join(t.TempDir(), "relay-fetch.pid")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(cmd.Process.Pid)), 0644))

	err := Write(path)
	assert.ErrorIs(t, err, ErrRunning)
}

func TestWriteReplacesDeadOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay-fetch.pid")
	require.NoError(t, os.WriteFile(path, []byte("4194304"), 0644))

	require.NoError(t, Write(path))
	pid, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestRemoveLeavesForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay-send.pid")
	require.NoError(t, os.WriteFile(path, []byte("4194304"), 0644))

	require.NoError(t, Remove(path))
	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestTerminate(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()

	_, err := Terminate(cmd.Process.Pid, 2*time.Second)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
}
