package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONAndFile(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer

	logger, closer, err := New(Options{Role: "send", Dir: dir, Out: &buf})
	require.NoError(t, err)

	componentLogger := Component(logger, "Sender")
	componentLogger.Info().Int("count", 3).Msg("batch sent")
	logger.Debug().Msg("hidden at info level")
	require.NoError(t, closer.Close())

	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec))
	assert.Equal(t, "Sender", rec["component"])
	assert.Equal(t, "send", rec["role"])
	assert.Equal(t, "batch sent", rec["message"])

	data, err := os.ReadFile(filepath.Join(dir, "relay-send.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "batch sent")
	assert.NotContains(t, string(data), "hidden at info level")
}

func TestFilePathDefaultsRole(t *testing.T) {
	assert.Equal(t, filepath.Join("/tmp", "relay-relay.log"), FilePath("/tmp", ""))
}
