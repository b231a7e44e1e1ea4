package config

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderEffective_Defaults(t *testing.T) {
	var buf bytes.Buffer
	err := RenderEffective(DefaultConfig(), &buf)
	require.NoError(t, err)

	output := buf.String()
	assert.Contains(t, output, "[engine]")
	assert.Contains(t, output, "workers   = 1")
	assert.Contains(t, output, "[target]")
	assert.Contains(t, output, "sqlite:")
	assert.Contains(t, output, "[logging]")
	assert.Contains(t, output, `log_level  = "info"`)
	assert.Contains(t, output, "[watch]")
	assert.Contains(t, output, "pid_file")
	assert.NotContains(t, output, "log_file")
}

func TestRenderEffective_LogFileShown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.LogFile = "/var/log/dsconverge.log"

	var buf bytes.Buffer
	err := RenderEffective(cfg, &buf)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `log_file   = "/var/log/dsconverge.log"`)
}

// failWriter is a writer that always fails, used to exercise error paths
// in the errWriter pattern.
type failWriter struct{}

var errWriteFailed = errors.New("write failed")

func (failWriter) Write([]byte) (int, error) {
	return 0, errWriteFailed
}

func TestRenderEffective_WriteError(t *testing.T) {
	err := RenderEffective(DefaultConfig(), failWriter{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errWriteFailed)
}
