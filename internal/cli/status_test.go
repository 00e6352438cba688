package cli

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/harun/streamrelay/internal/daemon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusCommand(t *testing.T) {
	t.Run("help text", func(t *testing.T) {
		out, err := execute(t, "status", "--help")
		require.NoError(t, err)
		assert.Contains(t, out, "PID and uptime")
	})

	t.Run("stopped", func(t *testing.T) {
		_, configPath := testEnv(t)

		out, err := execute(t, "status", "--config", configPath)
		require.NoError(t, err)
		assert.Contains(t, out, "Status: stopped")
	})

	t.Run("running", func(t *testing.T) {
		home, configPath := testEnv(t)
		dataDir := filepath.Join(home, ".streamrelay")
		require.NoError(t, os.MkdirAll(dataDir, 0700))
		require.NoError(t, os.WriteFile(daemon.PIDFile(dataDir), []byte(strconv.Itoa(os.Getpid())), 0644))

		out, err := execute(t, "status", "--config", configPath)
		require.NoError(t, err)
		assert.Contains(t, out, "Status: running")
		assert.Contains(t, out, "PID: "+strconv.Itoa(os.Getpid()))
		assert.Contains(t, out, "Uptime:")
	})
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected string
	}{
		{"seconds only", 45 * time.Second, "45s"},
		{"minutes and seconds", 2*time.Minute + 30*time.Second, "2m30s"},
		{"hours minutes seconds", 3*time.Hour + 15*time.Minute + 20*time.Second, "3h15m20s"},
		{"zero", 0, "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatDuration(tt.duration))
		})
	}
}
