package cli

import (
	"strings"
	"testing"

	"github.com/harun/streamrelay/internal/daemon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	t.Run("version flag", func(t *testing.T) {
		out, err := execute(t, "--version")
		require.NoError(t, err)

		assert.Contains(t, out, "streamrelay version")
		assert.Contains(t, out, GetVersion())
	})

	t.Run("help flag", func(t *testing.T) {
		out, err := execute(t, "--help")
		require.NoError(t, err)

		assert.Contains(t, out, "Streamrelay")
		assert.Contains(t, out, "listen keys")
	})

	t.Run("global flags", func(t *testing.T) {
		configFlag := rootCmd.PersistentFlags().Lookup("config")
		require.NotNil(t, configFlag)
		assert.Equal(t, "", configFlag.DefValue)

		logLevelFlag := rootCmd.PersistentFlags().Lookup("log-level")
		require.NotNil(t, logLevelFlag)
		assert.Equal(t, "info", logLevelFlag.DefValue)
	})
}

func TestGetVersion(t *testing.T) {
	assert.True(t, strings.HasPrefix(GetVersion(), "0."))
	assert.Equal(t, GetVersion(), daemon.Version)
}

func TestLoadConfig_LogLevelOverride(t *testing.T) {
	_, configPath := testEnv(t)

	resetFlags(rootCmd)
	require.NoError(t, rootCmd.PersistentFlags().Set("config", configPath))
	_, cfg, err := loadConfig(rootCmd)
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.Level)

	require.NoError(t, rootCmd.PersistentFlags().Set("log-level", "debug"))
	_, cfg, err = loadConfig(rootCmd)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)

	resetFlags(rootCmd)
}
