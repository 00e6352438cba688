package cli

import (
	"testing"

	"github.com/harun/streamrelay/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigureCommand(t *testing.T) {
	t.Run("help text", func(t *testing.T) {
		out, err := execute(t, "configure", "--help")
		require.NoError(t, err)
		assert.Contains(t, out, "configuration file")
		assert.Contains(t, out, "--bot-token")
	})

	t.Run("writes overrides", func(t *testing.T) {
		_, configPath := testEnv(t)

		out, err := execute(t, "configure", "--config", configPath,
			"--bot-token", "123:abc",
			"--enable-admin", "--admin-port", "9100", "--admin-secret", "s3cret")
		require.NoError(t, err)
		assert.Contains(t, out, configPath)
		assert.NotContains(t, out, "123:abc")

		cfg, err := config.Load(configPath)
		require.NoError(t, err)
		assert.True(t, cfg.Telegram.Enabled)
		assert.Equal(t, "123:abc", cfg.Telegram.BotToken)
		assert.True(t, cfg.Admin.Enabled)
		assert.Equal(t, 9100, cfg.Admin.Port)
		assert.Equal(t, "s3cret", cfg.Admin.SharedSecret)
	})

	t.Run("keeps existing settings", func(t *testing.T) {
		_, configPath := testEnv(t)

		_, err := execute(t, "configure", "--config", configPath, "--no-telegram")
		require.NoError(t, err)
		_, err = execute(t, "configure", "--config", configPath, "--enable-admin", "--admin-port", "9200")
		require.NoError(t, err)

		cfg, err := config.Load(configPath)
		require.NoError(t, err)
		assert.False(t, cfg.Telegram.Enabled)
		assert.True(t, cfg.Admin.Enabled)
		assert.Equal(t, 9200, cfg.Admin.Port)
	})

	t.Run("rejects invalid result", func(t *testing.T) {
		_, configPath := testEnv(t)

		_, err := execute(t, "configure", "--config", configPath)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid configuration")
	})
}
