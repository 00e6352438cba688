package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoader(t *testing.T) {
	loader := NewLoader("/path/to/config.json")
	assert.NotNil(t, loader)
	assert.Equal(t, "/path/to/config.json", loader.GetConfigPath())
}

func TestLoaderLoad(t *testing.T) {
	t.Run("defaults when file doesn't exist", func(t *testing.T) {
		tmpDir := t.TempDir()
		t.Setenv("STREAMRELAY_DATA_DIR", tmpDir)

		cfg, err := NewLoader(filepath.Join(tmpDir, "missing.json")).Load()
		require.NoError(t, err)

		assert.Equal(t, "https://api.binance.com", cfg.Exchange.BaseURL)
		assert.Equal(t, tmpDir, cfg.DataDir)
		assert.Equal(t, filepath.Join(tmpDir, "profiles.db"), cfg.DatabasePath)
		assert.Equal(t, filepath.Join(tmpDir, "streamrelay.log"), cfg.Logging.File)
	})

	t.Run("values from file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")

		content := `{
			"telegram": {"bot_token": "123:abc", "send_rate": 10},
			"exchange": {"renewal_interval": "15m", "retry_transient": true},
			"data_dir": "` + tmpDir + `"
		}`
		require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

		cfg, err := NewLoader(configPath).Load()
		require.NoError(t, err)

		assert.Equal(t, "123:abc", cfg.Telegram.BotToken)
		assert.Equal(t, float64(10), cfg.Telegram.SendRate)
		assert.Equal(t, 15*time.Minute, cfg.Exchange.RenewalInterval)
		assert.True(t, cfg.Exchange.RetryTransient)
		// Untouched keys keep their defaults.
		assert.Equal(t, 24*time.Hour, cfg.Exchange.ConnectionDeadline)
		assert.Equal(t, 5, cfg.Telegram.SendBurst)
	})

	t.Run("environment overrides file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")
		require.NoError(t, os.WriteFile(configPath, []byte(`{"telegram": {"bot_token": "from-file"}}`), 0644))

		t.Setenv("STREAMRELAY_TELEGRAM_BOT_TOKEN", "from-env")
		t.Setenv("STREAMRELAY_DATA_DIR", tmpDir)

		cfg, err := NewLoader(configPath).Load()
		require.NoError(t, err)
		assert.Equal(t, "from-env", cfg.Telegram.BotToken)
	})

	t.Run("invalid json", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "config.json")
		require.NoError(t, os.WriteFile(configPath, []byte(`{invalid json}`), 0644))

		_, err := NewLoader(configPath).Load()
		assert.Error(t, err)
	})
}

func TestLoaderSaveRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "nested", "config.json")

	cfg := DefaultConfig()
	cfg.Telegram.BotToken = "123:abc"
	cfg.Exchange.RenewalInterval = 20 * time.Minute
	cfg.DataDir = tmpDir

	loader := NewLoader(configPath)
	require.NoError(t, loader.Save(cfg))

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "123:abc", loaded.Telegram.BotToken)
	assert.Equal(t, 20*time.Minute, loaded.Exchange.RenewalInterval)
	assert.Equal(t, tmpDir, loaded.DataDir)
}

func TestLoaderWatch(t *testing.T) {
	t.Run("requires load first", func(t *testing.T) {
		err := NewLoader(filepath.Join(t.TempDir(), "c.json")).Watch(func(*Config) {}, nil)
		assert.Error(t, err)
	})

	t.Run("reports changed level", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")
		require.NoError(t, os.WriteFile(configPath, []byte(`{"data_dir": "`+tmpDir+`", "logging": {"level": "info"}}`), 0644))

		loader := NewLoader(configPath)
		_, err := loader.Load()
		require.NoError(t, err)

		levels := make(chan string, 16)
		require.NoError(t, loader.Watch(func(c *Config) { levels <- c.Logging.Level }, nil))

		require.NoError(t, os.WriteFile(configPath, []byte(`{"data_dir": "`+tmpDir+`", "logging": {"level": "debug"}}`), 0644))

		// A truncate-then-write can surface as more than one event.
		deadline := time.After(5 * time.Second)
		for {
			select {
			case level := <-levels:
				if level == "debug" {
					return
				}
			case <-deadline:
				t.Fatal("config change was not observed")
			}
		}
	})
}
