package chatsync

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{BaseURL: "http://chat.local/"}
	cfg.defaults()

	assert.Equal(t, "http://chat.local", cfg.BaseURL)
	assert.Equal(t, "http://chat.local/ws", cfg.RealtimeURL)
	assert.Equal(t, DefaultMaxRetries, cfg.MaxRetries)
	assert.Equal(t, DefaultRetryDelay, cfg.RetryDelay)
	assert.Equal(t, BackoffLinear, cfg.Backoff)
	assert.Equal(t, DefaultTypingDebounce, cfg.TypingDebounce)
	assert.Equal(t, DefaultPresenceWindow, cfg.PresenceWindow)
	assert.Equal(t, 1500*time.Millisecond, cfg.TypingTTL())
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.Error(t, Config{MaxRetries: -1}.Validate())
	assert.Error(t, Config{Backoff: "random"}.Validate())
	assert.Error(t, Config{RetryDelay: -time.Second}.Validate())
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
[server]
base_url = "http://localhost:8080"

[auth]
user_id = "alice"
token = "alice"

[connection]
enabled = true
max_retries = 3
retry_delay_ms = 250
backoff = "exponential"

[chat]
typing_debounce_ms = 800
presence_window_ms = 40000
page_size = 20
`))
	require.NoError(t, err)

	assert.True(t, cfg.Enabled)
	assert.Equal(t, "alice", cfg.UserID)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryDelay)
	assert.Equal(t, BackoffExponential, cfg.Backoff)
	assert.Equal(t, 800*time.Millisecond, cfg.TypingDebounce)
	assert.Equal(t, 40*time.Second, cfg.PresenceWindow)
	assert.Equal(t, 20, cfg.PageSize)

	_, err = ParseConfig([]byte(`[connection]
backoff = "sometimes"`))
	assert.Error(t, err)
}

func TestLoadSaveConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	t.Run("missing file", func(t *testing.T) {
		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, Config{}, cfg)
	})

	t.Run("round trip", func(t *testing.T) {
		want := Config{
			BaseURL:        "http://localhost:8080",
			UserID:         "bob",
			Token:          "bob",
			MaxRetries:     7,
			RetryDelay:     2 * time.Second,
			TypingDebounce: time.Second,
		}
		require.NoError(t, SaveConfig(path, want))

		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

		got, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})
}
