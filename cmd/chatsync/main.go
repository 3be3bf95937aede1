package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/prismer-ai/chatsync"
)

// ============================================================================
// Config helpers
// ============================================================================

var (
	flagConfig   string
	flagLogLevel string
	flagPretty   bool
)

// configPath returns --config or ~/.chatsync/config.toml, creating the
// directory if needed.
func configPath() (string, error) {
	if flagConfig != "" {
		return flagConfig, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return filepath.Join(dir, "config.toml"), nil
}

func loadConfig() (chatsync.Config, string, error) {
	path, err := configPath()
	if err != nil {
		return chatsync.Config{}, "", err
	}
	cfg, err := chatsync.LoadConfig(path)
	return cfg, path, err
}

// setConfigValue sets a config field using dot notation (e.g. "auth.user_id").
func setConfigValue(f *chatsync.FileConfig, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. server.base_url)")
	}
	section, field := parts[0], parts[1]

	atoi := func() (int, error) {
		n, err := strconv.Atoi(value)
		if err != nil {
			return 0, fmt.Errorf("%s must be an integer: %w", key, err)
		}
		return n, nil
	}
	atob := func() (bool, error) {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return false, fmt.Errorf("%s must be true or false: %w", key, err)
		}
		return b, nil
	}

	var err error
	switch section {
	case "server":
		switch field {
		case "base_url":
			f.Server.BaseURL = value
		case "realtime_url":
			f.Server.RealtimeURL = value
		default:
			return fmt.Errorf("unknown field %q in section [server]", field)
		}
	case "auth":
		switch field {
		case "user_id":
			f.Auth.UserID = value
		case "token":
			f.Auth.Token = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "connection":
		c := &f.Connection
		switch field {
		case "enabled":
			c.Enabled, err = atob()
		case "max_retries":
			c.MaxRetries, err = atoi()
		case "retry_delay_ms":
			c.RetryDelayMs, err = atoi()
		case "max_retry_delay_ms":
			c.MaxRetryDelayMs, err = atoi()
		case "backoff":
			c.Backoff = value
		case "heartbeat_interval_ms":
			c.HeartbeatIntervalMs, err = atoi()
		case "handshake_timeout_ms":
			c.HandshakeTimeoutMs, err = atoi()
		default:
			return fmt.Errorf("unknown field %q in section [connection]", field)
		}
	case "chat":
		c := &f.Chat
		switch field {
		case "typing_debounce_ms":
			c.TypingDebounceMs, err = atoi()
		case "presence_window_ms":
			c.PresenceWindowMs, err = atoi()
		case "send_timeout_ms":
			c.SendTimeoutMs, err = atoi()
		case "page_size":
			c.PageSize, err = atoi()
		case "disable_resync":
			c.DisableResync, err = atob()
		default:
			return fmt.Errorf("unknown field %q in section [chat]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: server, auth, connection, chat)", section)
	}
	return err
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:           "chatsync",
	Short:         "Real-time chat sync CLI",
	Long:          "Command-line interface for the chatsync core.\nRun a reference chat server, follow conversations live, and send messages.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default ~/.chatsync/config.toml)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "warn", "log level: trace, debug, info, warn, error, off")
	rootCmd.PersistentFlags().BoolVar(&flagPretty, "pretty", false, "human-readable logs")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
