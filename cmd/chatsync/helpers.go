package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/prismer-ai/chatsync"
	"github.com/prismer-ai/chatsync/internal/log"
)

const requestTimeout = 10 * time.Second

// loadUserConfig loads the config and fails when no user is configured.
func loadUserConfig() (chatsync.Config, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return chatsync.Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.UserID == "" {
		return chatsync.Config{}, fmt.Errorf("no user configured. Run 'chatsync init <user-id>' first")
	}
	if cfg.BaseURL == "" {
		return chatsync.Config{}, fmt.Errorf("no server configured. Run 'chatsync config set server.base_url <url>'")
	}
	return cfg, nil
}

// newChat builds a Chat for the configured user without connecting.
func newChat() (*chatsync.Chat, error) {
	cfg, err := loadUserConfig()
	if err != nil {
		return nil, err
	}
	cfg.Enabled = false
	logger := log.New(log.Config{Level: flagLogLevel, Pretty: flagPretty, Component: "chatsync"})
	return chatsync.New(cfg, chatsync.WithLogger(logger))
}

// connect enables chat and waits until it is connected.
func connect(ctx context.Context, chat *chatsync.Chat) error {
	if err := chat.Enable(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	errored := make(chan struct{}, 1)
	unsubscribe := chat.Subscribe(func(c chatsync.Change) {
		if c.Kind == chatsync.ChangeConnection && c.State == chatsync.StateErrored {
			select {
			case errored <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	done := make(chan error, 1)
	go func() { done <- chat.WaitForState(ctx, chatsync.StateConnected) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("not connected (%s): %w", chat.ConnectionState(), err)
		}
		return nil
	case <-errored:
		return fmt.Errorf("connection failed: %s", chat.LastError())
	}
}

func parseConversationID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid conversation id %q", s)
	}
	return id, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printMessage(m chatsync.Message) {
	id := "-"
	if m.Confirmed() {
		id = strconv.FormatInt(m.ServerID, 10)
	}
	line := fmt.Sprintf("[%s] #%s %-9s %s: %s", m.CreatedAt.Local().Format("15:04:05"), id, m.State, m.SenderID, m.Body)
	if m.Error != "" {
		line += "  (" + m.Error + ")"
	}
	fmt.Println(line)
}
