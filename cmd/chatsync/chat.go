package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/prismer-ai/chatsync"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	jsonOutput bool

	// history
	historyPage int

	// send
	sendWait time.Duration
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output raw JSON")

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(statusCmd)

	historyCmd.Flags().IntVar(&historyPage, "page", 1, "history page (1 is the oldest)")
	sendCmd.Flags().DurationVar(&sendWait, "wait", 20*time.Second, "how long to wait for the server to confirm")
}

// ============================================================================
// conversations / start
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		chat, err := newChat()
		if err != nil {
			return err
		}
		defer chat.Close()

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		convs, err := chat.Conversations(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if jsonOutput {
			return printJSON(convs)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return nil
		}

		cfg, _ := loadUserConfig()
		for _, c := range convs {
			last := "never"
			if c.LastMessageAt != nil {
				last = c.LastMessageAt.Local().Format(time.RFC3339)
			}
			fmt.Printf("%-6d %-20s unread=%-3d last=%s\n", c.ID, c.Other(cfg.UserID), c.UnreadCount, last)
		}
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start <user-id>",
	Short: "Start (or reopen) a conversation with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chat, err := newChat()
		if err != nil {
			return err
		}
		defer chat.Close()

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		conv, err := chat.StartConversation(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if jsonOutput {
			return printJSON(conv)
		}
		fmt.Printf("Conversation %d with %s\n", conv.ID, args[0])
		return nil
	},
}

// ============================================================================
// history / send
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Print one page of message history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseConversationID(args[0])
		if err != nil {
			return err
		}
		chat, err := newChat()
		if err != nil {
			return err
		}
		defer chat.Close()

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		msgs, err := chat.LoadPage(ctx, id, historyPage)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range msgs {
			printMessage(m)
		}
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a message and wait for confirmation",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseConversationID(args[0])
		if err != nil {
			return err
		}
		chat, err := newChat()
		if err != nil {
			return err
		}
		defer chat.Close()

		ctx, cancel := context.WithTimeout(context.Background(), sendWait)
		defer cancel()
		if err := connect(ctx, chat); err != nil {
			return err
		}

		settled := make(chan struct{}, 1)
		var cid string
		unsubscribe := chat.Subscribe(func(c chatsync.Change) {
			if c.Kind != chatsync.ChangeMessages || c.ConversationID != id {
				return
			}
			select {
			case settled <- struct{}{}:
			default:
			}
		})
		defer unsubscribe()

		cid, err = chat.Send(id, strings.Join(args[1:], " "))
		if err != nil {
			return err
		}

		for {
			m, ok := chat.Message(cid)
			if ok && (m.Confirmed() || m.State == chatsync.DeliveryFailed) {
				if jsonOutput {
					return printJSON(m)
				}
				printMessage(m)
				if m.State == chatsync.DeliveryFailed {
					return fmt.Errorf("send failed: %s", m.Error)
				}
				return nil
			}
			select {
			case <-settled:
			case <-ctx.Done():
				return fmt.Errorf("message %s still %s: %w", cid, m.State, ctx.Err())
			}
		}
	},
}

// ============================================================================
// tail / status
// ============================================================================

var tailCmd = &cobra.Command{
	Use:   "tail <conversation-id>",
	Short: "Follow a conversation live",
	Long:  "Load the latest history, then print new messages, read receipts, typing and presence until interrupted.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseConversationID(args[0])
		if err != nil {
			return err
		}
		chat, err := newChat()
		if err != nil {
			return err
		}
		defer chat.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		changes := make(chan chatsync.Change, 64)
		unsubscribe := chat.Subscribe(func(c chatsync.Change) {
			select {
			case changes <- c:
			default:
			}
		})
		defer unsubscribe()

		if err := connect(ctx, chat); err != nil {
			return err
		}
		if _, err := chat.LoadPage(ctx, id, 1); err != nil {
			return err
		}

		printed := map[string]chatsync.DeliveryState{}
		render := func() {
			for _, m := range chat.Messages(id) {
				key := m.CorrelationID
				if m.Confirmed() {
					key = fmt.Sprintf("#%d", m.ServerID)
				}
				if printed[key] == m.State {
					continue
				}
				printed[key] = m.State
				printMessage(m)
			}
		}
		render()

		var typing string
		for {
			select {
			case <-ctx.Done():
				return nil
			case c := <-changes:
				switch c.Kind {
				case chatsync.ChangeMessages:
					if c.ConversationID == id {
						render()
					}
				case chatsync.ChangeTyping:
					if c.ConversationID != id {
						continue
					}
					if now := strings.Join(chat.TypingUsers(id), ", "); now != typing {
						typing = now
						if typing != "" {
							fmt.Printf("… %s typing\n", typing)
						}
					}
				case chatsync.ChangePresence:
					fmt.Printf("online: %s\n", strings.Join(chat.OnlineUsers(), ", "))
				case chatsync.ChangeConnection:
					fmt.Printf("connection: %s\n", c.State)
					if c.State == chatsync.StateErrored {
						fmt.Println("retry budget exhausted; reconnecting manually")
						if err := chat.Reconnect(ctx); err != nil {
							return err
						}
					}
				}
			}
		}
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and check the real-time connection",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		fmt.Println("Configuration:")
		fmt.Printf("  File:     %s\n", path)
		fmt.Printf("  Server:   %s\n", valueOrDefault(cfg.BaseURL, "(not set)"))
		fmt.Printf("  User:     %s\n", valueOrDefault(cfg.UserID, "(not set)"))
		if cfg.UserID == "" || cfg.BaseURL == "" {
			return nil
		}

		chat, err := newChat()
		if err != nil {
			return err
		}
		defer chat.Close()

		fmt.Println()
		fmt.Println("Live status:")
		if err := connect(context.Background(), chat); err != nil {
			fmt.Printf("  Connection: %s (%v)\n", chat.ConnectionState(), err)
			return nil
		}
		fmt.Printf("  Connection: %s\n", chat.ConnectionState())
		return nil
	},
}

func valueOrDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
