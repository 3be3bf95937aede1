package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/prismer-ai/chatsync/internal/chatserver"
	"github.com/prismer-ai/chatsync/internal/log"
)

var (
	serveAddr             string
	servePageSize         int
	servePresenceInterval time.Duration
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "listen address")
	serveCmd.Flags().IntVar(&servePageSize, "page-size", chatserver.DefaultPageSize, "messages per history page")
	serveCmd.Flags().DurationVar(&servePresenceInterval, "presence-interval", chatserver.DefaultPresenceInterval, "presence heartbeat interval")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the in-memory reference chat server",
	Long:  "Run an in-memory chat server exposing the REST API, the /ws real-time channel, /health and /metrics.",
	RunE: func(cmd *cobra.Command, args []string) error {
		gin.SetMode(gin.ReleaseMode)
		logger := log.New(log.Config{Level: serveLogLevel(), Pretty: flagPretty, Component: "chatserver"})

		srv := chatserver.New(chatserver.Config{
			PageSize:         servePageSize,
			PresenceInterval: servePresenceInterval,
			Logger:           logger,
		})

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return srv.Run(ctx, serveAddr)
	},
}

// serveLogLevel logs requests unless a level was asked for explicitly.
func serveLogLevel() string {
	if rootCmd.PersistentFlags().Changed("log-level") {
		return flagLogLevel
	}
	return "info"
}
