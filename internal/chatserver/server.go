// Package chatserver is an in-memory chat backend implementing the REST and
// real-time contract the chatsync core talks to. It backs the serve command
// and the end-to-end tests.
package chatserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/prismer-ai/chatsync"
	"github.com/prismer-ai/chatsync/internal/log"
)

const (
	DefaultPageSize         = chatsync.DefaultPageSize
	DefaultPresenceInterval = 30 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second

	shutdownTimeout = 5 * time.Second
)

// Config configures the server.
type Config struct {
	PageSize         int
	PresenceInterval time.Duration
	HandshakeTimeout time.Duration
	Logger           zerolog.Logger
	Now              func() time.Time
}

func (c *Config) defaults() {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.PresenceInterval <= 0 {
		c.PresenceInterval = DefaultPresenceInterval
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

type serverMetrics struct {
	messages    *prometheus.CounterVec
	connections prometheus.Gauge
}

// Server wires the store, the hub and the HTTP routes.
type Server struct {
	cfg      Config
	log      zerolog.Logger
	store    *Store
	hub      *Hub
	registry *prometheus.Registry
	metrics  serverMetrics
	engine   *gin.Engine
}

func New(cfg Config) *Server {
	cfg.defaults()
	s := &Server{
		cfg:      cfg,
		log:      cfg.Logger,
		store:    NewStore(cfg.Now),
		hub:      NewHub(cfg.Logger),
		registry: prometheus.NewRegistry(),
	}
	s.metrics = serverMetrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatserver_messages_total",
			Help: "Message create requests by result (created or duplicate).",
		}, []string{"result"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatserver_ws_connections",
			Help: "Open real-time connections.",
		}),
	}
	s.registry.MustRegister(s.metrics.messages, s.metrics.connections)
	s.engine = s.routes()
	return s
}

// Store exposes the backing store.
func (s *Server) Store() *Store { return s.store }

// Hub exposes the connection hub.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the HTTP handler serving REST, /ws, /health and /metrics.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), log.GinMiddleware(s.log, "/health", "/metrics"))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	r.GET("/ws", s.handleWS)

	api := r.Group("/conversations", authMiddleware())
	api.POST("", s.createConversation)
	api.GET("", s.listConversations)
	api.GET("/:id/messages", s.listMessages)
	api.POST("/:id/messages", s.postMessage)
	api.POST("/:id/read", s.markRead)
	return r
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.RunPresence(ctx)

	errc := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("chat server listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// RunPresence re-broadcasts every online user's presence each interval
// until ctx is done.
func (s *Server) RunPresence(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PresenceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.BroadcastPresence()
		}
	}
}

// BroadcastPresence sends one presence heartbeat per online user.
func (s *Server) BroadcastPresence() {
	for _, id := range s.hub.Online() {
		s.hub.Broadcast(chatsync.PresenceFrame{UserID: id, Online: true}, id)
	}
}
