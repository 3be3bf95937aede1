package chatsync

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// ============================================================================
// Configuration
// ============================================================================

// Backoff strategies for reconnect delays.
const (
	BackoffFixed       = "fixed"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

const (
	DefaultMaxRetries        = 5
	DefaultRetryDelay        = time.Second
	DefaultMaxRetryDelay     = 30 * time.Second
	DefaultTypingDebounce    = time.Second
	DefaultPresenceWindow    = 35 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultSendTimeout       = 15 * time.Second
	DefaultOutboundBuffer    = 64
	DefaultPageSize          = 50
)

// Config configures the synchronization core.
type Config struct {
	// Enabled connects as soon as the Chat is built.
	Enabled bool

	BaseURL     string // REST API root, e.g. http://localhost:8080
	RealtimeURL string // defaults to BaseURL + "/ws" with a ws scheme
	UserID      string
	Token       string

	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	Backoff       string

	TypingDebounce time.Duration
	PresenceWindow time.Duration

	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
	SendTimeout       time.Duration
	OutboundBuffer    int
	PageSize          int

	// DisableResync skips refetching cached pages after a reconnect.
	DisableResync bool
}

func (c *Config) defaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.MaxRetryDelay == 0 {
		c.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if c.Backoff == "" {
		c.Backoff = BackoffLinear
	}
	if c.TypingDebounce == 0 {
		c.TypingDebounce = DefaultTypingDebounce
	}
	if c.PresenceWindow == 0 {
		c.PresenceWindow = DefaultPresenceWindow
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.OutboundBuffer == 0 {
		c.OutboundBuffer = DefaultOutboundBuffer
	}
	if c.PageSize == 0 {
		c.PageSize = DefaultPageSize
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.RealtimeURL == "" && c.BaseURL != "" {
		c.RealtimeURL = c.BaseURL + "/ws"
	}
}

// Validate reports configuration values that cannot work.
func (c Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must be >= 0, got %d", c.MaxRetries)
	}
	if c.RetryDelay < 0 || c.MaxRetryDelay < 0 {
		return fmt.Errorf("retry delays must be >= 0")
	}
	switch c.Backoff {
	case "", BackoffFixed, BackoffLinear, BackoffExponential:
	default:
		return fmt.Errorf("unknown backoff %q (valid: fixed, linear, exponential)", c.Backoff)
	}
	if c.TypingDebounce < 0 || c.PresenceWindow < 0 || c.SendTimeout < 0 {
		return fmt.Errorf("durations must be >= 0")
	}
	return nil
}

// TypingTTL is how long a received "typing" indicator survives without a
// refresh: one and a half debounce windows, so one lost "stop" is tolerated.
func (c Config) TypingTTL() time.Duration {
	d := c.TypingDebounce
	if d == 0 {
		d = DefaultTypingDebounce
	}
	return d + d/2
}

// ============================================================================
// Config file
// ============================================================================

// FileConfig is the TOML layout of a config file. Durations are milliseconds.
type FileConfig struct {
	Server     FileServer     `toml:"server"`
	Auth       FileAuth       `toml:"auth"`
	Connection FileConnection `toml:"connection"`
	Chat       FileChat       `toml:"chat"`
}

type FileServer struct {
	BaseURL     string `toml:"base_url"`
	RealtimeURL string `toml:"realtime_url,omitempty"`
}

type FileAuth struct {
	UserID string `toml:"user_id"`
	Token  string `toml:"token,omitempty"`
}

type FileConnection struct {
	Enabled             bool   `toml:"enabled"`
	MaxRetries          int    `toml:"max_retries,omitempty"`
	RetryDelayMs        int    `toml:"retry_delay_ms,omitempty"`
	MaxRetryDelayMs     int    `toml:"max_retry_delay_ms,omitempty"`
	Backoff             string `toml:"backoff,omitempty"`
	HeartbeatIntervalMs int    `toml:"heartbeat_interval_ms,omitempty"`
	HandshakeTimeoutMs  int    `toml:"handshake_timeout_ms,omitempty"`
}

type FileChat struct {
	TypingDebounceMs int  `toml:"typing_debounce_ms,omitempty"`
	PresenceWindowMs int  `toml:"presence_window_ms,omitempty"`
	SendTimeoutMs    int  `toml:"send_timeout_ms,omitempty"`
	PageSize         int  `toml:"page_size,omitempty"`
	DisableResync    bool `toml:"disable_resync,omitempty"`
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func toMs(d time.Duration) int { return int(d / time.Millisecond) }

// Config converts the file layout into a Config.
func (f FileConfig) Config() Config {
	return Config{
		Enabled:           f.Connection.Enabled,
		BaseURL:           f.Server.BaseURL,
		RealtimeURL:       f.Server.RealtimeURL,
		UserID:            f.Auth.UserID,
		Token:             f.Auth.Token,
		MaxRetries:        f.Connection.MaxRetries,
		RetryDelay:        ms(f.Connection.RetryDelayMs),
		MaxRetryDelay:     ms(f.Connection.MaxRetryDelayMs),
		Backoff:           f.Connection.Backoff,
		HeartbeatInterval: ms(f.Connection.HeartbeatIntervalMs),
		HandshakeTimeout:  ms(f.Connection.HandshakeTimeoutMs),
		TypingDebounce:    ms(f.Chat.TypingDebounceMs),
		PresenceWindow:    ms(f.Chat.PresenceWindowMs),
		SendTimeout:       ms(f.Chat.SendTimeoutMs),
		PageSize:          f.Chat.PageSize,
		DisableResync:     f.Chat.DisableResync,
	}
}

// File converts a Config into its file layout.
func (c Config) File() FileConfig {
	return FileConfig{
		Server: FileServer{BaseURL: c.BaseURL, RealtimeURL: c.RealtimeURL},
		Auth:   FileAuth{UserID: c.UserID, Token: c.Token},
		Connection: FileConnection{
			Enabled:             c.Enabled,
			MaxRetries:          c.MaxRetries,
			RetryDelayMs:        toMs(c.RetryDelay),
			MaxRetryDelayMs:     toMs(c.MaxRetryDelay),
			Backoff:             c.Backoff,
			HeartbeatIntervalMs: toMs(c.HeartbeatInterval),
			HandshakeTimeoutMs:  toMs(c.HandshakeTimeout),
		},
		Chat: FileChat{
			TypingDebounceMs: toMs(c.TypingDebounce),
			PresenceWindowMs: toMs(c.PresenceWindow),
			SendTimeoutMs:    toMs(c.SendTimeout),
			PageSize:         c.PageSize,
			DisableResync:    c.DisableResync,
		},
	}
}

// ParseConfig decodes TOML bytes.
func ParseConfig(data []byte) (Config, error) {
	var f FileConfig
	if err := toml.Unmarshal(data, &f); err != nil {
		return Config{}, fmt.Errorf("cannot parse config: %w", err)
	}
	cfg := f.Config()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads a TOML config file. A missing file yields a zero Config.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("cannot read config: %w", err)
	}
	return ParseConfig(data)
}

// SaveConfig writes cfg to path as TOML.
func SaveConfig(path string, cfg Config) error {
	data, err := toml.Marshal(cfg.File())
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// ============================================================================
// Options
// ============================================================================

type options struct {
	logger     zerolog.Logger
	registerer prometheus.Registerer
	httpClient *http.Client
	dialer     Dialer
	now        func() time.Time
	metrics    *metrics
}

// Option customizes the core and its components.
type Option func(*options)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegisterer registers the core's metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithHTTPClient sets the client used for REST calls and the websocket dial.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithDialer replaces the websocket dialer.
func WithDialer(d Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithClock replaces time.Now for presence and ordering decisions.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func withMetrics(m *metrics) Option {
	return func(o *options) { o.metrics = m }
}

func buildOptions(opts []Option) *options {
	o := &options{logger: zerolog.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	if o.metrics == nil {
		reg := o.registerer
		if reg == nil {
			reg = prometheus.NewRegistry()
		}
		o.metrics = newMetrics(reg)
	}
	return o
}
