package chatsync

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var connectionStates = []ConnectionState{
	StateDisconnected,
	StateConnecting,
	StateConnected,
	StateReconnecting,
	StateErrored,
}

// metrics are registered on the caller's registerer, never the global one.
type metrics struct {
	connectionState *prometheus.GaugeVec
	connectAttempts prometheus.Counter
	framesReceived  *prometheus.CounterVec
	framesDropped   *prometheus.CounterVec
	framesSent      *prometheus.CounterVec
	sends           *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		connectionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chatsync_connection_state",
				Help: "1 for the current real-time connection state, 0 otherwise.",
			},
			[]string{"state"},
		),
		connectAttempts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chatsync_connect_attempts_total",
				Help: "Total number of real-time connection attempts.",
			},
		),
		framesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_frames_received_total",
				Help: "Inbound real-time frames by kind.",
			},
			[]string{"kind"},
		),
		framesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_frames_dropped_total",
				Help: "Inbound frames dropped because they were malformed or unknown.",
			},
			[]string{"reason"},
		),
		framesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_frames_sent_total",
				Help: "Outbound real-time frames by kind.",
			},
			[]string{"kind"},
		),
		sends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_message_sends_total",
				Help: "Message send requests by outcome.",
			},
			[]string{"outcome"},
		),
	}

	m.connectionState = register(reg, m.connectionState)
	m.connectAttempts = register(reg, m.connectAttempts)
	m.framesReceived = register(reg, m.framesReceived)
	m.framesDropped = register(reg, m.framesDropped)
	m.framesSent = register(reg, m.framesSent)
	m.sends = register(reg, m.sends)

	m.setState(StateDisconnected)
	return m
}

// register returns the already registered collector when two components
// share a registerer.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func (m *metrics) setState(s ConnectionState) {
	for _, st := range connectionStates {
		v := 0.0
		if st == s {
			v = 1
		}
		m.connectionState.WithLabelValues(string(st)).Set(v)
	}
}
