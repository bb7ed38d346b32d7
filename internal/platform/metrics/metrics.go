// Package metrics holds the prometheus collectors exported by the wallet server.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "walletd"

type Metrics struct {
	ActiveSessions  prometheus.Gauge
	OpenWallets     prometheus.Gauge
	Commands        *prometheus.CounterVec
	InboundDropped  *prometheus.CounterVec
	PublishFailures *prometheus.CounterVec
	WalletsCreated  prometheus.Counter
	CommandDuration *prometheus.HistogramVec
	Notifications   *prometheus.CounterVec
}

// New registers every collector with reg. A nil reg yields unregistered collectors.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions currently registered with a running worker.",
		}),
		OpenWallets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_wallets",
			Help:      "Wallet handles currently held open by session workers.",
		}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands answered, by command and wire error code.",
		}, []string{"command", "code"}),
		InboundDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_dropped_total",
			Help:      "Inbound messages dropped without a response.",
		}, []string{"reason"}),
		PublishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_failures_total",
			Help:      "Outbound publishes that failed, by publisher.",
		}, []string{"publisher"}),
		WalletsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wallets_created_total",
			Help:      "Wallets materialized through createwallet.",
		}),
		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Time spent executing worker commands.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"command"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Unsolicited notifications published, by kind.",
		}, []string{"kind"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ActiveSessions,
			m.OpenWallets,
			m.Commands,
			m.InboundDropped,
			m.PublishFailures,
			m.WalletsCreated,
			m.CommandDuration,
			m.Notifications,
		)
	}

	return m
}

func (m *Metrics) ObserveCommand(command string, code int) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(command, strconv.Itoa(code)).Inc()
}

func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.InboundDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) PublishFailed(publisher string) {
	if m == nil {
		return
	}
	m.PublishFailures.WithLabelValues(publisher).Inc()
}

func (m *Metrics) ObserveDuration(command string, d time.Duration) {
	if m == nil {
		return
	}
	m.CommandDuration.WithLabelValues(command).Observe(d.Seconds())
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) WalletOpened() {
	if m == nil {
		return
	}
	m.OpenWallets.Inc()
}

func (m *Metrics) WalletClosed() {
	if m == nil {
		return
	}
	m.OpenWallets.Dec()
}

func (m *Metrics) WalletCreated() {
	if m == nil {
		return
	}
	m.WalletsCreated.Inc()
}

func (m *Metrics) Notified(kind string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(kind).Inc()
}
