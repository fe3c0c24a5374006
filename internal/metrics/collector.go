// Package metrics holds the Prometheus collectors shared across wxhelper.
// Everything is registered on a private registry so tests and embedders do not
// collide with the global default registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wxhelper"

// Registry is the registry every wxhelper collector is attached to.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler renders the registry in Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

// --- Update log and delivery ---

var (
	UpdatesAppended = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "updates_appended_total",
		Help:      "Updates appended to the update log, by direction.",
	}, []string{"direction"})

	UpdatesEvicted = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "updates_evicted_total",
		Help:      "Updates evicted from the in-memory log.",
	})

	UpdateLogSize = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "update_log_entries",
		Help:      "Updates currently retained in memory.",
	})

	LongPollWaiting = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "longpoll_waiting",
		Help:      "getUpdates calls currently suspended.",
	})

	DeliveryAttempts = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "delivery_attempts_total",
		Help:      "Follower delivery attempts, by consumer and result.",
	}, []string{"consumer", "result"})

	ConsumerCursor = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "consumer_cursor",
		Help:      "Next expected update id per consumer.",
	}, []string{"consumer"})
)

// --- Session ---

var (
	SessionState = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "session_state",
		Help:      "1 for the current session state, 0 otherwise.",
	}, []string{"state"})

	ReconnectAttempts = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconnect_attempts_total",
		Help:      "Backend reconnect attempts, by result.",
	}, []string{"result"})

	HeartbeatFailures = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "heartbeat_failures_total",
		Help:      "Failed backend heartbeat probes.",
	})

	BackendSends = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "backend_sends_total",
		Help:      "Outbound sends to the backend, by kind and result.",
	}, []string{"kind", "result"})
)

// --- Commands and HTTP ---

var (
	CommandsExecuted = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_executed_total",
		Help:      "Plugin command executions, by result.",
	}, []string{"result"})

	CommandLatency = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "command_latency_seconds",
		Help:      "Plugin command execution latency.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	})

	HTTPRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP API requests, by route and status code.",
	}, []string{"route", "code"})

	HTTPLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP API latency. getUpdates includes long-poll wait time.",
		Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 30, 60},
	}, []string{"route"})
)

// SetSessionState marks state as current in the SessionState gauge.
func SetSessionState(state string, all ...string) {
	for _, s := range all {
		SessionState.WithLabelValues(s).Set(0)
	}
	SessionState.WithLabelValues(state).Set(1)
}
