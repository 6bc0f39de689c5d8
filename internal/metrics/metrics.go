package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the Prometheus collectors for the bot. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	wsClients       prometheus.Gauge
	sseClients      prometheus.Gauge
	broadcastDrops  *prometheus.CounterVec
	rateLimited     prometheus.Counter

	linesReceived *prometheus.CounterVec
	linesDropped  *prometheus.CounterVec
	reconnects    *prometheus.CounterVec
	connState     *prometheus.GaugeVec
	events        *prometheus.CounterVec
	lookups       *prometheus.CounterVec
	storeUsers    prometheus.Gauge
	storeErrors   prometheus.Counter
	convTurns     prometheus.Counter
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zkbot",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests received",
		}, []string{"route", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "zkbot",
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request durations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "zkbot",
			Name:      "panel_ws_clients",
			Help:      "Current connected panel WebSocket clients",
		}),
		sseClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "zkbot",
			Name:      "panel_sse_clients",
			Help:      "Current connected panel SSE clients",
		}),
		broadcastDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zkbot",
			Name:      "panel_drops_total",
			Help:      "Panel lines dropped due to slow clients",
		}, []string{"transport"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zkbot",
			Name:      "http_rate_limited_total",
			Help:      "HTTP requests rejected due to rate limiting",
		}),
		linesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zkbot",
			Name:      "channel_lines_total",
			Help:      "Protocol lines or frames received per channel",
		}, []string{"channel"}),
		linesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zkbot",
			Name:      "channel_dropped_total",
			Help:      "Protocol lines or frames dropped per channel and reason",
		}, []string{"channel", "reason"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zkbot",
			Name:      "channel_reconnects_total",
			Help:      "Reconnect attempts per channel and outcome",
		}, []string{"channel", "outcome"}),
		connState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "zkbot",
			Name:      "channel_state",
			Help:      "Connection state per channel (0 disconnected, 1 connecting, 2 authenticated, 3 ready)",
		}, []string{"channel"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zkbot",
			Name:      "events_total",
			Help:      "Normalized events handled per source and kind",
		}, []string{"source", "kind"}),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zkbot",
			Name:      "lookups_total",
			Help:      "External lookups per kind and result",
		}, []string{"kind", "result"}),
		storeUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "zkbot",
			Name:      "store_users",
			Help:      "Users currently held in the shared store",
		}),
		storeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zkbot",
			Name:      "store_write_errors_total",
			Help:      "Persistence write errors",
		}),
		convTurns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zkbot",
			Name:      "conversation_turns_total",
			Help:      "Turns answered by the AI conversation",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.wsClients,
		m.sseClients,
		m.broadcastDrops,
		m.rateLimited,
		m.linesReceived,
		m.linesDropped,
		m.reconnects,
		m.connState,
		m.events,
		m.lookups,
		m.storeUsers,
		m.storeErrors,
		m.convTurns,
	)

	return m
}

// Handler returns an HTTP handler exposing the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records timing and status information.
func (m *Metrics) ObserveRequest(route, method string, status int, dur time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route, method).Observe(dur.Seconds())
}

func (m *Metrics) IncWSClients(delta float64) {
	if m == nil {
		return
	}
	m.wsClients.Add(delta)
}

func (m *Metrics) IncSSEClients(delta float64) {
	if m == nil {
		return
	}
	m.sseClients.Add(delta)
}

func (m *Metrics) IncBroadcastDrops(transport string) {
	if m == nil {
		return
	}
	m.broadcastDrops.WithLabelValues(transport).Inc()
}

func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) IncLines(channel string) {
	if m == nil {
		return
	}
	m.linesReceived.WithLabelValues(channel).Inc()
}

func (m *Metrics) IncDropped(channel, reason string) {
	if m == nil {
		return
	}
	m.linesDropped.WithLabelValues(channel, reason).Inc()
}

func (m *Metrics) IncReconnect(channel, outcome string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) SetState(channel string, state int) {
	if m == nil {
		return
	}
	m.connState.WithLabelValues(channel).Set(float64(state))
}

func (m *Metrics) IncEvent(source, kind string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(source, kind).Inc()
}

func (m *Metrics) IncLookup(kind, result string) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) SetStoreUsers(n int) {
	if m == nil {
		return
	}
	m.storeUsers.Set(float64(n))
}

func (m *Metrics) IncStoreErrors() {
	if m == nil {
		return
	}
	m.storeErrors.Inc()
}

func (m *Metrics) IncConversationTurns() {
	if m == nil {
		return
	}
	m.convTurns.Inc()
}
