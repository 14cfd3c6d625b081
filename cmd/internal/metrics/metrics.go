// Package metrics wraps the Prometheus collectors exposed by the relay.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns a dedicated Prometheus registry plus the relay collectors.
// Holding its own registry keeps construction safe in tests, where multiple
// instances would otherwise collide on duplicate registration.
//
// All recording methods are nil-safe so the relay can run unmetered.
type Registry struct {
	reg *prometheus.Registry

	connectionsActive prometheus.Gauge
	framesTotal       *prometheus.CounterVec
	messagesPersisted prometheus.Counter
	messagesDelivered prometheus.Counter
	broadcastDropped  prometheus.Counter
	acceptErrors      prometheus.Counter
}

// NewRegistry creates the relay's Prometheus collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Registry{
		reg: reg,
		connectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "skillswap_ws_connections_active",
			Help: "Number of live WebSocket connections on the relay",
		}),
		framesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "skillswap_ws_frames_total",
			Help: "Total inbound frames by declared frame type",
		}, []string{"type"}),
		messagesPersisted: f.NewCounter(prometheus.CounterOpts{
			Name: "skillswap_messages_persisted_total",
			Help: "Total chat messages accepted by the persistence gateway",
		}),
		messagesDelivered: f.NewCounter(prometheus.CounterOpts{
			Name: "skillswap_messages_delivered_total",
			Help: "Total messages marked delivered to an online receiver",
		}),
		broadcastDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "skillswap_broadcast_dropped_total",
			Help: "Total broadcast frames dropped due to slow or closed subscribers",
		}),
		acceptErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "skillswap_ws_accept_errors_total",
			Help: "Total WebSocket accept/handshake failures",
		}),
	}
}

// Handler returns an HTTP handler exposing this registry's metrics.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// ConnOpened records a new live connection.
func (r *Registry) ConnOpened() {
	if r != nil {
		r.connectionsActive.Inc()
	}
}

// ConnClosed records a connection teardown.
func (r *Registry) ConnClosed() {
	if r != nil {
		r.connectionsActive.Dec()
	}
}

// FrameReceived records one inbound frame of the given declared type.
func (r *Registry) FrameReceived(frameType string) {
	if r != nil {
		r.framesTotal.WithLabelValues(frameType).Inc()
	}
}

// MessagePersisted records a successful message insert.
func (r *Registry) MessagePersisted() {
	if r != nil {
		r.messagesPersisted.Inc()
	}
}

// MessageDelivered records a persisted delivered_at timestamp.
func (r *Registry) MessageDelivered() {
	if r != nil {
		r.messagesDelivered.Inc()
	}
}

// BroadcastDropped records a frame dropped during fanout.
func (r *Registry) BroadcastDropped() {
	if r != nil {
		r.broadcastDropped.Inc()
	}
}

// AcceptError records a failed WebSocket handshake.
func (r *Registry) AcceptError() {
	if r != nil {
		r.acceptErrors.Inc()
	}
}
