package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signal_connections",
		Help: "Live websocket connections on this instance.",
	})
	RoomsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signal_rooms_created_total",
		Help: "Rooms created through this instance.",
	})
	RoomsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signal_rooms_closed_total",
		Help: "Rooms deleted after their last member left.",
	})
	Messages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signal_messages_total",
		Help: "Inbound websocket messages by type.",
	}, []string{"type"})
	Dropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signal_dropped_total",
		Help: "Outbound messages not delivered, by reason.",
	}, []string{"reason"})
	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signal_entry_decisions_total",
		Help: "Host entry decisions by outcome.",
	}, []string{"outcome"})
)

// Handler exposes Prometheus metrics at /metrics
func Handler() http.Handler {
	return promhttp.Handler()
}
