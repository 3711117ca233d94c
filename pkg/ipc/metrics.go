package ipc

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	metricChangeEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "greenroom",
		Name:      "change_events_total",
		Help:      "Committed store mutations observed, by collection.",
	}, []string{"collection"})

	metricWSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "greenroom",
		Name:      "observe_clients",
		Help:      "Connected WebSocket observers.",
	})

	metricSnapshotRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "greenroom",
		Name:      "snapshot_requests_total",
		Help:      "Snapshot endpoint hits, by collection.",
	}, []string{"collection"})
)

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
