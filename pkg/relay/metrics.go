package relay

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	metricInstancesConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "unityrelay",
		Name:      "instances_connected",
		Help:      "Number of registered editor instances.",
	})
	metricConnsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "unityrelay",
		Name:      "connections_active",
		Help:      "Number of connections currently served.",
	})
	metricRequestsInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "unityrelay",
		Name:      "requests_inflight",
		Help:      "Client requests currently awaiting a reply.",
	})
	metricRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "unityrelay",
		Name:      "requests_total",
		Help:      "Terminal request outcomes by result code.",
	}, []string{"code"})
	metricCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "unityrelay",
		Name:      "cache_hits_total",
		Help:      "Requests answered from the idempotency cache.",
	})
	metricHeartbeatMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "unityrelay",
		Name:      "heartbeat_misses_total",
		Help:      "Liveness probes that went unanswered.",
	})
)

// serveMetrics exposes the prometheus registry over HTTP until the server
// shuts down. Exposition failures never take the relay down.
func (s *Server) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-s.done
		srv.Close()
	}()
	go func() {
		_ = srv.ListenAndServe()
	}()
}
