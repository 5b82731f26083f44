package metrics

import (
	"fmt"
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session Metrics
	SessionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sessions_open",
		Help: "The current number of open sessions owned by this node.",
	})
	AdmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "admissions_total",
		Help: "The total number of admission attempts by result.",
	}, []string{"result"})
	SessionsClosedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sessions_closed_total",
		Help: "The total number of sessions finalized by trigger.",
	}, []string{"trigger"})
	CloseHookTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "close_hook_timeouts_total",
		Help: "The total number of dependency close joins that hit the timeout.",
	})

	// Cache Metrics
	CacheEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cache_entries",
		Help: "The current number of cached entries per cache.",
	}, []string{"cache"})
	CacheLoadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_loads_total",
		Help: "The total number of cache entry loads per cache.",
	}, []string{"cache"})
	CacheEvictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_evictions_total",
		Help: "The total number of cache entry evictions per cache.",
	}, []string{"cache"})

	// Event Metrics
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "session_events_published_total",
		Help: "The total number of lifecycle events published by type.",
	}, []string{"type"})

	// Gateway Metrics
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_connections_active",
		Help: "The current number of active gateway connections.",
	})
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_auth_failures_total",
		Help: "The total number of failed authentications.",
	}, []string{"reason"})
)

// StartServer starts the HTTP server for Prometheus metrics.
func StartServer(port int, path string) {
	http.Handle(path, promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	log.Printf("Starting metrics server on %s%s", addr, path)

	go func() {
		if err := http.ListenAndServe(addr, nil); err != nil {
			log.Fatalf("Failed to start metrics server: %v", err)
		}
	}()
}
