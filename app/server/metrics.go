package server

// Prometheus counters served on a dedicated internal listener so the public
// surface carries no observability endpoints.

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	log "github.com/go-pkgz/lgr"
)

var metricRateLimited = promauto.NewCounter(prometheus.CounterOpts{
	Name: "hubproxy_rate_limited_total",
	Help: "Requests refused by the token bucket limiter.",
})

var metricDenied = promauto.NewCounter(prometheus.CounterOpts{
	Name: "hubproxy_ip_denied_total",
	Help: "Requests refused by the IP deny list.",
})

var metricProxied = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "hubproxy_proxied_total",
		Help: "Proxied requests by handler.",
	},
	[]string{"handler"},
)

// RunMetrics serves /metrics on its own listener and returns only when the
// listener fails; it has no shutdown path of its own.
func RunMetrics(listen string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Printf("[INFO] activate internal metrics server on %s", listen)
	return srv.ListenAndServe()
}
