// Package metrics exposes the gateway's Prometheus counters, following the
// teacher's app/mgmt/metrics.go shape adapted to this gateway's own surface
// (HTTP forwards, persistent-channel upgrades) instead of reproxy's.
package metrics

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	log "github.com/go-pkgz/lgr"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics registers and exposes the gateway's request counters.
type Metrics struct {
	totalRequests  *prometheus.CounterVec
	responseStatus *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

// New creates and registers every counter.
func New() *Metrics {
	m := &Metrics{
		totalRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hydra_gateway_requests_total",
			Help: "Number of served requests.",
		}, []string{"service"}),
		responseStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hydra_gateway_response_status",
			Help: "Status of HTTP responses.",
		}, []string{"status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hydra_gateway_response_time_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 3, 5},
		}, []string{"path"}),
	}

	if err := prometheus.Register(m.totalRequests); err != nil {
		log.Printf("[WARN] can't register prometheus totalRequests, %v", err)
	}
	if err := prometheus.Register(m.responseStatus); err != nil {
		log.Printf("[WARN] can't register prometheus responseStatus, %v", err)
	}
	if err := prometheus.Register(m.httpDuration); err != nil {
		log.Printf("[WARN] can't register prometheus httpDuration, %v", err)
	}
	return m
}

// Middleware wraps next, recording request counts, status codes and
// latency. The wrapped ResponseWriter still supports Hijack, required for
// the persistent-channel upgrade path to work through this middleware.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := prometheus.NewTimer(m.httpDuration.WithLabelValues(r.URL.Path))
		rw := newResponseWriter(w)
		next.ServeHTTP(rw, r)

		m.responseStatus.WithLabelValues(strconv.Itoa(rw.statusCode)).Inc()
		m.totalRequests.WithLabelValues(serviceLabel(r)).Inc()
		timer.ObserveDuration()
	})
}

// serviceLabel picks the "service" label value for totalRequests. A
// server-side *http.Request's URL rarely carries a host, so fall back to
// the Host header the same way the teacher's app/mgmt/metrics.go does.
func serviceLabel(r *http.Request) string {
	if h := r.URL.Hostname(); h != "" {
		return h
	}
	return strings.Split(r.Host, ":")[0]
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{w, http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack delegates to the underlying writer so gorilla/websocket's upgrade
// still works through this middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	conn, buf, err := h.Hijack()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to hijack connection: %w", err)
	}
	return conn, buf, nil
}
