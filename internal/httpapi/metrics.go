package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	gatherer  prometheus.Gatherer
	requests  *prometheus.CounterVec
	appErrors *prometheus.CounterVec
}

func newMetrics(reg *prometheus.Registry) *metrics {
	m := &metrics{
		gatherer: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sskeyring_http_requests_total",
			Help: "HTTP requests by ServeMux pattern and status.",
		}, []string{"pattern", "status"}),
		appErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sskeyring_app_errors_total",
			Help: "Application errors returned to clients.",
		}, []string{"stage", "code"}),
	}
	reg.MustRegister(m.requests, m.appErrors)
	return m
}

func (m *metrics) incRequest(pattern string, status int) {
	m.requests.WithLabelValues(pattern, strconv.Itoa(status)).Inc()
}

func (m *metrics) incAppError(stage, code string) {
	stage = strings.TrimSpace(stage)
	code = strings.TrimSpace(code)
	if stage == "" {
		stage = "(unknown)"
	}
	if code == "" {
		code = "(unknown)"
	}
	m.appErrors.WithLabelValues(stage, code).Inc()
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
