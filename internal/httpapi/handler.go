package httpapi

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// NewHandler returns the production handler (mux + observability middleware).
//
// Tests can still use NewMux directly to avoid noisy logs unless needed.
func NewHandler(opt Options) http.Handler {
	a := newAPI(opt)
	return a.withObservability(a.routes())
}

type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *statusWriter) WriteHeader(statusCode int) {
	w.status = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += n
	return n, err
}

func (a *api) withObservability(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)

		status := sw.status
		if status == 0 {
			status = http.StatusOK
		}

		pattern := r.Pattern
		if pattern == "" {
			pattern = "(unmatched)"
		}

		a.metrics.incRequest(pattern, status)

		// Never log bodies: they carry access keys.
		if r.URL.Path != "/healthz" && r.URL.Path != "/metrics" {
			a.opt.Log.Info("http",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("pattern", pattern),
				zap.Int("status", status),
				zap.Duration("dur", time.Since(start).Round(time.Millisecond)),
				zap.Int("bytes", sw.bytes),
			)
		}
	})
}
