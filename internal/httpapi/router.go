package httpapi

import (
	"net/http"
	"sync"
)

type api struct {
	opt     Options
	metrics *metrics
	events  *eventRing

	// repoMu serializes repository calls; the repository has a single
	// writer. connMu serializes connect/disconnect.
	repoMu sync.Mutex
	connMu sync.Mutex
}

func newAPI(opt Options) *api {
	opt = opt.withDefaults()
	a := &api{
		opt:     opt,
		metrics: newMetrics(opt.Registry),
		events:  newEventRing(opt.EventHistory),
	}
	if opt.Events != nil {
		opt.Events.Subscribe("", a.events.record)
	}
	return a
}

// NewMux returns the routes without the observability middleware.
func NewMux(opt Options) *http.ServeMux {
	return newAPI(opt).routes()
}

func (a *api) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", handleIndex)
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.Handle("GET /metrics", a.metrics.handler())
	mux.HandleFunc("GET /api/servers", a.handleListServers)
	mux.HandleFunc("POST /api/servers", a.handleAddServer)
	mux.HandleFunc("POST /api/access-keys/validate", a.handleValidateAccessKey)
	mux.HandleFunc("PATCH /api/servers/{id}", a.handleRenameServer)
	mux.HandleFunc("DELETE /api/servers/{id}", a.handleForgetServer)
	mux.HandleFunc("POST /api/servers/{id}/undo-forget", a.handleUndoForget)
	mux.HandleFunc("POST /api/servers/{id}/connect", a.handleConnect)
	mux.HandleFunc("POST /api/servers/{id}/disconnect", a.handleDisconnect)
	mux.HandleFunc("GET /api/servers/{id}/status", a.handleStatus)
	mux.HandleFunc("GET /api/events", a.handleEvents)
	return mux
}
