package httpapi

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/John-Robertt/sskeyring/internal/events"
	"github.com/John-Robertt/sskeyring/internal/server"
)

// Repository is the subset of *repository.Repository the API drives.
type Repository interface {
	GetAll() []server.Server
	GetByID(id string) (server.Server, bool)
	Add(accessKey string) (server.Server, error)
	Rename(id, name string) (bool, error)
	Forget(id string) (bool, error)
	UndoForget(id string) (bool, error)
	ValidateAccessKey(accessKey string) error
}

// Options controls HTTP API runtime behavior.
type Options struct {
	Repository Repository
	// Events, if set, feeds GET /api/events.
	Events *events.Queue

	// OperationTimeout bounds connect/disconnect/status calls. Exceeding it
	// is reported as OPERATION_TIMED_OUT.
	OperationTimeout time.Duration

	// Registry receives the API's collectors. Defaults to a fresh registry.
	Registry *prometheus.Registry

	// EventHistory is the number of recent events kept for GET /api/events.
	EventHistory int

	Log *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = 60 * time.Second
	}
	if o.Registry == nil {
		o.Registry = prometheus.NewRegistry()
	}
	if o.EventHistory <= 0 {
		o.EventHistory = 100
	}
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	return o
}
