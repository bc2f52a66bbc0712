// Package server implements the two kinds of server a repository holds:
// Static servers, whose proxy config is fully described by an ss:// key, and
// Dynamic servers, whose config is fetched from an online config document on
// every connect.
package server

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/John-Robertt/sskeyring/internal/accesskey"
	"github.com/John-Robertt/sskeyring/internal/errs"
	"github.com/John-Robertt/sskeyring/internal/events"
	"github.com/John-Robertt/sskeyring/internal/model"
	"github.com/John-Robertt/sskeyring/internal/netcheck"
	"github.com/John-Robertt/sskeyring/internal/tunnel"
)

// ErrorMessageUnsupportedCipher marks servers kept despite a cipher outside
// the allow-list.
const ErrorMessageUnsupportedCipher = "unsupported-cipher"

// Server is a closed set: only *Static and *Dynamic implement it.
type Server interface {
	ID() string
	AccessKey() string
	Name() string
	SetName(name string)
	ErrorMessageID() string
	SetErrorMessageID(id string)
	// Address is host:port when known, otherwise the access key.
	Address() string
	IsOutlineServer() bool

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	CheckRunning(ctx context.Context) (bool, error)
	CheckReachable(ctx context.Context) (bool, error)

	// Close detaches the server from its tunnel's status notifications.
	Close()

	sealed()
}

// ConfigFetcher resolves a dynamic key's fetch descriptor into candidate
// configs.
type ConfigFetcher interface {
	Fetch(ctx context.Context, params accesskey.FetchParams) ([]model.ProxyConfig, error)
}

type Deps struct {
	Tunnel  tunnel.Tunnel
	Net     netcheck.Networking
	Events  *events.Queue
	Fetcher ConfigFetcher // dynamic servers only
	Log     *zap.Logger
}

// New builds the variant matching the key's scheme.
func New(id, accessKey, name string, deps Deps) (Server, error) {
	switch {
	case accesskey.IsStatic(accessKey):
		return NewStatic(id, accessKey, name, deps)
	case accesskey.IsDynamic(accessKey):
		return NewDynamic(id, accessKey, name, deps), nil
	default:
		return nil, errs.ServerURLInvalid("unrecognized access key scheme", nil)
	}
}

type base struct {
	id        string
	accessKey string
	tunnel    tunnel.Tunnel
	net       netcheck.Networking
	log       *zap.Logger
	sub       tunnel.Subscription

	mu             sync.Mutex
	name           string
	errorMessageID string
}

func (b *base) init(id, accessKey, name string, deps Deps) {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	b.id = id
	b.accessKey = accessKey
	b.name = name
	b.tunnel = deps.Tunnel
	b.net = deps.Net
	b.log = log.With(zap.String("server", id))
}

func (b *base) ID() string        { return b.id }
func (b *base) AccessKey() string { return b.accessKey }

func (b *base) Name() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.name
}

func (b *base) ErrorMessageID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.errorMessageID
}

func (b *base) SetErrorMessageID(id string) {
	b.mu.Lock()
	b.errorMessageID = id
	b.mu.Unlock()
}

func (b *base) IsOutlineServer() bool { return accesskey.IsOutline(b.accessKey) }

func (b *base) Close() {
	if b.sub != nil {
		b.sub.Cancel()
	}
}

func (b *base) sealed() {}

// watchTunnel forwards tunnel status changes for s to the event queue.
func (b *base) watchTunnel(s Server, q *events.Queue) {
	if q == nil || b.tunnel == nil {
		return
	}
	b.sub = b.tunnel.OnStatusChange(func(status tunnel.Status) {
		var e events.Event
		switch status {
		case tunnel.StatusConnected:
			e = events.NewServerConnected(s)
		case tunnel.StatusDisconnected:
			e = events.NewServerDisconnected(s)
		case tunnel.StatusReconnecting:
			e = events.NewServerReconnecting(s)
		default:
			b.log.Warn("received unknown tunnel status", zap.Stringer("status", status))
			return
		}
		q.Enqueue(e)
	})
}

// startTunnel translates coded tunnel failures into domain errors. Errors
// without a code propagate unchanged.
func (b *base) startTunnel(ctx context.Context, cfg model.ProxyConfig) error {
	err := b.tunnel.Start(ctx, cfg)
	if err == nil {
		return nil
	}
	if code, ok := tunnel.CodeOf(err); ok {
		b.log.Error("tunnel failed to start", zap.Stringer("code", code), zap.Error(err))
		return errs.FromNativeCode(code)
	}
	return err
}

// stopTunnel reports every failure as the generic unexpected error, whatever
// code the tunnel gave.
func (b *base) stopTunnel(ctx context.Context) error {
	if err := b.tunnel.Stop(ctx); err != nil {
		b.log.Error("tunnel failed to stop", zap.Error(err))
		return errs.Unexpected()
	}
	return nil
}
