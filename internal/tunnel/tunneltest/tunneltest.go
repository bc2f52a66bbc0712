// Package tunneltest provides in-memory tunnel and networking doubles.
package tunneltest

import (
	"context"
	"sync"

	"github.com/John-Robertt/sskeyring/internal/model"
	"github.com/John-Robertt/sskeyring/internal/tunnel"
)

// Tunnel records calls and returns the configured errors.
type Tunnel struct {
	StartErr error
	StopErr  error

	mu        sync.Mutex
	running   bool
	Started   []model.ProxyConfig
	Stops     int
	RunChecks int
	listeners tunnel.Listeners
}

func (t *Tunnel) Start(ctx context.Context, cfg model.ProxyConfig) error {
	t.mu.Lock()
	t.Started = append(t.Started, cfg)
	err := t.StartErr
	if err == nil {
		t.running = true
	}
	t.mu.Unlock()
	if err == nil {
		t.listeners.Notify(tunnel.StatusConnected)
	}
	return err
}

func (t *Tunnel) Stop(ctx context.Context) error {
	t.mu.Lock()
	t.Stops++
	err := t.StopErr
	wasRunning := t.running
	if err == nil {
		t.running = false
	}
	t.mu.Unlock()
	if err == nil && wasRunning {
		t.listeners.Notify(tunnel.StatusDisconnected)
	}
	return err
}

func (t *Tunnel) IsRunning(ctx context.Context) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.RunChecks++
	return t.running, nil
}

func (t *Tunnel) OnStatusChange(fn func(tunnel.Status)) tunnel.Subscription {
	return t.listeners.Add(fn)
}

// Emit simulates an asynchronous status change from the tunnel.
func (t *Tunnel) Emit(s tunnel.Status) {
	t.listeners.Notify(s)
}

func (t *Tunnel) LastStarted() (model.ProxyConfig, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.Started) == 0 {
		return model.ProxyConfig{}, false
	}
	return t.Started[len(t.Started)-1], true
}

// Factory hands out one Tunnel per server id and remembers them.
type Factory struct {
	mu      sync.Mutex
	Tunnels map[string]*Tunnel
}

func (f *Factory) New(serverID string) tunnel.Tunnel {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Tunnels == nil {
		f.Tunnels = make(map[string]*Tunnel)
	}
	t := &Tunnel{}
	f.Tunnels[serverID] = t
	return t
}

func (f *Factory) Get(serverID string) *Tunnel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Tunnels[serverID]
}

// Net answers reachability checks with Reachable and counts calls.
type Net struct {
	Reachable bool

	mu    sync.Mutex
	Calls []string
}

func (n *Net) IsServerReachable(ctx context.Context, host string, port int) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Calls = append(n.Calls, model.ProxyConfig{Host: host, Port: port}.Address())
	return n.Reachable, nil
}
