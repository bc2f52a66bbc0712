package server

import (
	"context"

	"github.com/John-Robertt/sskeyring/internal/accesskey"
	"github.com/John-Robertt/sskeyring/internal/model"
)

// Static is a server whose config is parsed once from its ss:// key.
type Static struct {
	base
	config model.ProxyConfig
}

func NewStatic(id, accessKey, name string, deps Deps) (*Static, error) {
	cfg, err := accesskey.Parse(accessKey)
	if err != nil {
		return nil, err
	}
	cfg.Name = name
	s := &Static{config: cfg}
	s.init(id, accessKey, name, deps)
	s.watchTunnel(s, deps.Events)
	return s, nil
}

func (s *Static) SetName(name string) {
	s.mu.Lock()
	s.name = name
	s.config.Name = name
	s.mu.Unlock()
}

func (s *Static) Address() string { return s.Config().Address() }

// Config returns a copy of the proxy config.
func (s *Static) Config() model.ProxyConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

func (s *Static) Connect(ctx context.Context) error {
	return s.startTunnel(ctx, s.Config())
}

func (s *Static) Disconnect(ctx context.Context) error {
	return s.stopTunnel(ctx)
}

func (s *Static) CheckRunning(ctx context.Context) (bool, error) {
	return s.tunnel.IsRunning(ctx)
}

func (s *Static) CheckReachable(ctx context.Context) (bool, error) {
	cfg := s.Config()
	return s.net.IsServerReachable(ctx, cfg.Host, cfg.Port)
}
