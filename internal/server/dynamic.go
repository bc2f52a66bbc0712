package server

import (
	"context"

	"go.uber.org/zap"

	"github.com/John-Robertt/sskeyring/internal/accesskey"
	"github.com/John-Robertt/sskeyring/internal/errs"
	"github.com/John-Robertt/sskeyring/internal/model"
	"github.com/John-Robertt/sskeyring/internal/onlineconfig"
)

// Dynamic is a server whose config is fetched on connect. The config is
// absent until a connect fully succeeds and is dropped again on disconnect.
type Dynamic struct {
	base
	fetcher ConfigFetcher
	config  *model.ProxyConfig
}

func NewDynamic(id, accessKey, name string, deps Deps) *Dynamic {
	d := &Dynamic{fetcher: deps.Fetcher}
	d.init(id, accessKey, name, deps)
	d.watchTunnel(d, deps.Events)
	return d
}

func (d *Dynamic) SetName(name string) {
	d.mu.Lock()
	d.name = name
	if d.config != nil {
		d.config.Name = name
	}
	d.mu.Unlock()
}

func (d *Dynamic) Address() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.config != nil {
		return d.config.Address()
	}
	return d.accessKey
}

// Config returns the live config, if connected.
func (d *Dynamic) Config() (model.ProxyConfig, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.config == nil {
		return model.ProxyConfig{}, false
	}
	return *d.config, true
}

func (d *Dynamic) Connect(ctx context.Context) error {
	params, err := accesskey.FetchParamsOf(d.accessKey)
	if err != nil {
		return err
	}
	cfg, err := d.fetchConfig(ctx, params)
	if err != nil {
		return errs.FetchConfig(err)
	}
	cfg.Name = d.Name()

	if err := d.startTunnel(ctx, cfg); err != nil {
		return err
	}
	d.mu.Lock()
	d.config = &cfg
	d.mu.Unlock()
	return nil
}

func (d *Dynamic) fetchConfig(ctx context.Context, params accesskey.FetchParams) (model.ProxyConfig, error) {
	if d.fetcher == nil {
		return model.ProxyConfig{}, onlineconfig.ErrNoValidConfig
	}
	configs, err := d.fetcher.Fetch(ctx, params)
	if err != nil {
		return model.ProxyConfig{}, err
	}
	if len(configs) > 1 {
		d.log.Info("online config lists several servers, using the first", zap.Int("count", len(configs)))
	}
	return onlineconfig.Select(configs)
}

func (d *Dynamic) Disconnect(ctx context.Context) error {
	err := d.stopTunnel(ctx)
	d.mu.Lock()
	d.config = nil
	d.mu.Unlock()
	return err
}

func (d *Dynamic) CheckRunning(ctx context.Context) (bool, error) {
	if _, ok := d.Config(); !ok {
		return false, nil
	}
	return d.tunnel.IsRunning(ctx)
}

// CheckReachable is only meaningful while connected; without a config the
// server is reported reachable.
func (d *Dynamic) CheckReachable(ctx context.Context) (bool, error) {
	cfg, ok := d.Config()
	if !ok {
		return true, nil
	}
	return d.net.IsServerReachable(ctx, cfg.Host, cfg.Port)
}
