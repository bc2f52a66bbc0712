// Package repository owns the authoritative set of servers: it restores them
// from storage, mediates add/rename/forget/undo-forget, rejects duplicates and
// persists after every mutation.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/John-Robertt/sskeyring/internal/accesskey"
	"github.com/John-Robertt/sskeyring/internal/errs"
	"github.com/John-Robertt/sskeyring/internal/events"
	"github.com/John-Robertt/sskeyring/internal/model"
	"github.com/John-Robertt/sskeyring/internal/netcheck"
	"github.com/John-Robertt/sskeyring/internal/server"
	"github.com/John-Robertt/sskeyring/internal/storage"
	"github.com/John-Robertt/sskeyring/internal/tunnel"
)

const (
	// KeyServersV0 holds the deprecated id → config map. It is read once
	// for migration and never written.
	KeyServersV0 = "servers"
	// KeyServers holds the current JSON array of model.ServerRecord.
	KeyServers = "servers_v1"
)

type Options struct {
	Storage       storage.Storage
	TunnelFactory tunnel.Factory
	Net           netcheck.Networking
	Events        *events.Queue
	Fetcher       server.ConfigFetcher
	// NewID generates server ids. Defaults to uuid.NewString.
	NewID func() string
	Log   *zap.Logger
}

// Repository is not safe for concurrent mutation; callers serialize.
type Repository struct {
	opt   Options
	log   *zap.Logger
	order []string
	byID  map[string]server.Server

	lastForgotten      server.Server
	lastForgottenIndex int
}

// New restores the repository from opt.Storage. A malformed stored document
// is fatal; a malformed entry inside it is logged and skipped.
func New(opt Options) (*Repository, error) {
	if opt.Storage == nil {
		return nil, errors.New("repository: storage is required")
	}
	if opt.TunnelFactory == nil {
		return nil, errors.New("repository: tunnel factory is required")
	}
	if opt.NewID == nil {
		opt.NewID = uuid.NewString
	}
	if opt.Events == nil {
		opt.Events = events.NewQueue()
	}
	log := opt.Log
	if log == nil {
		log = zap.NewNop()
	}
	r := &Repository{
		opt:  opt,
		log:  log,
		byID: make(map[string]server.Server),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

// GetAll returns the servers in insertion order.
func (r *Repository) GetAll() []server.Server {
	out := make([]server.Server, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

func (r *Repository) GetByID(id string) (server.Server, bool) {
	s, ok := r.byID[id]
	return s, ok
}

// Add creates a server under a fresh id. Static keys take their name from
// the key's tag.
func (r *Repository) Add(accessKey string) (server.Server, error) {
	var name string
	if accesskey.IsStatic(accessKey) {
		cfg, err := accesskey.Parse(accessKey)
		if err != nil {
			return nil, err
		}
		name = cfg.Name
	}
	s, err := r.createServer(r.opt.NewID(), accessKey, name)
	if err != nil {
		return nil, err
	}
	r.insert(len(r.order), s)
	if err := r.store(); err != nil {
		r.remove(s.ID())
		s.Close()
		return nil, err
	}
	r.log.Info("server added", zap.String("server", s.ID()))
	r.opt.Events.Enqueue(events.NewServerAdded(s))
	return s, nil
}

// Rename reports false when id is unknown.
func (r *Repository) Rename(id, name string) (bool, error) {
	s, ok := r.byID[id]
	if !ok {
		r.log.Warn("cannot rename nonexistent server", zap.String("server", id))
		return false, nil
	}
	prev := s.Name()
	s.SetName(name)
	if err := r.store(); err != nil {
		s.SetName(prev)
		return false, err
	}
	r.opt.Events.Enqueue(events.NewServerRenamed(s))
	return true, nil
}

// Forget removes the server and remembers it for a single UndoForget. A
// later Forget replaces the remembered server.
func (r *Repository) Forget(id string) (bool, error) {
	s, ok := r.byID[id]
	if !ok {
		r.log.Warn("cannot remove nonexistent server", zap.String("server", id))
		return false, nil
	}
	idx := r.remove(id)
	if err := r.store(); err != nil {
		r.insert(idx, s)
		return false, err
	}
	if prev := r.lastForgotten; prev != nil {
		r.release(context.Background(), prev)
	}
	r.lastForgotten = s
	r.lastForgottenIndex = idx
	r.opt.Events.Enqueue(events.NewServerForgotten(s))
	return true, nil
}

// DisconnectAll stops the tunnel of every running server, including the one
// held for UndoForget.
func (r *Repository) DisconnectAll(ctx context.Context) {
	servers := r.GetAll()
	if r.lastForgotten != nil {
		servers = append(servers, r.lastForgotten)
	}
	for _, s := range servers {
		r.disconnect(ctx, s)
	}
}

// release shuts down a server that can no longer be restored.
func (r *Repository) release(ctx context.Context, s server.Server) {
	r.disconnect(ctx, s)
	s.Close()
}

func (r *Repository) disconnect(ctx context.Context, s server.Server) {
	running, err := s.CheckRunning(ctx)
	if err != nil || !running {
		return
	}
	if err := s.Disconnect(ctx); err != nil {
		r.log.Warn("failed to disconnect server", zap.String("server", s.ID()), zap.Error(err))
	}
}

// UndoForget reinserts the exact server removed by the last Forget, at its
// previous position, if its id matches.
func (r *Repository) UndoForget(id string) (bool, error) {
	s := r.lastForgotten
	if s == nil {
		r.log.Warn("no forgotten server to unforget", zap.String("server", id))
		return false, nil
	}
	if s.ID() != id {
		r.log.Warn("id of forgotten server does not match",
			zap.String("forgotten", s.ID()), zap.String("server", id))
		return false, nil
	}
	r.insert(r.lastForgottenIndex, s)
	if err := r.store(); err != nil {
		r.remove(id)
		return false, err
	}
	r.lastForgotten = nil
	r.opt.Events.Enqueue(events.NewServerForgetUndone(s))
	return true, nil
}

// ValidateAccessKey fails with ServerAlreadyAdded, carrying the existing
// server, when an equivalent key is present. Otherwise codec errors are
// returned unchanged.
func (r *Repository) ValidateAccessKey(accessKey string) error {
	if s := r.serverFromAccessKey(accessKey); s != nil {
		return errs.ServerAlreadyAdded(s)
	}
	return accesskey.Validate(accessKey)
}

func (r *Repository) serverFromAccessKey(accessKey string) server.Server {
	for _, id := range r.order {
		if s := r.byID[id]; accesskey.Equivalent(accessKey, s.AccessKey()) {
			return s
		}
	}
	return nil
}

// createServer keeps servers whose only problem is an unsupported cipher,
// flagged, so entries added before the allow-list tightened stay visible.
func (r *Repository) createServer(id, accessKey, name string) (server.Server, error) {
	verr := r.ValidateAccessKey(accessKey)
	if verr != nil && !errors.Is(verr, errs.ErrUnsupportedCipher) {
		return nil, verr
	}
	s, err := server.New(id, accessKey, name, server.Deps{
		Tunnel:  r.opt.TunnelFactory(id),
		Net:     r.opt.Net,
		Events:  r.opt.Events,
		Fetcher: r.opt.Fetcher,
		Log:     r.log,
	})
	if err != nil {
		return nil, err
	}
	if verr != nil {
		r.log.Warn("keeping server with unsupported cipher", zap.String("server", id), zap.Error(verr))
		s.SetErrorMessageID(server.ErrorMessageUnsupportedCipher)
	}
	return s, nil
}

func (r *Repository) insert(idx int, s server.Server) {
	if idx > len(r.order) {
		idx = len(r.order)
	}
	r.order = slices.Insert(r.order, idx, s.ID())
	r.byID[s.ID()] = s
}

func (r *Repository) remove(id string) int {
	idx := slices.Index(r.order, id)
	if idx >= 0 {
		r.order = slices.Delete(r.order, idx, idx+1)
	}
	delete(r.byID, id)
	return idx
}

func (r *Repository) store() error {
	records := make([]model.ServerRecord, 0, len(r.order))
	for _, s := range r.GetAll() {
		records = append(records, model.ServerRecord{ID: s.ID(), AccessKey: s.AccessKey(), Name: s.Name()})
	}
	b, err := json.Marshal(records)
	if err != nil {
		return err
	}
	if err := r.opt.Storage.SetItem(KeyServers, string(b)); err != nil {
		r.log.Error("failed to store servers", zap.Error(err))
		return fmt.Errorf("store servers: %w", err)
	}
	return nil
}

func (r *Repository) load() error {
	if raw, ok := r.opt.Storage.GetItem(KeyServers); ok && raw != "" {
		r.log.Debug("server storage migrated to V1")
		return r.loadV1(raw)
	}
	raw, ok := r.opt.Storage.GetItem(KeyServersV0)
	if !ok || raw == "" {
		r.log.Debug("no servers found in storage")
		return nil
	}
	return r.loadV0(raw)
}

func (r *Repository) loadV1(raw string) error {
	var entries []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return fmt.Errorf("could not parse saved servers: %w", err)
	}
	for i, entry := range entries {
		var rec model.ServerRecord
		if err := json.Unmarshal(entry, &rec); err != nil {
			r.log.Error("skipping malformed stored server", zap.Int("index", i), zap.Error(err))
			continue
		}
		r.loadServer(rec)
	}
	return nil
}

// loadV0 migrates the legacy map. Ids are visited in sorted order so the
// migrated list is deterministic.
func (r *Repository) loadV0(raw string) error {
	var byID map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &byID); err != nil {
		return fmt.Errorf("could not parse saved V0 servers: %w", err)
	}
	ids := maps.Keys(byID)
	slices.Sort(ids)
	for _, id := range ids {
		var cfg model.LegacyConfig
		if err := json.Unmarshal(byID[id], &cfg); err != nil {
			r.log.Error("skipping malformed V0 server", zap.String("server", id), zap.Error(err))
			continue
		}
		r.loadServer(model.ServerRecord{
			ID:        id,
			AccessKey: accesskey.Serialize(cfg.ProxyConfig()),
			Name:      cfg.Name,
		})
	}
	return nil
}

func (r *Repository) loadServer(rec model.ServerRecord) {
	if rec.ID == "" {
		r.log.Error("skipping stored server without id")
		return
	}
	if _, dup := r.byID[rec.ID]; dup {
		r.log.Error("skipping stored server with duplicate id", zap.String("server", rec.ID))
		return
	}
	s, err := r.createServer(rec.ID, rec.AccessKey, rec.Name)
	if err != nil {
		r.log.Error("failed to load server", zap.String("server", rec.ID), zap.Error(err))
		return
	}
	r.insert(len(r.order), s)
}
