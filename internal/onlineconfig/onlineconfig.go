// Package onlineconfig resolves dynamic access keys by fetching and parsing a
// SIP008 online config document.
//
// See https://github.com/shadowsocks/shadowsocks-org/wiki/SIP008-Online-Configuration-Delivery
package onlineconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/John-Robertt/sskeyring/internal/accesskey"
	"github.com/John-Robertt/sskeyring/internal/fetch"
	"github.com/John-Robertt/sskeyring/internal/model"
)

// SupportedVersion is the SIP008 version this parser is written against.
// Other versions are parsed anyway.
const SupportedVersion = 1

var ErrNoValidConfig = errors.New("no valid configuration")

// Parse decodes a SIP008 document. Malformed JSON is an error; individual
// server entries that miss a required field or carry the wrong type are
// dropped and logged.
func Parse(body []byte, log *zap.Logger) ([]model.ProxyConfig, error) {
	if log == nil {
		log = zap.NewNop()
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parse online config: %w", err)
	}
	if doc == nil {
		return nil, errors.New("parse online config: document is not an object")
	}

	var version any
	if raw, ok := doc["version"]; ok {
		_ = json.Unmarshal(raw, &version)
	}
	if v, ok := version.(float64); !ok || v != SupportedVersion {
		log.Warn("unsupported SIP008 version", zap.Any("version", version))
	}

	raw, ok := doc["servers"]
	if !ok || string(raw) == "null" {
		return nil, nil
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse online config: servers: %w", err)
	}

	out := make([]model.ProxyConfig, 0, len(entries))
	for i, entry := range entries {
		cfg, err := entryToConfig(entry)
		if err != nil {
			log.Warn("skipping invalid server configuration", zap.Int("index", i), zap.Error(err))
			continue
		}
		out = append(out, cfg)
	}
	return out, nil
}

func entryToConfig(raw json.RawMessage) (model.ProxyConfig, error) {
	var entry map[string]any
	if err := json.Unmarshal(raw, &entry); err != nil || entry == nil {
		return model.ProxyConfig{}, errors.New("entry is not an object")
	}
	host, err := requiredString(entry, "server")
	if err != nil {
		return model.ProxyConfig{}, err
	}
	password, err := requiredString(entry, "password")
	if err != nil {
		return model.ProxyConfig{}, err
	}
	method, err := requiredString(entry, "method")
	if err != nil {
		return model.ProxyConfig{}, err
	}
	port, ok := entry["server_port"].(float64)
	if !ok {
		return model.ProxyConfig{}, errors.New("server_port is missing or not a number")
	}
	if port != math.Trunc(port) || port < 1 || port > 65535 {
		return model.ProxyConfig{}, fmt.Errorf("server_port %v is out of range", port)
	}
	name, _ := entry["remarks"].(string)

	return model.ProxyConfig{
		Host:     host,
		Port:     int(port),
		Password: password,
		Method:   method,
		Name:     name,
	}, nil
}

func requiredString(entry map[string]any, key string) (string, error) {
	s, ok := entry[key].(string)
	if !ok {
		return "", fmt.Errorf("%s is missing or not a string", key)
	}
	if s == "" {
		return "", fmt.Errorf("%s is empty", key)
	}
	return s, nil
}

// Fetcher implements the dynamic server's config source.
type Fetcher struct {
	Options fetch.Options
	Log     *zap.Logger
}

// Fetch retrieves the document behind params and returns the configs that
// are valid and cipher-compatible. An empty result is ErrNoValidConfig.
func (f *Fetcher) Fetch(ctx context.Context, params accesskey.FetchParams) ([]model.ProxyConfig, error) {
	log := f.Log
	if log == nil {
		log = zap.NewNop()
	}

	body, err := fetch.FetchWithOptions(ctx, params, f.Options)
	if err != nil {
		log.Error("failed to fetch online config", zap.String("location", params.Location), zap.Error(err))
		return nil, err
	}
	log.Debug("fetched online config", zap.String("location", params.Location), zap.Int("bytes", len(body)))

	configs, err := Parse(body, log)
	if err != nil {
		return nil, err
	}
	valid := configs[:0]
	for _, cfg := range configs {
		err := accesskey.Validate(accesskey.Serialize(cfg))
		if err == nil {
			err = accesskey.CipherCheck(cfg)
		}
		if err != nil {
			log.Warn("skipping incompatible server configuration", zap.String("address", cfg.Address()), zap.Error(err))
			continue
		}
		valid = append(valid, cfg)
	}
	if len(valid) == 0 {
		return nil, ErrNoValidConfig
	}
	return valid, nil
}

// Select picks the config to connect with.
//
// TODO: only the first valid config is used; documents listing several
// servers need a selection policy before the rest can be offered.
func Select(configs []model.ProxyConfig) (model.ProxyConfig, error) {
	if len(configs) == 0 {
		return model.ProxyConfig{}, ErrNoValidConfig
	}
	return configs[0], nil
}
