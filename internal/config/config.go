// Package config loads the TOML application config. Every field has a
// default, so an absent file or an empty one is a valid config.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultListen is loopback only; the API has no authentication.
const DefaultListen = "127.0.0.1:25600"

type Config struct {
	Storage StorageConf `toml:"storage"`
	Log     LogConf     `toml:"log"`
	API     APIConf     `toml:"api"`
	Fetch   FetchConf   `toml:"fetch"`
	Tunnel  TunnelConf  `toml:"tunnel"`
	Net     NetConf     `toml:"net"`
}

type StorageConf struct {
	// Path of the YAML store. Empty keeps servers in memory only.
	Path string `toml:"path"`
}

type LogConf struct {
	Level      string `toml:"level"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
}

type APIConf struct {
	Listen string `toml:"listen"`
}

type FetchConf struct {
	Timeout  Duration `toml:"timeout"`
	MaxBytes int64    `toml:"max_bytes"`
}

// TunnelConf describes the external tunnel process. Args are passed before
// the proxy flags.
type TunnelConf struct {
	Command string   `toml:"command"`
	Args    []string `toml:"args"`
}

type NetConf struct {
	DialTimeout Duration `toml:"dial_timeout"`
}

// Duration decodes TOML strings such as "15s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	if v < 0 {
		return fmt.Errorf("negative duration %q", text)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func Default() Config {
	return Config{
		Storage: StorageConf{Path: defaultStoragePath()},
		Log:     LogConf{Level: "info", MaxSizeMB: 10, MaxBackups: 3},
		API:     APIConf{Listen: DefaultListen},
		Fetch:   FetchConf{Timeout: Duration{15 * time.Second}, MaxBytes: 1 << 20},
		Tunnel:  TunnelConf{Command: "tun2socks"},
		Net:     NetConf{DialTimeout: Duration{5 * time.Second}},
	}
}

func defaultStoragePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "sskeyring", "servers.yaml")
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(string(b))
}

// Parse decodes a TOML document over the defaults. Unknown keys are an
// error.
func Parse(doc string) (Config, error) {
	cfg := Default()
	md, err := toml.Decode(doc, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return Config{}, fmt.Errorf("parse config: unknown keys: %s", strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Log.Level)
	}
	if c.API.Listen == "" {
		return errors.New("config: api.listen must not be empty")
	}
	if c.Fetch.MaxBytes <= 0 {
		return errors.New("config: fetch.max_bytes must be positive")
	}
	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 {
		return errors.New("config: log rotation limits must not be negative")
	}
	return nil
}
