package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/manifoldco/promptui"
	"go.uber.org/zap"

	"github.com/John-Robertt/sskeyring/internal/config"
	"github.com/John-Robertt/sskeyring/internal/events"
	"github.com/John-Robertt/sskeyring/internal/fetch"
	"github.com/John-Robertt/sskeyring/internal/httpapi"
	"github.com/John-Robertt/sskeyring/internal/logx"
	"github.com/John-Robertt/sskeyring/internal/netcheck"
	"github.com/John-Robertt/sskeyring/internal/onlineconfig"
	"github.com/John-Robertt/sskeyring/internal/repository"
	"github.com/John-Robertt/sskeyring/internal/server"
	"github.com/John-Robertt/sskeyring/internal/storage"
	"github.com/John-Robertt/sskeyring/internal/tunnel"
)

const usage = `usage: sskeyring [flags] <command> [args]

commands:
  serve                 run the tunnel controller and local HTTP API
  list                  list saved servers
  add <access-key>      add a server
  rename <id> <name>    rename a server
  forget <id>           remove a server
  validate <access-key> check a key without saving it
  healthcheck           probe a running serve instance

flags:
`

type cli struct {
	stdout, stderr io.Writer
	stdin          io.ReadCloser

	configPath      string
	listen          string
	logLevel        string
	storagePath     string
	ephemeral       bool
	yes             bool
	shutdownTimeout time.Duration

	// confirm asks before destructive commands; replaced in tests.
	confirm func(label string) (bool, error)
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.ReadCloser, stdout, stderr io.Writer) int {
	c := &cli{stdin: stdin, stdout: stdout, stderr: stderr}
	c.confirm = c.promptConfirm

	fs := flag.NewFlagSet("sskeyring", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	fs.StringVar(&c.configPath, "config", "", "TOML config file")
	fs.StringVar(&c.listen, "listen", "", "HTTP listen address (overrides api.listen)")
	fs.StringVar(&c.logLevel, "log-level", "", "debug, info, warn or error (overrides log.level)")
	fs.StringVar(&c.storagePath, "storage", "", "server store path (overrides storage.path)")
	fs.BoolVar(&c.ephemeral, "ephemeral", false, "keep servers in memory only")
	fs.BoolVar(&c.yes, "yes", false, "do not ask for confirmation")
	fs.DurationVar(&c.shutdownTimeout, "shutdown-timeout", 10*time.Second, "grace period after a shutdown signal")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	cfg, err := c.loadConfig()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "serve":
		err = c.serve(cfg)
	case "list":
		err = c.withRepository(cfg, func(r *repository.Repository) error { return c.list(r) })
	case "add":
		err = c.withArgs(rest, 1, "add <access-key>", func() error {
			return c.withRepository(cfg, func(r *repository.Repository) error { return c.add(r, rest[0]) })
		})
	case "rename":
		err = c.withArgs(rest, 2, "rename <id> <name>", func() error {
			return c.withRepository(cfg, func(r *repository.Repository) error { return c.rename(r, rest[0], rest[1]) })
		})
	case "forget":
		err = c.withArgs(rest, 1, "forget <id>", func() error {
			return c.withRepository(cfg, func(r *repository.Repository) error { return c.forget(r, rest[0]) })
		})
	case "validate":
		err = c.withArgs(rest, 1, "validate <access-key>", func() error {
			return c.withRepository(cfg, func(r *repository.Repository) error { return c.validate(r, rest[0]) })
		})
	case "healthcheck":
		var u string
		if u, err = deriveHealthzURL(cfg.API.Listen); err == nil {
			err = runHealthcheck(u, 3*time.Second)
		}
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", cmd)
		fs.Usage()
		return 2
	}
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	return 0
}

func (c *cli) loadConfig() (config.Config, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return cfg, err
	}
	if c.listen != "" {
		cfg.API.Listen = c.listen
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	if c.storagePath != "" {
		cfg.Storage.Path = c.storagePath
	}
	if c.ephemeral {
		cfg.Storage.Path = ""
	}
	return cfg, cfg.Validate()
}

func (c *cli) withArgs(args []string, n int, form string, fn func() error) error {
	if len(args) != n {
		return fmt.Errorf("usage: sskeyring %s", form)
	}
	return fn()
}

func openStorage(cfg config.Config) (storage.Storage, error) {
	if cfg.Storage.Path == "" {
		return storage.NewMemory(nil), nil
	}
	return storage.OpenFile(cfg.Storage.Path)
}

type deps struct {
	log     *zap.Logger
	queue   *events.Queue
	store   storage.Storage
	tunnels tunnel.Factory
}

func buildRepository(cfg config.Config, d deps) (*repository.Repository, error) {
	return repository.New(repository.Options{
		Storage:       d.store,
		TunnelFactory: d.tunnels,
		Net:           netcheck.Dialer{Timeout: cfg.Net.DialTimeout.Duration},
		Events:        d.queue,
		Fetcher: &onlineconfig.Fetcher{
			Options: fetch.Options{Timeout: cfg.Fetch.Timeout.Duration, MaxBytes: cfg.Fetch.MaxBytes},
			Log:     d.log.Named("onlineconfig"),
		},
		Log: d.log.Named("repository"),
	})
}

func processTunnels(cfg config.Config, log *zap.Logger) tunnel.Factory {
	return tunnel.ProcessFactory(tunnel.ProcessOptions{
		Command: cfg.Tunnel.Command,
		Args:    cfg.Tunnel.Args,
		Log:     log.Named("tunnel"),
	})
}

// withRepository runs fn against the stored servers. The one-shot commands
// write the store directly and must not race a running serve.
func (c *cli) withRepository(cfg config.Config, fn func(*repository.Repository) error) error {
	log, closeLog, err := logx.New(logx.Options{Level: "warn", Stdout: c.stderr})
	if err != nil {
		return err
	}
	defer closeLog()

	store, err := openStorage(cfg)
	if err != nil {
		return err
	}
	repo, err := buildRepository(cfg, deps{
		log:     log,
		queue:   events.NewQueue(),
		store:   store,
		tunnels: processTunnels(cfg, log),
	})
	if err != nil {
		return err
	}
	return fn(repo)
}

func (c *cli) list(r *repository.Repository) error {
	tw := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tADDRESS\tNOTE")
	for _, s := range r.GetAll() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.ID(), s.Name(), s.Address(), note(s))
	}
	return tw.Flush()
}

func note(s server.Server) string {
	var parts []string
	if s.IsOutlineServer() {
		parts = append(parts, "outline")
	}
	if _, ok := s.(*server.Dynamic); ok {
		parts = append(parts, "dynamic")
	}
	if id := s.ErrorMessageID(); id != "" {
		parts = append(parts, id)
	}
	return strings.Join(parts, ",")
}

func (c *cli) add(r *repository.Repository, key string) error {
	key = strings.TrimSpace(key)
	if err := r.ValidateAccessKey(key); err != nil {
		return err
	}
	s, err := r.Add(key)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "added %s %s\n", s.ID(), s.Name())
	return nil
}

func (c *cli) rename(r *repository.Repository, id, name string) error {
	ok, err := r.Rename(id, name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no server with id %q", id)
	}
	fmt.Fprintf(c.stdout, "renamed %s\n", id)
	return nil
}

func (c *cli) forget(r *repository.Repository, id string) error {
	s, ok := r.GetByID(id)
	if !ok {
		return fmt.Errorf("no server with id %q", id)
	}
	if !c.yes {
		label := fmt.Sprintf("Forget %s (%s)", s.Name(), s.Address())
		confirmed, err := c.confirm(label)
		if err != nil {
			return err
		}
		if !confirmed {
			fmt.Fprintln(c.stdout, "aborted")
			return nil
		}
	}
	if _, err := r.Forget(id); err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "forgot %s\n", id)
	return nil
}

func (c *cli) validate(r *repository.Repository, key string) error {
	if err := r.ValidateAccessKey(strings.TrimSpace(key)); err != nil {
		return err
	}
	fmt.Fprintln(c.stdout, "ok")
	return nil
}

func (c *cli) promptConfirm(label string) (bool, error) {
	p := promptui.Prompt{
		Label:     label,
		IsConfirm: true,
		Stdin:     c.stdin,
		Stdout:    nopWriteCloser{c.stdout},
	}
	if _, err := p.Run(); err != nil {
		if errors.Is(err, promptui.ErrAbort) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func (c *cli) serve(cfg config.Config) error {
	log, closeLog, err := logx.New(logx.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	if err != nil {
		return err
	}
	defer closeLog()

	store, err := openStorage(cfg)
	if err != nil {
		return err
	}
	if cfg.Storage.Path == "" {
		log.Warn("no storage path configured, servers will not be persisted")
	}

	queue := events.NewQueue()
	queue.Subscribe("", func(e events.Event) {
		log.Info("event", zap.String("name", e.EventName()), zap.String("server", e.Server().ID()))
	})

	repo, err := buildRepository(cfg, deps{
		log:     log,
		queue:   queue,
		store:   store,
		tunnels: processTunnels(cfg, log),
	})
	if err != nil {
		return err
	}
	log.Info("servers loaded", zap.Int("count", len(repo.GetAll())))

	srv := &http.Server{
		Addr: cfg.API.Listen,
		Handler: httpapi.NewHandler(httpapi.Options{
			Repository: repo,
			Events:     queue,
			Log:        log.Named("http"),
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	queue.StartPublishing()

	log.Info("listening", zap.String("url", "http://"+cfg.API.Listen))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")

		shCtx, cancel := context.WithTimeout(context.Background(), c.shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shCtx); err != nil {
			log.Warn("graceful shutdown failed", zap.Error(err))
			_ = srv.Close()
		}
		repo.DisconnectAll(shCtx)

		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}
	return nil
}

// deriveHealthzURL turns a listen address into a URL reachable from this
// host. Wildcard hosts become loopback.
func deriveHealthzURL(listen string) (string, error) {
	listen = strings.TrimSpace(listen)
	if strings.HasPrefix(listen, "http://") || strings.HasPrefix(listen, "https://") {
		u, err := url.Parse(listen)
		if err != nil {
			return "", err
		}
		u.Path = "/healthz"
		u.RawQuery = ""
		return u.String(), nil
	}
	if !strings.Contains(listen, ":") {
		listen = ":" + listen
	}
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "", fmt.Errorf("invalid listen address %q: %w", listen, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + "/healthz", nil
}

func runHealthcheck(u string, timeout time.Duration) error {
	client := &http.Client{Timeout: timeout}
	resp, err := client.Get(u)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<10))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
