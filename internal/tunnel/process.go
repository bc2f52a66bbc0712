package tunnel

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shadowsocks/go-shadowsocks2/core"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/John-Robertt/sskeyring/internal/errs"
	"github.com/John-Robertt/sskeyring/internal/model"
)

type ProcessOptions struct {
	// Command is the tunnel binary, e.g. a tun2socks build that accepts
	// -proxyHost/-proxyPort/-proxyPassword/-proxyCipher.
	Command string
	// Args are passed before the proxy flags.
	Args []string
	// Env is appended to the current environment.
	Env []string

	StopTimeout time.Duration // default 5s
	Log         *zap.Logger
}

// Process is a Tunnel backed by an external tunnel binary. The process being
// alive is what "running" means; its exit is reported as DISCONNECTED.
type Process struct {
	opt       ProcessOptions
	log       *zap.Logger
	listeners Listeners
	running   atomic.Bool

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
}

func NewProcess(opt ProcessOptions) *Process {
	if opt.StopTimeout <= 0 {
		opt.StopTimeout = 5 * time.Second
	}
	log := opt.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Process{opt: opt, log: log}
}

// ProcessFactory returns a Factory creating one Process per server.
func ProcessFactory(opt ProcessOptions) Factory {
	return func(serverID string) Tunnel {
		o := opt
		if o.Log != nil {
			o.Log = o.Log.With(zap.String("server", serverID))
		}
		return NewProcess(o)
	}
}

// checkConfig rejects configs the relay could not start with, before a
// process is spawned.
func checkConfig(cfg model.ProxyConfig) error {
	if cfg.Host == "" || cfg.Port < 1 || cfg.Port > 65535 || cfg.Password == "" {
		return &Error{Code: errs.CodeIllegalServerConfiguration, Message: "incomplete server configuration"}
	}
	if _, err := core.PickCipher(strings.ToUpper(cfg.Method), nil, cfg.Password); err != nil {
		return &Error{Code: errs.CodeIllegalServerConfiguration, Message: "cannot build cipher " + strconv.Quote(cfg.Method), Cause: err}
	}
	return nil
}

func (p *Process) Start(ctx context.Context, cfg model.ProxyConfig) error {
	if err := checkConfig(cfg); err != nil {
		return err
	}
	if p.opt.Command == "" {
		return &Error{Code: errs.CodeShadowsocksStartFailure, Message: "no tunnel command configured"}
	}
	if err := p.Stop(ctx); err != nil {
		return err
	}

	args := append([]string{}, p.opt.Args...)
	args = append(args,
		"-proxyHost", cfg.Host,
		"-proxyPort", strconv.Itoa(cfg.Port),
		"-proxyPassword", cfg.Password,
		"-proxyCipher", cfg.Method,
	)
	cmd := exec.Command(p.opt.Command, args...)
	cmd.Env = append(os.Environ(), p.opt.Env...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	p.mu.Lock()
	if err := cmd.Start(); err != nil {
		p.mu.Unlock()
		return &Error{Code: errs.CodeShadowsocksStartFailure, Message: "failed to spawn tunnel", Cause: err}
	}
	done := make(chan struct{})
	p.cmd = cmd
	p.done = done
	p.running.Store(true)
	p.mu.Unlock()
	p.log.Info("tunnel started", zap.String("address", cfg.Address()), zap.Int("pid", cmd.Process.Pid))

	go func() {
		err := cmd.Wait()
		p.running.Store(false)
		p.mu.Lock()
		if p.cmd == cmd {
			p.cmd = nil
			p.done = nil
		}
		p.mu.Unlock()
		p.log.Info("tunnel exited", zap.Error(err))
		// Stop waits on done; DISCONNECTED must land before a restart's CONNECTED.
		p.listeners.Notify(StatusDisconnected)
		close(done)
	}()

	p.listeners.Notify(StatusConnected)
	return nil
}

// Stop interrupts the process and waits for it to exit, killing it after
// StopTimeout. Stopping a tunnel that is not running is not an error.
func (p *Process) Stop(ctx context.Context) error {
	p.mu.Lock()
	cmd, done := p.cmd, p.done
	p.mu.Unlock()
	if cmd == nil {
		return nil
	}

	if runtime.GOOS == "windows" {
		_ = cmd.Process.Kill()
	} else if err := cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		_ = cmd.Process.Kill()
	}

	timer := time.NewTimer(p.opt.StopTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return &Error{Code: errs.CodeUnexpected, Message: "failed to stop tunnel", Cause: err}
	}
	<-done
	return nil
}

func (p *Process) IsRunning(ctx context.Context) (bool, error) {
	return p.running.Load(), nil
}

func (p *Process) OnStatusChange(fn func(Status)) Subscription {
	return p.listeners.Add(fn)
}
