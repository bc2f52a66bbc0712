package main

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/John-Robertt/sskeyring/internal/accesskey"
	"github.com/John-Robertt/sskeyring/internal/model"
	"github.com/John-Robertt/sskeyring/internal/repository"
)

func TestDeriveHealthzURL_FromListenAddr(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"127.0.0.1:25600", "http://127.0.0.1:25600/healthz"},
		{"0.0.0.0:25600", "http://127.0.0.1:25600/healthz"},
		{":25600", "http://127.0.0.1:25600/healthz"},
		{"25600", "http://127.0.0.1:25600/healthz"},
		{"[::]:25600", "http://127.0.0.1:25600/healthz"},
		{"http://127.0.0.1:25600", "http://127.0.0.1:25600/healthz"},
	}
	for _, tt := range tests {
		got, err := deriveHealthzURL(tt.in)
		if err != nil {
			t.Fatalf("deriveHealthzURL(%q) unexpected err: %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("deriveHealthzURL(%q)=%q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRunHealthcheck_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}))
	defer ts.Close()

	if err := runHealthcheck(ts.URL+"/healthz", 200*time.Millisecond); err != nil {
		t.Fatalf("runHealthcheck unexpected err: %v", err)
	}
}

func TestRunHealthcheck_StatusNotOK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	err := runHealthcheck(ts.URL, 200*time.Millisecond)
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "unexpected status") {
		t.Fatalf("err=%q, want contains %q", err.Error(), "unexpected status")
	}
}

func runCLI(t *testing.T, stdin string, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, io.NopCloser(strings.NewReader(stdin)), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestCLI_AddListRenameForget(t *testing.T) {
	store := filepath.Join(t.TempDir(), "servers.yaml")
	key := accesskey.Serialize(model.ProxyConfig{Host: "example.com", Port: 443, Password: "p", Method: "aes-256-gcm", Name: "Home"})

	code, out, errOut := runCLI(t, "", "-storage", store, "add", key)
	if code != 0 || !strings.HasPrefix(out, "added ") {
		t.Fatalf("add code=%d out=%q err=%q", code, out, errOut)
	}
	id := strings.Fields(out)[1]

	code, _, errOut = runCLI(t, "", "-storage", store, "add", key)
	if code != 1 || !strings.Contains(errOut, "SERVER_ALREADY_ADDED") {
		t.Fatalf("duplicate add code=%d err=%q", code, errOut)
	}

	code, _, _ = runCLI(t, "", "-storage", store, "rename", id, "Office")
	if code != 0 {
		t.Fatalf("rename code=%d", code)
	}

	code, out, _ = runCLI(t, "", "-storage", store, "list")
	if code != 0 || !strings.Contains(out, id) || !strings.Contains(out, "Office") || !strings.Contains(out, "example.com:443") {
		t.Fatalf("list code=%d out=%q", code, out)
	}

	code, out, _ = runCLI(t, "", "-storage", store, "-yes", "forget", id)
	if code != 0 || !strings.Contains(out, "forgot "+id) {
		t.Fatalf("forget code=%d out=%q", code, out)
	}
	_, out, _ = runCLI(t, "", "-storage", store, "list")
	if strings.Contains(out, id) {
		t.Fatalf("server still listed: %q", out)
	}
}

func TestCLI_ForgetAsksForConfirmation(t *testing.T) {
	store := filepath.Join(t.TempDir(), "servers.yaml")
	key := accesskey.Serialize(model.ProxyConfig{Host: "example.com", Port: 443, Password: "p", Method: "aes-256-gcm"})
	_, out, _ := runCLI(t, "", "-storage", store, "add", key)
	id := strings.Fields(out)[1]

	var stdout, stderr bytes.Buffer
	c := &cli{stdout: &stdout, stderr: &stderr, storagePath: store}
	var asked string
	c.confirm = func(label string) (bool, error) {
		asked = label
		return false, nil
	}
	cfg, err := c.loadConfig()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if err := c.withRepository(cfg, func(r *repository.Repository) error { return c.forget(r, id) }); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if !strings.Contains(asked, "example.com:443") || !strings.Contains(stdout.String(), "aborted") {
		t.Fatalf("asked=%q out=%q", asked, stdout.String())
	}
	_, out, _ = runCLI(t, "", "-storage", store, "list")
	if !strings.Contains(out, id) {
		t.Fatalf("declined forget removed the server: %q", out)
	}
}

func TestCLI_Validate(t *testing.T) {
	code, out, _ := runCLI(t, "", "-ephemeral", "validate", "https://example.com/conf.json")
	if code != 0 || out != "ok\n" {
		t.Fatalf("code=%d out=%q", code, out)
	}
	rc4 := accesskey.Serialize(model.ProxyConfig{Host: "example.com", Port: 1, Password: "p", Method: "rc4"})
	code, _, errOut := runCLI(t, "", "-ephemeral", "validate", rc4)
	if code != 1 || !strings.Contains(errOut, "SHADOWSOCKS_UNSUPPORTED_CIPHER") {
		t.Fatalf("code=%d err=%q", code, errOut)
	}
}

func TestCLI_Usage(t *testing.T) {
	if code, _, errOut := runCLI(t, ""); code != 2 || !strings.Contains(errOut, "usage: sskeyring") {
		t.Fatalf("code=%d err=%q", code, errOut)
	}
	if code, _, _ := runCLI(t, "", "-ephemeral", "bogus"); code != 2 {
		t.Fatalf("unknown command code=%d", code)
	}
	if code, _, errOut := runCLI(t, "", "-ephemeral", "rename", "only-id"); code != 1 || !strings.Contains(errOut, "usage: sskeyring rename") {
		t.Fatalf("code=%d err=%q", code, errOut)
	}
	if code, _, _ := runCLI(t, "", "-config", filepath.Join(t.TempDir(), "missing.toml"), "list"); code != 1 {
		t.Fatalf("missing config code=%d", code)
	}
}
