package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/John-Robertt/sskeyring/internal/accesskey"
	"github.com/John-Robertt/sskeyring/internal/errs"
	"github.com/John-Robertt/sskeyring/internal/events"
	"github.com/John-Robertt/sskeyring/internal/model"
	"github.com/John-Robertt/sskeyring/internal/server"
	"github.com/John-Robertt/sskeyring/internal/storage"
	"github.com/John-Robertt/sskeyring/internal/tunnel"
	"github.com/John-Robertt/sskeyring/internal/tunnel/tunneltest"
)

var exampleCfg = model.ProxyConfig{Host: "example.com", Port: 443, Password: "p", Method: "chacha20-ietf-poly1305", Name: "A"}

type harness struct {
	store   *storage.Memory
	tunnels *tunneltest.Factory
	queue   *events.Queue
	logs    *observer.ObservedLogs
	got     []string
	nextID  int
}

func newHarness(items map[string]string) *harness {
	h := &harness{
		store:   storage.NewMemory(items),
		tunnels: &tunneltest.Factory{},
		queue:   events.NewQueue(),
	}
	h.queue.Subscribe("", func(e events.Event) {
		h.got = append(h.got, e.EventName()+":"+e.Server().ID())
	})
	h.queue.StartPublishing()
	return h
}

func (h *harness) open(t *testing.T) *Repository {
	t.Helper()
	r, err := h.tryOpen()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func (h *harness) tryOpen() (*Repository, error) {
	core, logs := observer.New(zapcore.DebugLevel)
	h.logs = logs
	return New(Options{
		Storage:       h.store,
		TunnelFactory: h.tunnels.New,
		Net:           &tunneltest.Net{Reachable: true},
		Events:        h.queue,
		NewID: func() string {
			h.nextID++
			return fmt.Sprintf("id-%d", h.nextID)
		},
		Log: zap.New(core),
	})
}

func (h *harness) stored(t *testing.T) []model.ServerRecord {
	t.Helper()
	raw, ok := h.store.GetItem(KeyServers)
	if !ok {
		t.Fatalf("%s not written", KeyServers)
	}
	var out []model.ServerRecord
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		t.Fatalf("stored JSON: %v", err)
	}
	return out
}

func ids(servers []server.Server) []string {
	out := make([]string, 0, len(servers))
	for _, s := range servers {
		out = append(out, s.ID())
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestAdd_StaticKey(t *testing.T) {
	h := newHarness(nil)
	r := h.open(t)

	s, err := r.Add(accesskey.Serialize(exampleCfg))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if s.ID() != "id-1" || s.Name() != "A" {
		t.Fatalf("id=%q name=%q", s.ID(), s.Name())
	}
	if _, ok := s.(*server.Static); !ok {
		t.Fatalf("got %T, want *server.Static", s)
	}
	if got, ok := r.GetByID("id-1"); !ok || got != s {
		t.Fatalf("GetByID mismatch")
	}
	recs := h.stored(t)
	if len(recs) != 1 || recs[0].ID != "id-1" || recs[0].Name != "A" || recs[0].AccessKey != s.AccessKey() {
		t.Fatalf("stored=%+v", recs)
	}
	if !equalStrings(h.got, []string{"server_added:id-1"}) {
		t.Fatalf("events=%v", h.got)
	}
}

func TestAdd_DynamicKeyHasNoName(t *testing.T) {
	h := newHarness(nil)
	r := h.open(t)

	s, err := r.Add("ssconf://example.com/conf.json")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, ok := s.(*server.Dynamic); !ok {
		t.Fatalf("got %T, want *server.Dynamic", s)
	}
	if s.Name() != "" {
		t.Fatalf("name=%q, want empty", s.Name())
	}
}

func TestAdd_Duplicate(t *testing.T) {
	h := newHarness(nil)
	r := h.open(t)
	key := accesskey.Serialize(exampleCfg)
	first, err := r.Add(key)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	renamed := exampleCfg
	renamed.Name = "other tag"
	for _, k := range []string{key, accesskey.Serialize(renamed), strings.Replace(key, "/#", "/?outline=1#", 1)} {
		_, err := r.Add(k)
		if !errors.Is(err, errs.ErrServerAlreadyAdded) {
			t.Fatalf("Add(%q) err=%v, want ServerAlreadyAdded", k, err)
		}
		var e *errs.Error
		if !errors.As(err, &e) || e.Server != first {
			t.Fatalf("error should carry the existing server")
		}
	}
	if len(r.GetAll()) != 1 {
		t.Fatalf("len=%d, want=1", len(r.GetAll()))
	}

	other := exampleCfg
	other.Port = 444
	if _, err := r.Add(accesskey.Serialize(other)); err != nil {
		t.Fatalf("different port should be accepted: %v", err)
	}
}

func TestAdd_ValidationFailures(t *testing.T) {
	ipv6 := exampleCfg
	ipv6.Host = "::1"
	cases := []struct {
		name string
		key  string
		want error
	}{
		{"garbage", "ss://not-a-key", errs.ErrServerURLInvalid},
		{"unknown scheme", "vmess://abc", errs.ErrServerURLInvalid},
		{"ipv6", accesskey.Serialize(ipv6), errs.ErrServerIncompatible},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(nil)
			r := h.open(t)
			if _, err := r.Add(tc.key); !errors.Is(err, tc.want) {
				t.Fatalf("err=%v, want=%v", err, tc.want)
			}
			if len(r.GetAll()) != 0 {
				t.Fatalf("server added despite error")
			}
			if _, ok := h.store.GetItem(KeyServers); ok {
				t.Fatalf("storage written despite error")
			}
		})
	}
}

func TestAdd_UnsupportedCipherIsFlagged(t *testing.T) {
	h := newHarness(nil)
	r := h.open(t)
	rc4 := exampleCfg
	rc4.Method = "rc4"

	s, err := r.Add(accesskey.Serialize(rc4))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if s.ErrorMessageID() != server.ErrorMessageUnsupportedCipher {
		t.Fatalf("ErrorMessageID=%q", s.ErrorMessageID())
	}
	if err := r.ValidateAccessKey(accesskey.Serialize(rc4)); !errors.Is(err, errs.ErrServerAlreadyAdded) {
		t.Fatalf("err=%v, want ServerAlreadyAdded", err)
	}
}

func TestValidateAccessKey(t *testing.T) {
	h := newHarness(nil)
	r := h.open(t)

	if err := r.ValidateAccessKey(accesskey.Serialize(exampleCfg)); err != nil {
		t.Fatalf("valid key: %v", err)
	}
	rc4 := exampleCfg
	rc4.Method = "rc4"
	if err := r.ValidateAccessKey(accesskey.Serialize(rc4)); !errors.Is(err, errs.ErrUnsupportedCipher) {
		t.Fatalf("err=%v, want unsupported cipher", err)
	}
	if err := r.ValidateAccessKey("https://example.com/c"); err != nil {
		t.Fatalf("dynamic key: %v", err)
	}
}

func TestRename(t *testing.T) {
	h := newHarness(nil)
	r := h.open(t)
	s, _ := r.Add(accesskey.Serialize(exampleCfg))

	ok, err := r.Rename(s.ID(), "B")
	if !ok || err != nil {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if s.Name() != "B" || h.stored(t)[0].Name != "B" {
		t.Fatalf("rename not applied or not stored")
	}
	if h.got[len(h.got)-1] != "server_renamed:id-1" {
		t.Fatalf("events=%v", h.got)
	}

	before := len(h.got)
	ok, err = r.Rename("missing", "C")
	if ok || err != nil {
		t.Fatalf("unknown id: ok=%v err=%v", ok, err)
	}
	if len(h.got) != before {
		t.Fatalf("event emitted for unknown id")
	}
	if h.logs.FilterMessage("cannot rename nonexistent server").Len() != 1 {
		t.Fatalf("missing warning")
	}
}

func TestForgetAndUndo(t *testing.T) {
	h := newHarness(nil)
	r := h.open(t)
	for port := 1; port <= 3; port++ {
		cfg := exampleCfg
		cfg.Port = port
		if _, err := r.Add(accesskey.Serialize(cfg)); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	before := r.GetAll()
	middle := before[1]

	ok, err := r.Forget(middle.ID())
	if !ok || err != nil {
		t.Fatalf("Forget ok=%v err=%v", ok, err)
	}
	if _, found := r.GetByID(middle.ID()); found {
		t.Fatalf("server still present after Forget")
	}
	if len(h.stored(t)) != 2 {
		t.Fatalf("stored=%+v", h.stored(t))
	}

	ok, err = r.UndoForget(middle.ID())
	if !ok || err != nil {
		t.Fatalf("UndoForget ok=%v err=%v", ok, err)
	}
	after := r.GetAll()
	if len(after) != len(before) {
		t.Fatalf("len=%d, want=%d", len(after), len(before))
	}
	for i := range before {
		if after[i] != before[i] {
			t.Fatalf("position %d: got %s, want the original object %s", i, after[i].ID(), before[i].ID())
		}
	}
	if len(h.stored(t)) != 3 {
		t.Fatalf("undo not stored")
	}
	want := []string{"server_forgotten:id-2", "server_forget_undone:id-2"}
	if !equalStrings(h.got[len(h.got)-2:], want) {
		t.Fatalf("events=%v", h.got)
	}

	if ok, _ := r.UndoForget(middle.ID()); ok {
		t.Fatalf("undo slot should be cleared")
	}
}

func TestUndoForget_OnlyLastForgotten(t *testing.T) {
	h := newHarness(nil)
	r := h.open(t)
	a, _ := r.Add(accesskey.Serialize(exampleCfg))
	other := exampleCfg
	other.Host = "other.example.com"
	b, _ := r.Add(accesskey.Serialize(other))

	r.Forget(a.ID())
	r.Forget(b.ID())
	if ok, _ := r.UndoForget(a.ID()); ok {
		t.Fatalf("only the last forgotten server can be restored")
	}
	if h.logs.FilterMessage("id of forgotten server does not match").Len() != 1 {
		t.Fatalf("missing warning")
	}
	if ok, _ := r.UndoForget(b.ID()); !ok {
		t.Fatalf("last forgotten server should be restored")
	}
	if !equalStrings(ids(r.GetAll()), []string{b.ID()}) {
		t.Fatalf("ids=%v", ids(r.GetAll()))
	}
}

func TestForget_ReplacedServerIsReleased(t *testing.T) {
	h := newHarness(nil)
	r := h.open(t)
	a, _ := r.Add(accesskey.Serialize(exampleCfg))
	other := exampleCfg
	other.Host = "other.example.com"
	b, _ := r.Add(accesskey.Serialize(other))

	ctx := context.Background()
	if err := a.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	r.Forget(a.ID())
	r.Forget(b.ID())

	ta := h.tunnels.Get(a.ID())
	if running, _ := ta.IsRunning(ctx); running || ta.Stops != 1 {
		t.Fatalf("replaced server: running=%v stops=%d", running, ta.Stops)
	}
	h.got = nil
	ta.Emit(tunnel.StatusReconnecting)
	if len(h.got) != 0 {
		t.Fatalf("released server still forwards status: %v", h.got)
	}
}

func TestDisconnectAll(t *testing.T) {
	h := newHarness(nil)
	r := h.open(t)
	a, _ := r.Add(accesskey.Serialize(exampleCfg))
	other := exampleCfg
	other.Host = "other.example.com"
	b, _ := r.Add(accesskey.Serialize(other))
	idle := exampleCfg
	idle.Host = "idle.example.com"
	c, _ := r.Add(accesskey.Serialize(idle))

	ctx := context.Background()
	for _, s := range []server.Server{a, b} {
		if err := s.Connect(ctx); err != nil {
			t.Fatalf("Connect: %v", err)
		}
	}
	r.Forget(a.ID())

	r.DisconnectAll(ctx)
	for _, s := range []server.Server{a, b} {
		tn := h.tunnels.Get(s.ID())
		if running, _ := tn.IsRunning(ctx); running || tn.Stops != 1 {
			t.Fatalf("%s: running=%v stops=%d", s.ID(), running, tn.Stops)
		}
	}
	if n := h.tunnels.Get(c.ID()).Stops; n != 0 {
		t.Fatalf("idle server stopped %d times", n)
	}
}

func TestForget_Unknown(t *testing.T) {
	h := newHarness(nil)
	r := h.open(t)
	if ok, err := r.Forget("missing"); ok || err != nil {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if ok, err := r.UndoForget("missing"); ok || err != nil {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if len(h.got) != 0 {
		t.Fatalf("events=%v", h.got)
	}
	if _, ok := h.store.GetItem(KeyServers); ok {
		t.Fatalf("no-op should not write storage")
	}
}

func TestLoad_V1(t *testing.T) {
	second := exampleCfg
	second.Host = "second.example.com"
	recs := []model.ServerRecord{
		{ID: "b", AccessKey: accesskey.Serialize(exampleCfg), Name: "first"},
		{ID: "a", AccessKey: accesskey.Serialize(second), Name: "second"},
		{ID: "c", AccessKey: "https://example.com/c", Name: "dynamic"},
	}
	raw, _ := json.Marshal(recs)
	h := newHarness(map[string]string{
		KeyServers:   string(raw),
		KeyServersV0: `{"ignored": {"host": "h", "port": 1, "password": "pw", "method": "aes-128-gcm"}}`,
	})
	r := h.open(t)

	if !equalStrings(ids(r.GetAll()), []string{"b", "a", "c"}) {
		t.Fatalf("ids=%v", ids(r.GetAll()))
	}
	if s, _ := r.GetByID("a"); s.Name() != "second" {
		t.Fatalf("name=%q", s.Name())
	}
	if len(h.got) != 0 {
		t.Fatalf("loading should not emit events: %v", h.got)
	}
}

func TestLoad_V0Migration(t *testing.T) {
	h := newHarness(map[string]string{
		KeyServersV0: `{"id1": {"host": "h", "port": 1, "password": "pw", "method": "aes-128-gcm", "name": "n"}}`,
	})
	r := h.open(t)

	all := r.GetAll()
	if len(all) != 1 {
		t.Fatalf("len=%d, want=1", len(all))
	}
	s := all[0]
	if s.ID() != "id1" || s.Name() != "n" {
		t.Fatalf("id=%q name=%q", s.ID(), s.Name())
	}
	want := model.ProxyConfig{Host: "h", Port: 1, Password: "pw", Method: "aes-128-gcm"}
	if !accesskey.Equivalent(s.AccessKey(), accesskey.Serialize(want)) {
		t.Fatalf("accessKey=%q", s.AccessKey())
	}

	if _, ok := h.store.GetItem(KeyServers); ok {
		t.Fatalf("loading alone should not write")
	}
	if _, err := r.Rename("id1", "renamed"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	recs := h.stored(t)
	if len(recs) != 1 || recs[0].ID != "id1" || recs[0].Name != "renamed" {
		t.Fatalf("stored=%+v", recs)
	}
	v0, _ := h.store.GetItem(KeyServersV0)
	if v0 != `{"id1": {"host": "h", "port": 1, "password": "pw", "method": "aes-128-gcm", "name": "n"}}` {
		t.Fatalf("legacy key must not be rewritten: %q", v0)
	}
}

func TestLoad_V0SortedAndSkipsBadEntries(t *testing.T) {
	h := newHarness(map[string]string{
		KeyServersV0: `{
			"z": {"host": "z.example.com", "port": 1, "password": "pw", "method": "aes-128-gcm"},
			"bad": {"host": "x", "port": "not-a-number"},
			"a": {"host": "a.example.com", "port": 1, "password": "pw", "method": "aes-128-gcm"}
		}`,
	})
	r := h.open(t)
	if !equalStrings(ids(r.GetAll()), []string{"a", "z"}) {
		t.Fatalf("ids=%v", ids(r.GetAll()))
	}
	if h.logs.FilterMessage("skipping malformed V0 server").Len() != 1 {
		t.Fatalf("missing log for malformed entry")
	}
}

func TestLoad_SkipsBadEntries(t *testing.T) {
	rc4 := exampleCfg
	rc4.Method = "rc4"
	dup := exampleCfg
	dup.Name = "dup"
	raw := fmt.Sprintf(`[
		{"id": "ok", "accessKey": %q, "name": "ok"},
		42,
		{"id": "broken", "accessKey": "ss://broken", "name": "x"},
		{"id": "dup", "accessKey": %q, "name": "dup"},
		{"id": "", "accessKey": "https://example.com/c"},
		{"id": "legacy-cipher", "accessKey": %q, "name": "old"}
	]`, accesskey.Serialize(exampleCfg), accesskey.Serialize(dup), accesskey.Serialize(rc4))
	h := newHarness(map[string]string{KeyServers: raw})
	r := h.open(t)

	if !equalStrings(ids(r.GetAll()), []string{"ok", "legacy-cipher"}) {
		t.Fatalf("ids=%v", ids(r.GetAll()))
	}
	s, _ := r.GetByID("legacy-cipher")
	if s.ErrorMessageID() != server.ErrorMessageUnsupportedCipher {
		t.Fatalf("ErrorMessageID=%q", s.ErrorMessageID())
	}
}

func TestLoad_MalformedDocumentIsFatal(t *testing.T) {
	for _, items := range []map[string]string{
		{KeyServers: "{not json"},
		{KeyServers: `{"id": "x"}`},
		{KeyServersV0: "[1, 2"},
	} {
		h := newHarness(items)
		if _, err := h.tryOpen(); err == nil {
			t.Fatalf("expected error for %v", items)
		}
	}
}

func TestLoad_EmptyStorage(t *testing.T) {
	h := newHarness(map[string]string{KeyServers: ""})
	r := h.open(t)
	if len(r.GetAll()) != 0 {
		t.Fatalf("expected empty repository")
	}
}

type failingStorage struct {
	*storage.Memory
	fail bool
}

func (f *failingStorage) SetItem(key, value string) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.Memory.SetItem(key, value)
}

func TestStoreFailureRollsBack(t *testing.T) {
	st := &failingStorage{Memory: storage.NewMemory(nil)}
	r, err := New(Options{Storage: st, TunnelFactory: (&tunneltest.Factory{}).New})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s, err := r.Add(accesskey.Serialize(exampleCfg))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	st.fail = true
	other := exampleCfg
	other.Port = 1
	if _, err := r.Add(accesskey.Serialize(other)); err == nil {
		t.Fatalf("expected store error")
	}
	if len(r.GetAll()) != 1 {
		t.Fatalf("failed add should not be indexed")
	}
	if _, err := r.Rename(s.ID(), "B"); err == nil || s.Name() != "A" {
		t.Fatalf("failed rename should roll back, name=%q err=%v", s.Name(), err)
	}
	if _, err := r.Forget(s.ID()); err == nil {
		t.Fatalf("expected store error")
	}
	if _, ok := r.GetByID(s.ID()); !ok {
		t.Fatalf("failed forget should keep the server")
	}
}

func TestNew_DefaultIDsAreUUIDs(t *testing.T) {
	r, err := New(Options{Storage: storage.NewMemory(nil), TunnelFactory: (&tunneltest.Factory{}).New})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s, err := r.Add(accesskey.Serialize(exampleCfg))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if len(s.ID()) != 36 {
		t.Fatalf("id=%q, want a UUID", s.ID())
	}
}
