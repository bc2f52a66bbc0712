package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/John-Robertt/sskeyring/internal/events"
)

type eventView struct {
	Seq        uint64    `json:"seq"`
	Name       string    `json:"name"`
	ServerID   string    `json:"serverId"`
	ServerName string    `json:"serverName"`
	Time       time.Time `json:"time"`
}

// eventRing keeps the last size events. It is fed from the event queue,
// which may run on a tunnel goroutine.
type eventRing struct {
	mu   sync.Mutex
	size int
	seq  uint64
	buf  []eventView
	now  func() time.Time
}

func newEventRing(size int) *eventRing {
	return &eventRing{size: size, now: time.Now}
}

func (r *eventRing) record(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	v := eventView{Seq: r.seq, Name: e.EventName(), Time: r.now().UTC()}
	if s := e.Server(); s != nil {
		v.ServerID = s.ID()
		v.ServerName = s.Name()
	}
	if len(r.buf) == r.size {
		copy(r.buf, r.buf[1:])
		r.buf = r.buf[:len(r.buf)-1]
	}
	r.buf = append(r.buf, v)
}

func (r *eventRing) snapshot() []eventView {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]eventView, len(r.buf))
	copy(out, r.buf)
	return out
}

func (a *api) handleEvents(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, a.events.snapshot())
}
