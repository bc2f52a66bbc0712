package tunnel

import (
	"sync"

	"golang.org/x/exp/slices"
)

// Listeners is a small registry tunnel implementations can embed to support
// OnStatusChange.
type Listeners struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(Status)
}

type listenerHandle struct {
	l  *Listeners
	id int
}

func (h listenerHandle) Cancel() {
	h.l.mu.Lock()
	delete(h.l.fns, h.id)
	h.l.mu.Unlock()
}

func (l *Listeners) Add(fn func(Status)) Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]func(Status))
	}
	l.next++
	l.fns[l.next] = fn
	return listenerHandle{l: l, id: l.next}
}

// Notify calls every listener outside the lock, in registration order.
func (l *Listeners) Notify(s Status) {
	l.mu.Lock()
	ids := make([]int, 0, len(l.fns))
	for id := range l.fns {
		ids = append(ids, id)
	}
	fns := make([]func(Status), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, l.fns[id])
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}
