// Package events delivers domain events (servers added, renamed, forgotten,
// connection state changes) to subscribers in the order they were enqueued.
package events

import (
	"sync"

	"go.uber.org/atomic"
)

type Listener func(Event)

// Queue is the single fan-out point between the core and its observers.
//
// Events are buffered until StartPublishing is called. Enqueue may be called
// from any goroutine (tunnel status callbacks arrive asynchronously) and from
// inside a listener; an event enqueued by a listener is delivered after the
// one being delivered. Ordering relative to concurrent repository mutations is
// not guaranteed.
type Queue struct {
	mu         sync.Mutex
	pending    []Event
	listeners  map[string][]*Subscription
	draining   bool
	publishing atomic.Bool
}

func NewQueue() *Queue {
	return &Queue{listeners: make(map[string][]*Subscription)}
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	q        *Queue
	name     string
	fn       Listener
	canceled atomic.Bool
}

// Cancel stops delivery to the listener. It is safe to call more than once.
func (s *Subscription) Cancel() {
	if s == nil || s.canceled.Swap(true) {
		return
	}
	s.q.mu.Lock()
	defer s.q.mu.Unlock()
	subs := s.q.listeners[s.name]
	for i, sub := range subs {
		if sub == s {
			s.q.listeners[s.name] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
}

// Subscribe registers fn for events whose EventName equals name. An empty
// name subscribes to every event.
func (q *Queue) Subscribe(name string, fn Listener) *Subscription {
	sub := &Subscription{q: q, name: name, fn: fn}
	q.mu.Lock()
	q.listeners[name] = append(q.listeners[name], sub)
	q.mu.Unlock()
	return sub
}

func (q *Queue) Enqueue(e Event) {
	q.mu.Lock()
	q.pending = append(q.pending, e)
	q.mu.Unlock()
	q.drain()
}

// StartPublishing delivers everything buffered so far and every event
// enqueued afterwards.
func (q *Queue) StartPublishing() {
	q.publishing.Store(true)
	q.drain()
}

// drain delivers pending events one at a time. Only one goroutine drains at
// a time; others just append and return.
func (q *Queue) drain() {
	if !q.publishing.Load() {
		return
	}
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	for len(q.pending) > 0 {
		e := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]

		subs := make([]*Subscription, 0, len(q.listeners[""])+len(q.listeners[e.EventName()]))
		subs = append(subs, q.listeners[e.EventName()]...)
		subs = append(subs, q.listeners[""]...)
		q.mu.Unlock()

		for _, sub := range subs {
			if !sub.canceled.Load() {
				sub.fn(e)
			}
		}

		q.mu.Lock()
	}
	q.draining = false
	q.mu.Unlock()
}
