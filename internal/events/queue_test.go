package events

import (
	"sync"
	"testing"
)

type fakeServer struct{ id string }

func (s fakeServer) ID() string   { return s.id }
func (s fakeServer) Name() string { return "name-" + s.id }

func TestQueue_BuffersUntilPublishing(t *testing.T) {
	q := NewQueue()
	var got []string
	q.Subscribe("", func(e Event) { got = append(got, e.EventName()+":"+e.Server().ID()) })

	q.Enqueue(NewServerAdded(fakeServer{"a"}))
	q.Enqueue(NewServerRenamed(fakeServer{"a"}))
	if len(got) != 0 {
		t.Fatalf("delivered before StartPublishing: %v", got)
	}

	q.StartPublishing()
	q.Enqueue(NewServerForgotten(fakeServer{"a"}))

	want := []string{"server_added:a", "server_renamed:a", "server_forgotten:a"}
	if len(got) != len(want) {
		t.Fatalf("got=%v, want=%v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got[%d]=%q, want=%q", i, got[i], want[i])
		}
	}
}

func TestQueue_FilterByName(t *testing.T) {
	q := NewQueue()
	q.StartPublishing()

	var added, all int
	q.Subscribe(NameServerAdded, func(Event) { added++ })
	q.Subscribe("", func(Event) { all++ })

	q.Enqueue(NewServerAdded(fakeServer{"a"}))
	q.Enqueue(NewServerConnected(fakeServer{"a"}))

	if added != 1 || all != 2 {
		t.Fatalf("added=%d all=%d, want 1/2", added, all)
	}
}

func TestQueue_ReentrantEnqueueKeepsOrder(t *testing.T) {
	q := NewQueue()
	q.StartPublishing()

	var got []string
	q.Subscribe("", func(e Event) {
		got = append(got, e.EventName())
		if e.EventName() == NameServerForgotten {
			q.Enqueue(NewServerForgetUndone(e.Server()))
		}
	})
	q.Subscribe(NameServerForgotten, func(e Event) { got = append(got, "second-listener") })

	q.Enqueue(NewServerForgotten(fakeServer{"a"}))

	want := []string{"second-listener", NameServerForgotten, NameServerForgetUndone}
	if len(got) != len(want) {
		t.Fatalf("got=%v, want=%v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got=%v, want=%v", got, want)
		}
	}
}

func TestSubscription_Cancel(t *testing.T) {
	q := NewQueue()
	q.StartPublishing()

	n := 0
	sub := q.Subscribe("", func(Event) { n++ })
	q.Enqueue(NewServerAdded(fakeServer{"a"}))
	sub.Cancel()
	sub.Cancel()
	q.Enqueue(NewServerAdded(fakeServer{"b"}))

	if n != 1 {
		t.Fatalf("n=%d, want=1", n)
	}
}

func TestQueue_ConcurrentEnqueue(t *testing.T) {
	q := NewQueue()
	q.StartPublishing()

	var mu sync.Mutex
	n := 0
	q.Subscribe("", func(Event) {
		mu.Lock()
		n++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				q.Enqueue(NewServerReconnecting(fakeServer{"x"}))
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if n != 400 {
		t.Fatalf("n=%d, want=400", n)
	}
}
