// Package events fans out change notifications to any number of
// subscribers.  Publishing never blocks: each subscriber owns an
// unbounded FIFO backlog that a dedicated goroutine drains into the
// subscriber's channel, so a slow observer delays only itself.
package events

import (
	"sync"

	"github.com/eapache/queue"
)

// Broadcaster delivers every published value to all live subscribers,
// in publish order per subscriber.
type Broadcaster[T any] struct {
	mu   sync.Mutex
	subs map[*Subscription[T]]struct{}
}

// New returns an empty Broadcaster.
func New[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{subs: make(map[*Subscription[T]]struct{})}
}

// Subscribe registers a new subscriber.  The caller must Close it.
func (b *Broadcaster[T]) Subscribe() *Subscription[T] {
	s := &Subscription[T]{
		backlog: queue.New(),
		out:     make(chan T),
		done:    make(chan struct{}),
		owner:   b,
	}
	s.cond = sync.NewCond(&s.mu)

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.pump()
	return s
}

// Publish queues v for every subscriber and returns immediately.
func (b *Broadcaster[T]) Publish(v T) {
	if b == nil {
		return
	}
	b.mu.Lock()
	subs := make([]*Subscription[T], 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.push(v)
	}
}

// Len returns the number of live subscribers.
func (b *Broadcaster[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends every subscription.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*Subscription[T]]struct{})
	b.mu.Unlock()

	for s := range subs {
		s.shutdown()
	}
}

func (b *Broadcaster[T]) remove(s *Subscription[T]) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// Subscription is one observer's view of a Broadcaster.
type Subscription[T any] struct {
	mu      sync.Mutex
	cond    *sync.Cond
	backlog *queue.Queue
	closed  bool

	out   chan T
	done  chan struct{}
	once  sync.Once
	owner *Broadcaster[T]
}

// C returns the delivery channel.  It is closed after Close.
func (s *Subscription[T]) C() <-chan T { return s.out }

// Pending returns how many values are queued but not yet delivered.
func (s *Subscription[T]) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backlog.Length()
}

// Close detaches the subscription and drops any undelivered values.
func (s *Subscription[T]) Close() {
	s.owner.remove(s)
	s.shutdown()
}

func (s *Subscription[T]) shutdown() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.cond.Broadcast()
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *Subscription[T]) push(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.backlog.Add(v)
	s.cond.Signal()
}

func (s *Subscription[T]) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for s.backlog.Length() == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		v := s.backlog.Remove().(T)
		s.mu.Unlock()

		select {
		case s.out <- v:
		case <-s.done:
			return
		}
	}
}
