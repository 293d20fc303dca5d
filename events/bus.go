// Package events provides an in-process publish/subscribe channel.
package events

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Observer receives published events on the subscription's own goroutine.
type Observer[T any] func(T)

// Bus fans every published event out to all registered observers. Publish
// never blocks on observers: each subscription keeps its own unbounded queue
// drained in FIFO order by a dedicated goroutine.
type Bus[T any] struct {
	name   string
	logger logrus.FieldLogger

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*Subscription[T]
	closed bool
}

// Subscription is the handle returned by Subscribe.
type Subscription[T any] struct {
	id       uint64
	bus      *Bus[T]
	observer Observer[T]

	mu      sync.Mutex
	queue   []T
	stopped bool
	wake    chan struct{}
	done    chan struct{}
	exited  chan struct{}
}

// NewBus creates an empty bus. name is attached to log entries.
func NewBus[T any](name string, logger logrus.FieldLogger) *Bus[T] {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Bus[T]{
		name:   name,
		logger: logger,
		subs:   make(map[uint64]*Subscription[T]),
	}
}

// Subscribe registers observer for every event published from now on.
func (b *Bus[T]) Subscribe(observer Observer[T]) *Subscription[T] {
	sub := &Subscription[T]{
		bus:      b,
		observer: observer,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.stopped = true
		close(sub.done)
		close(sub.exited)
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go sub.run()
	return sub
}

// Unsubscribe removes a subscription. Events queued for it but not yet
// delivered are discarded. Unsubscribing twice is a no-op.
func (b *Bus[T]) Unsubscribe(sub *Subscription[T]) {
	if sub == nil || sub.bus != b {
		return
	}

	b.mu.Lock()
	delete(b.subs, sub.id)
	b.mu.Unlock()

	sub.stop()
}

// Publish enqueues event for every current subscriber.
func (b *Bus[T]) Publish(event T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for _, sub := range b.subs {
		sub.enqueue(event)
	}
}

// Len returns the number of registered observers.
func (b *Bus[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close unsubscribes everyone and turns further publishes into no-ops.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*Subscription[T])
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
}

// Done is closed once the subscription goroutine has exited.
func (s *Subscription[T]) Done() <-chan struct{} {
	return s.exited
}

func (s *Subscription[T]) enqueue(event T) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, event)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription[T]) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.queue = nil
	s.mu.Unlock()

	close(s.done)
}

func (s *Subscription[T]) run() {
	defer close(s.exited)

	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			event, ok := s.next()
			if !ok {
				break
			}
			s.deliver(event)
		}
	}
}

func (s *Subscription[T]) next() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T
	if s.stopped || len(s.queue) == 0 {
		return zero, false
	}
	event := s.queue[0]
	s.queue[0] = zero
	s.queue = s.queue[1:]
	return event, true
}

func (s *Subscription[T]) deliver(event T) {
	defer func() {
		if r := recover(); r != nil {
			s.bus.logger.WithFields(logrus.Fields{
				"function":     "deliver",
				"bus":          s.bus.name,
				"subscription": s.id,
				"panic":        r,
			}).Error("Observer panicked; event skipped for this observer")
		}
	}()
	s.observer(event)
}
