// Package broadcast implements a small multi-producer/multi-consumer
// pub-sub primitive. It generalizes the single EventHandler callback the
// sync engine historically dispatched everything through into one
// independent Stream per named event category (onUpdate, onSync, onEvent,
// and so on), each with its own set of subscribers.
//
// A Stream never replays: a subscriber only observes values emitted after
// it subscribes, matching the "late-subscriber" semantics event-driven
// clients rely on (subscribing late means starting from "now", not from
// history the persistent store already captured).
package broadcast

import (
	sync "github.com/sasha-s/go-deadlock"
)

// Stream is a typed broadcast channel: Emit fans a value out to every
// currently-registered subscriber. The zero value is ready to use.
type Stream[T any] struct {
	mu   sync.RWMutex
	subs map[int]func(T)
	next int
}

// Subscription is the handle returned by Subscribe; call Unsubscribe to
// stop receiving further values.
type Subscription struct {
	cancel func()
}

// Unsubscribe removes the subscriber. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.cancel == nil {
		return
	}
	s.cancel()
	s.cancel = nil
}

// Subscribe registers fn to be called with every value Emit'd after this
// call returns.
func (s *Stream[T]) Subscribe(fn func(T)) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs == nil {
		s.subs = make(map[int]func(T))
	}
	id := s.next
	s.next++
	s.subs[id] = fn
	return &Subscription{cancel: func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}}
}

// Emit synchronously calls every current subscriber with value, in
// unspecified order. Subscribers added or removed during Emit do not
// affect the set of callbacks this call notifies.
func (s *Stream[T]) Emit(value T) {
	s.mu.RLock()
	callbacks := make([]func(T), 0, len(s.subs))
	for _, fn := range s.subs {
		callbacks = append(callbacks, fn)
	}
	s.mu.RUnlock()
	for _, fn := range callbacks {
		fn(value)
	}
}

// NumSubscribers reports the number of currently-registered subscribers,
// mostly useful for tests.
func (s *Stream[T]) NumSubscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
