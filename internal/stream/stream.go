// Package stream provides an in-process fan-out of events to live
// subscribers (SSE clients tailing the audit trail).
package stream

import (
	"context"
	"sync"
)

const subscriberBuffer = 16

// Stream fan-outs values to all active subscribers. Slow subscribers drop
// events rather than block the publisher.
type Stream[T any] struct {
	mu   sync.RWMutex
	subs map[int]chan T
	next int
}

// New initialises an empty stream.
func New[T any]() *Stream[T] {
	return &Stream[T]{subs: make(map[int]chan T)}
}

// Subscribe registers a new subscriber whose channel is closed when the
// context is cancelled.
func (s *Stream[T]) Subscribe(ctx context.Context) <-chan T {
	ch := make(chan T, subscriberBuffer)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
		close(ch)
	}()

	return ch
}

// Publish delivers the value to every subscriber that has buffer room.
func (s *Stream[T]) Publish(v T) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- v:
		default:
		}
	}
}

// Subscribers returns the current subscriber count.
func (s *Stream[T]) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
