package core

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/gammazero/deque"
)

// Subscription is one connection's view of a RoomChannel.
type Subscription struct {
	id    SubscriberID
	limit int

	mu     sync.Mutex
	buf    deque.Deque[Message]
	closed bool

	notify  chan struct{}
	done    chan struct{}
	dropped atomic.Uint64
}

func newSubscription(id SubscriberID, limit int) *Subscription {
	return &Subscription{
		id:     id,
		limit:  limit,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (s *Subscription) ID() SubscriberID { return s.id }

// Notify fires at least once after new messages were buffered.
func (s *Subscription) Notify() <-chan struct{} { return s.notify }

// Done is closed once the subscription has been removed from its channel.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Dropped is the number of messages evicted because this subscriber fell behind.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Len()
}

func (s *Subscription) push(m Message) (delivered, evicted bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, false
	}
	if s.buf.Len() >= s.limit {
		s.buf.PopFront()
		s.dropped.Add(1)
		evicted = true
	}
	s.buf.PushBack(m)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true, evicted
}

// Drain pops every buffered message in FIFO order.
func (s *Subscription) Drain() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf.Len() == 0 {
		return nil
	}
	out := make([]Message, 0, s.buf.Len())
	for s.buf.Len() > 0 {
		out = append(out, s.buf.PopFront())
	}
	return out
}

// Next blocks until a message is available, the subscription closes or ctx ends.
func (s *Subscription) Next(ctx context.Context) (Message, error) {
	for {
		s.mu.Lock()
		if s.buf.Len() > 0 {
			m := s.buf.PopFront()
			s.mu.Unlock()
			return m, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Message{}, ErrSubscriptionClosed
		}

		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-s.done:
		case <-s.notify:
		}
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.buf.Clear()
	close(s.done)
}
