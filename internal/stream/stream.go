package stream

import (
	"context"
	"sync"
	"time"
)

// Event kinds published on the circulation stream.
const (
	KindCheckout    = "checkout"
	KindReturn      = "return"
	KindFulfillment = "fulfillment"
	KindFinePosted  = "fine_posted"
)

// CirculationEvent describes a single circulation state change for live
// dashboards subscribed over SSE.
type CirculationEvent struct {
	Kind      string    `json:"kind"`
	LoanID    string    `json:"loan_id,omitempty"`
	UserID    string    `json:"user_id"`
	BookID    string    `json:"book_id,omitempty"`
	CopyID    string    `json:"copy_id,omitempty"`
	FineID    string    `json:"fine_id,omitempty"`
	Amount    int64     `json:"amount,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Stream fan-outs circulation events to all active subscribers.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan CirculationEvent
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan CirculationEvent)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan CirculationEvent {
	ch := make(chan CirculationEvent, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt CirculationEvent) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
