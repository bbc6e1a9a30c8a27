// Package feed fan-outs request lifecycle events to SSE subscribers so
// dashboards can watch the workflow live.
package feed

import (
	"context"
	"sync"
	"time"

	"communa.org/internal/entity"
	"communa.org/internal/requests"
)

// Event describes one request lifecycle change.
type Event struct {
	RequestID string     `json:"request_id"`
	From      entity.Ref `json:"from"`
	To        entity.Ref `json:"to"`
	Target    entity.Ref `json:"target"`
	Purpose   string     `json:"purpose"`
	Type      string     `json:"type"`
	State     string     `json:"state"`
	Timestamp time.Time  `json:"timestamp"`
}

// FromRequest builds the event for a request's current state.
func FromRequest(req requests.Request) Event {
	return Event{
		RequestID: req.ID,
		From:      req.From,
		To:        req.To,
		Target:    req.For,
		Purpose:   req.Purpose,
		Type:      req.Type,
		State:     string(req.State),
		Timestamp: time.Now().UTC(),
	}
}

// Feed fan-outs events to all active subscribers.
type Feed struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// New initialises an empty feed.
func New() *Feed {
	return &Feed{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (f *Feed) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = ch
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs, id)
		close(ch)
		f.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (f *Feed) Publish(evt Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, ch := range f.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
