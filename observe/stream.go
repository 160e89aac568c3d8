package observe

import (
	"context"
	"sync"
)

// Stream is an in-process publish/subscribe fan-out for events. The
// engine publishes after every node transition; transports (SSE,
// websocket) subscribe per session. Slow subscribers drop events
// instead of blocking the publisher.
type Stream struct {
	mu       sync.RWMutex
	nextID   int
	closed   bool
	watchers map[int]*watcher
}

type watcher struct {
	sessionID string
	ch        chan Event
}

func NewStream() *Stream {
	return &Stream{watchers: map[int]*watcher{}}
}

// Subscribe registers a watcher. An empty sessionID receives events
// for every session. Callers must Unsubscribe when done.
func (s *Stream) Subscribe(sessionID string, buffer int) (int, <-chan Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if buffer <= 0 {
		buffer = 64
	}
	id := s.nextID
	s.nextID++
	w := &watcher{sessionID: sessionID, ch: make(chan Event, buffer)}
	if s.closed {
		close(w.ch)
		return id, w.ch
	}
	s.watchers[id] = w
	return id, w.ch
}

func (s *Stream) Unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.watchers[id]; ok {
		delete(s.watchers, id)
		close(w.ch)
	}
}

func (s *Stream) Publish(event Event) {
	event.Normalize()
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.watchers {
		if w.sessionID != "" && w.sessionID != event.SessionID {
			continue
		}
		select {
		case w.ch <- event:
		default:
		}
	}
}

// Close drops every watcher and closes their channels. Later
// subscriptions receive an already-closed channel.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, w := range s.watchers {
		delete(s.watchers, id)
		close(w.ch)
	}
}

// Emit lets a Stream be used directly as a Sink.
func (s *Stream) Emit(ctx context.Context, event Event) error {
	_ = ctx
	s.Publish(event)
	return nil
}
