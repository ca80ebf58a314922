package pipeline

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Level classifies a progress event.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
	LevelSuccess Level = "success"
)

// Event is one progress message of a run. Seq starts at 1 and increases
// strictly within a run, so consumers can order replays without relying
// on timestamps.
type Event struct {
	Seq     int       `json:"seq"`
	Time    time.Time `json:"time"`
	Level   Level     `json:"level"`
	Message string    `json:"message"`
}

// Sink receives run events in publish order. Publish must not block for
// long; the run loop calls it inline.
type Sink interface {
	Publish(e Event)
}

// SlogSink forwards events to a structured logger.
type SlogSink struct {
	Log *slog.Logger
}

func (s SlogSink) Publish(e Event) {
	switch e.Level {
	case LevelWarning:
		s.Log.Warn(e.Message, "seq", e.Seq)
	case LevelError:
		s.Log.Error(e.Message, "seq", e.Seq)
	default:
		s.Log.Info(e.Message, "seq", e.Seq, "level", string(e.Level))
	}
}

// BufferSink accumulates events in memory. Job status snapshots and tests
// read them back through Events.
type BufferSink struct {
	mu     sync.Mutex
	events []Event
}

func (b *BufferSink) Publish(e Event) {
	b.mu.Lock()
	b.events = append(b.events, e)
	b.mu.Unlock()
}

// Events returns a copy of everything published so far.
func (b *BufferSink) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.events))
	copy(out, b.events)
	return out
}

// StreamSink fans events out to subscribers over buffered channels. A
// subscriber that falls behind loses events rather than stalling the run.
type StreamSink struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func NewStreamSink() *StreamSink {
	return &StreamSink{subs: make(map[int]chan Event)}
}

func (s *StreamSink) Publish(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers a new consumer and returns its channel plus a
// cancel function that closes it. Cancel is safe to call twice.
func (s *StreamSink) Subscribe() (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	ch := make(chan Event, 256)
	s.subs[id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// MultiSink publishes to every wrapped sink in order.
type MultiSink []Sink

func (m MultiSink) Publish(e Event) {
	for _, s := range m {
		s.Publish(e)
	}
}

// emitter stamps sequence numbers and timestamps onto outgoing events.
// The run loop is single-goroutine, so no lock is needed.
type emitter struct {
	sink Sink
	seq  int
}

func (e *emitter) emit(level Level, format string, args ...any) {
	e.seq++
	if e.sink == nil {
		return
	}
	e.sink.Publish(Event{
		Seq:     e.seq,
		Time:    time.Now(),
		Level:   level,
		Message: fmt.Sprintf(format, args...),
	})
}
