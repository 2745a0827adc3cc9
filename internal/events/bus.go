// Package events fans state changes out to UI subscribers and keeps an
// append-only journal of tunnel and session lifecycle records.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/treykane/sshgate/internal/util"
)

type Topic string

const (
	TopicTunnelsChanged      Topic = "tunnels:changed"
	TopicSavedTunnelsChanged Topic = "saved_tunnels_changed"
	TopicHostConfigUpdated   Topic = "host_config_updated"
	TopicTerminalStatus      Topic = "terminal:status"
	TopicLog                 Topic = "log"
)

// Event is one published notification. Data is one of the payload types
// below or a model value (model.ActiveTunnelInfo for tunnels:changed).
type Event struct {
	Seq   uint64    `json:"seq"`
	Topic Topic     `json:"topic"`
	Time  time.Time `json:"time"`
	Data  any       `json:"data,omitempty"`
}

type TerminalStatus struct {
	SessionID string `json:"sessionId"`
	Alias     string `json:"alias"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
}

type LogLine struct {
	Level   string            `json:"level"`
	Message string            `json:"message"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}

// Bus is a publish/subscribe hub. Publish never blocks: each subscriber has
// a bounded queue and the oldest queued event is dropped when it is full.
type Bus struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	buffer int
	seq    uint64
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = util.DefaultEventBuffer
	}
	return &Bus{subs: map[*Subscription]struct{}{}, buffer: buffer}
}

// Subscription receives events for the topics it was created with, or all
// topics when none were given.
type Subscription struct {
	bus     *Bus
	ch      chan Event
	topics  map[Topic]bool
	mu      sync.Mutex
	closed  bool
	dropped atomic.Uint64
}

func (b *Bus) Subscribe(topics ...Topic) *Subscription {
	s := &Subscription{bus: b, ch: make(chan Event, b.buffer)}
	if len(topics) > 0 {
		s.topics = map[Topic]bool{}
		for _, t := range topics {
			s.topics[t] = true
		}
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Publish delivers an event to every matching subscriber. Events are
// sequenced under the bus lock, so subscribers see them in publish order.
func (b *Bus) Publish(topic Topic, data any) Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	evt := Event{Seq: b.seq, Topic: topic, Time: time.Now().UTC(), Data: data}
	for s := range b.subs {
		if s.topics != nil && !s.topics[topic] {
			continue
		}
		s.offer(evt)
	}
	return evt
}

// Subscribers reports the number of open subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (s *Subscription) offer(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- evt:
		return
	default:
	}
	select {
	case <-s.ch:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.ch <- evt:
	default:
		s.dropped.Add(1)
	}
}

func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped counts events discarded because the queue was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unsubscribes and closes the channel. It is safe to call twice.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
