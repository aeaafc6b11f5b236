package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Publisher: in-process fan-out with bounded per-subscriber queues
// ---------------------------------------------------------------------------

// Publisher delivers events to every subscriber without ever blocking the
// caller: a subscriber whose queue is full loses the event. State changes
// that produced an event are never rolled back because of delivery.
type Publisher struct {
	mu     sync.RWMutex
	subs   []*subscription
	closed bool

	published atomic.Int64
}

type subscription struct {
	name    string
	ch      chan Event
	dropped atomic.Int64
}

// NewPublisher creates an empty publisher.
func NewPublisher() *Publisher {
	return &Publisher{}
}

// Subscribe registers a named subscriber with a queue of size buffer.
// The channel is closed by Close.
func (p *Publisher) Subscribe(name string, buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 256
	}
	s := &subscription{name: name, ch: make(chan Event, buffer)}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		close(s.ch)
		return s.ch
	}
	p.subs = append(p.subs, s)
	return s.ch
}

// Publish hands ev to every subscriber that has room.
func (p *Publisher) Publish(ev Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	p.published.Add(1)
	for _, s := range p.subs {
		select {
		case s.ch <- ev:
		default:
			if s.dropped.Add(1)%100 == 1 {
				log.Warn().Str("subscriber", s.name).Str("kind", ev.Kind()).
					Int64("dropped", s.dropped.Load()).Msg("bus: subscriber queue full, dropping")
			}
		}
	}
}

// Close closes every subscriber channel. Later publishes are ignored.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, s := range p.subs {
		close(s.ch)
	}
}

// PublisherStats are fan-out counters.
type PublisherStats struct {
	Published int64            `json:"published"`
	Dropped   map[string]int64 `json:"dropped"`
}

func (p *Publisher) Stats() PublisherStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st := PublisherStats{Published: p.published.Load(), Dropped: make(map[string]int64, len(p.subs))}
	for _, s := range p.subs {
		st.Dropped[s.name] = s.dropped.Load()
	}
	return st
}

// Envelope is the wire form of an event on Kafka.
type Envelope struct {
	Kind  string `json:"kind"`
	Event Event  `json:"event"`
}

// Forward drains events into producer under topic until events is closed.
// Failures are logged and the event is skipped.
func Forward(ctx context.Context, events <-chan Event, producer Producer, topic string) {
	for ev := range events {
		data, err := json.Marshal(Envelope{Kind: ev.Kind(), Event: ev})
		if err != nil {
			log.Error().Err(err).Str("kind", ev.Kind()).Msg("bus: marshal event")
			continue
		}
		msg := Message{
			Topic: topic,
			Key:   ev.Key(),
			Value: data,
			Headers: map[string]string{
				"kind":     ev.Kind(),
				"event_id": ev.Base().EventID,
				"trace_id": ev.Base().TraceID,
			},
			Timestamp: ev.Base().Timestamp,
		}
		if err := producer.Publish(ctx, msg); err != nil {
			log.Warn().Err(fmt.Errorf("forward %s: %w", ev.Kind(), err)).Msg("bus: forward failed")
		}
	}
}
