// Package feed maintains the subscription to the token-discovery source and
// turns it into an ordered, restartable stream of discovery events.
package feed

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/launchguard/internal/domain"
	"github.com/nexus-trading/launchguard/internal/retry"
	"github.com/rs/zerolog/log"
)

// Kind distinguishes a fresh launch from a tracked milestone.
type Kind string

const (
	KindCreated  Kind = "created"
	KindMigrated Kind = "migrated"
)

// Event is one discovery notification.
type Event struct {
	Kind       Kind                 `json:"kind"`
	Snapshot   domain.TokenSnapshot `json:"snapshot"`
	Signature  string               `json:"signature,omitempty"`
	Pool       string               `json:"pool,omitempty"`
	ReceivedAt time.Time            `json:"received_at"`
}

// Conn is one live session with the discovery source.
type Conn interface {
	// Next blocks until the next event arrives or the session fails.
	Next(ctx context.Context) (Event, error)
	Close() error
}

// Source opens sessions with the discovery source.
type Source interface {
	Dial(ctx context.Context) (Conn, error)
}

// Config configures the connector.
type Config struct {
	// Backoff between reconnect attempts. MaxAttempts is the number of
	// consecutive reconnect attempts allowed before the subscription ends
	// with ErrConnectionExhausted.
	Backoff    retry.Policy
	BufferSize int
}

// Connector owns the reconnect loop.
type Connector struct {
	source Source
	config Config

	connected  atomic.Bool
	events     atomic.Int64
	reconnects atomic.Int64
	sessions   atomic.Int64
}

// NewConnector creates a connector over source.
func NewConnector(source Source, config Config) *Connector {
	if config.BufferSize <= 0 {
		config.BufferSize = 256
	}
	return &Connector{source: source, config: config}
}

// Subscription is one run of the reconnect loop. Events are delivered in
// receipt order; duplicates from the source are passed through.
type Subscription struct {
	events chan Event
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Events is closed when the subscription ends.
func (s *Subscription) Events() <-chan Event { return s.events }

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err returns why the subscription ended: nil after cancellation, an error
// wrapping domain.ErrConnectionExhausted once the retry budget is spent.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Subscribe starts a new subscription. Nothing is dialed until this is
// called, and a finished subscription can be replaced by calling it again.
func (c *Connector) Subscribe(ctx context.Context) *Subscription {
	sub := &Subscription{
		events: make(chan Event, c.config.BufferSize),
		done:   make(chan struct{}),
	}
	go func() {
		err := c.run(ctx, sub)
		sub.mu.Lock()
		sub.err = err
		sub.mu.Unlock()
		close(sub.events)
		close(sub.done)
	}()
	return sub
}

func (c *Connector) run(ctx context.Context, sub *Subscription) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("feed: run loop panic recovered")
			err = fmt.Errorf("feed: panic: %v", r)
		}
		c.connected.Store(false)
	}()

	b := c.config.Backoff.Backoff()
	failures := 0

	for {
		conn, connErr := c.source.Dial(ctx)
		if connErr == nil {
			failures = 0
			b.Reset()
			c.connected.Store(true)
			c.sessions.Add(1)
			log.Info().Msg("feed: connected")

			connErr = c.pump(ctx, conn, sub)
			conn.Close()
			c.connected.Store(false)
		}

		if ctx.Err() != nil {
			log.Info().Msg("feed: subscription stopped")
			return nil
		}

		failures++
		if failures > c.config.Backoff.MaxAttempts {
			log.Error().Err(connErr).Int("attempts", failures-1).Msg("feed: retry budget exhausted")
			return fmt.Errorf("feed: %d reconnect attempts failed, last: %v: %w",
				failures-1, connErr, domain.ErrConnectionExhausted)
		}

		delay := b.Duration()
		c.reconnects.Add(1)
		log.Warn().Err(connErr).Int("attempt", failures).Dur("delay", delay).Msg("feed: reconnecting")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}

// pump forwards events until the session fails or ctx ends.
func (c *Connector) pump(ctx context.Context, conn Conn, sub *Subscription) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		ev, err := conn.Next(ctx)
		if err != nil {
			return err
		}
		c.events.Add(1)

		select {
		case sub.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stats are connector counters.
type Stats struct {
	Connected  bool  `json:"connected"`
	Events     int64 `json:"events"`
	Reconnects int64 `json:"reconnects"`
	Sessions   int64 `json:"sessions"`
}

func (c *Connector) Stats() Stats {
	return Stats{
		Connected:  c.connected.Load(),
		Events:     c.events.Load(),
		Reconnects: c.reconnects.Load(),
		Sessions:   c.sessions.Load(),
	}
}
