// Package audit keeps the decision record of every discovery event the
// engine processed: which states it passed through and how it ended.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/nexus-trading/launchguard/internal/bus"
	"github.com/rs/zerolog/log"
)

// Topic is the Kafka topic for decision records.
const Topic = "launchguard.decisions"

// Per-event states. A record walks RECEIVED → SAFETY_CHECKED → FILTERED and
// ends in one of the terminal states.
const (
	StateReceived      = "RECEIVED"
	StateSafetyChecked = "SAFETY_CHECKED"
	StateFiltered      = "FILTERED"
	StateAlerted       = "ALERTED"
	StateTraded        = "TRADED"
	StateRejected      = "REJECTED"
)

// Transition is one step of a record.
type Transition struct {
	State string    `json:"state"`
	At    time.Time `json:"at"`
}

// Decision is the full record for one discovery event.
type Decision struct {
	TraceID     string       `json:"trace_id"`
	Mint        string       `json:"mint"`
	Symbol      string       `json:"symbol,omitempty"`
	Source      string       `json:"source"` // created|migrated
	Transitions []Transition `json:"transitions"`
	Outcome     string       `json:"outcome"`
	Stage       string       `json:"stage,omitempty"` // where a rejection happened
	Reason      string       `json:"reason,omitempty"`
	Score       float64      `json:"safety_score"`
	PositionID  string       `json:"position_id,omitempty"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  time.Time    `json:"finished_at"`
}

// Step appends a transition.
func (d *Decision) Step(state string, at time.Time) {
	d.Transitions = append(d.Transitions, Transition{State: state, At: at})
}

// States returns the state names in order.
func (d Decision) States() []string {
	out := make([]string, len(d.Transitions))
	for i, t := range d.Transitions {
		out[i] = t.State
	}
	return out
}

// Trail buffers the latest decisions in memory (oldest evicted first) and
// optionally publishes each one to the producer and to extra sinks.
type Trail struct {
	producer bus.Producer

	mu      sync.Mutex
	entries []Decision
	next    int
	full    bool
	sinks   []func(Decision)
}

// NewTrail creates a trail keeping up to maxBuf records. producer may be nil.
func NewTrail(producer bus.Producer, maxBuf int) *Trail {
	if maxBuf <= 0 {
		maxBuf = 1000
	}
	return &Trail{
		producer: producer,
		entries:  make([]Decision, maxBuf),
	}
}

// AddSink registers fn to receive every recorded decision.
func (t *Trail) AddSink(fn func(Decision)) {
	t.mu.Lock()
	t.sinks = append(t.sinks, fn)
	t.mu.Unlock()
}

// Record stores d and forwards it. Publishing failures are logged only.
func (t *Trail) Record(d Decision) {
	t.mu.Lock()
	t.entries[t.next] = d
	t.next = (t.next + 1) % len(t.entries)
	if t.next == 0 {
		t.full = true
	}
	sinks := t.sinks
	t.mu.Unlock()

	for _, fn := range sinks {
		fn(d)
	}
	if t.producer != nil {
		if err := t.producer.PublishJSON(context.Background(), Topic, d.Mint, d); err != nil {
			log.Warn().Err(err).Str("trace_id", d.TraceID).Msg("audit: publish decision failed")
		}
	}
}

// ordered returns the buffer oldest first. Caller holds mu.
func (t *Trail) ordered() []Decision {
	if !t.full {
		out := make([]Decision, t.next)
		copy(out, t.entries[:t.next])
		return out
	}
	out := make([]Decision, 0, len(t.entries))
	out = append(out, t.entries[t.next:]...)
	return append(out, t.entries[:t.next]...)
}

// Query returns the record with traceID.
func (t *Trail) Query(traceID string) (Decision, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, d := range t.ordered() {
		if d.TraceID == traceID {
			return d, true
		}
	}
	return Decision{}, false
}

// ByMint returns every buffered record for mint, oldest first.
func (t *Trail) ByMint(mint string) []Decision {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Decision
	for _, d := range t.ordered() {
		if d.Mint == mint {
			out = append(out, d)
		}
	}
	return out
}

// Recent returns up to n records, newest first.
func (t *Trail) Recent(n int) []Decision {
	t.mu.Lock()
	all := t.ordered()
	t.mu.Unlock()

	if n <= 0 || n > len(all) {
		n = len(all)
	}
	out := make([]Decision, 0, n)
	for i := len(all) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, all[i])
	}
	return out
}

func (t *Trail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.full {
		return len(t.entries)
	}
	return t.next
}
