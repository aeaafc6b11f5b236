// Package observability aggregates component health for the control plane.
package observability

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ComponentStatus orders from healthy to unhealthy.
type ComponentStatus string

const (
	StatusHealthy   ComponentStatus = "healthy"
	StatusDegraded  ComponentStatus = "degraded"
	StatusUnhealthy ComponentStatus = "unhealthy"
)

// rank places unknown statuses below healthy so they never win the
// aggregate.
func (s ComponentStatus) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	case StatusUnhealthy:
		return 2
	}
	return -1
}

// alertLevel maps a status onto the alert levels the log sink understands.
func (s ComponentStatus) alertLevel() string {
	switch s {
	case StatusUnhealthy:
		return "critical"
	case StatusDegraded:
		return "warn"
	}
	return "info"
}

// HealthCheck probes one component. It must honour ctx.
type HealthCheck func(ctx context.Context) ComponentHealth

// ComponentHealth is one probe result. Name, LastChecked and Latency are
// filled in by the monitor.
type ComponentHealth struct {
	Name        string          `json:"name"`
	Status      ComponentStatus `json:"status"`
	Message     string          `json:"message,omitempty"`
	LastChecked time.Time       `json:"last_checked"`
	Latency     time.Duration   `json:"latency_ms"`
	Details     map[string]any  `json:"details,omitempty"`
}

// SystemHealth is the /health payload: the worst component status wins.
type SystemHealth struct {
	Status     ComponentStatus            `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"ts"`
	Uptime     time.Duration              `json:"uptime"`
}

// Alert reports a component whose status moved.
type Alert struct {
	Level     string    `json:"level"` // info|warn|critical
	Component string    `json:"component"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"ts"`
}

// HealthMonitor runs the registered probes on a ticker and on demand.
type HealthMonitor struct {
	interval time.Duration
	timeout  time.Duration
	started  time.Time

	mu      sync.RWMutex
	probes  map[string]HealthCheck
	results map[string]ComponentHealth

	alerts   chan Alert
	stop     chan struct{}
	stopOnce sync.Once
}

// NewHealthMonitor probes every interval (default 15s), giving each probe
// at most timeout (default 3s).
func NewHealthMonitor(interval, timeout time.Duration) *HealthMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HealthMonitor{
		interval: interval,
		timeout:  timeout,
		started:  time.Now(),
		probes:   make(map[string]HealthCheck),
		results:  make(map[string]ComponentHealth),
		alerts:   make(chan Alert, 64),
		stop:     make(chan struct{}),
	}
}

// Register adds or replaces the probe for name.
func (m *HealthMonitor) Register(name string, check HealthCheck) {
	m.mu.Lock()
	m.probes[name] = check
	m.mu.Unlock()
}

// Start probes once, then on every tick until ctx ends or Stop is called.
func (m *HealthMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.probeAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
		}
	}
}

func (m *HealthMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// Check probes now and returns the aggregate.
func (m *HealthMonitor) Check(ctx context.Context) SystemHealth {
	m.probeAll(ctx)
	return m.Snapshot()
}

// Snapshot aggregates the last results without probing.
func (m *HealthMonitor) Snapshot() SystemHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h := SystemHealth{
		Status:     StatusHealthy,
		Components: make(map[string]ComponentHealth, len(m.results)),
		Timestamp:  time.Now(),
		Uptime:     time.Since(m.started),
	}
	for name, r := range m.results {
		h.Components[name] = r
		if r.Status.rank() > h.Status.rank() {
			h.Status = r.Status
		}
	}
	return h
}

func (m *HealthMonitor) Alerts() <-chan Alert {
	return m.alerts
}

// LogAlerts writes alerts to the log until ctx is done.
func (m *HealthMonitor) LogAlerts(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-m.alerts:
			ev := log.Info()
			switch a.Level {
			case "critical":
				ev = log.Error()
			case "warn":
				ev = log.Warn()
			}
			ev.Str("component", a.Component).Msg("health: " + a.Message)
		}
	}
}

// ComponentStatus returns the last result for name.
func (m *HealthMonitor) ComponentStatus(name string) (ComponentHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.results[name]
	return h, ok
}

// -----------------------------------------------------------------------
// Probing
// -----------------------------------------------------------------------

// probeAll runs the probes one at a time in name order, each under its own
// deadline, then swaps in the new result set and raises alerts.
func (m *HealthMonitor) probeAll(ctx context.Context) {
	m.mu.RLock()
	probes := make(map[string]HealthCheck, len(m.probes))
	names := make([]string, 0, len(m.probes))
	for name, fn := range m.probes {
		probes[name] = fn
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)

	fresh := make(map[string]ComponentHealth, len(names))
	for _, name := range names {
		fresh[name] = m.probe(ctx, name, probes[name])
	}

	m.mu.Lock()
	prev := m.results
	m.results = fresh
	m.mu.Unlock()

	for _, name := range names {
		cur := fresh[name]
		old, seen := prev[name]
		// First sight only alerts when something is already wrong.
		if (seen && old.Status != cur.Status) || (!seen && cur.Status != StatusHealthy) {
			m.alert(name, cur)
		}
	}
}

func (m *HealthMonitor) probe(ctx context.Context, name string, fn HealthCheck) ComponentHealth {
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	began := time.Now()
	r := fn(pctx)
	r.Name = name
	r.LastChecked = time.Now()
	r.Latency = r.LastChecked.Sub(began)
	return r
}

// alert never blocks; a full channel drops the alert.
func (m *HealthMonitor) alert(name string, h ComponentHealth) {
	msg := h.Message
	if msg == "" {
		msg = "status changed to " + string(h.Status)
	}
	select {
	case m.alerts <- Alert{Level: h.Status.alertLevel(), Component: name, Message: msg, Timestamp: time.Now()}:
	default:
	}
}
