package observability

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ComponentStatus represents the health status of a component.
type ComponentStatus string

const (
	StatusHealthy   ComponentStatus = "healthy"
	StatusDegraded  ComponentStatus = "degraded"
	StatusUnhealthy ComponentStatus = "unhealthy"
)

// HealthCheck reports the health of one component.
type HealthCheck func(ctx context.Context) ComponentHealth

// ComponentHealth is the health report for a single component.
type ComponentHealth struct {
	Name        string          `json:"name"`
	Status      ComponentStatus `json:"status"`
	Message     string          `json:"message,omitempty"`
	LastChecked time.Time       `json:"last_checked"`
	Latency     time.Duration   `json:"latency_ns"`
	Details     map[string]any  `json:"details,omitempty"`
}

// SystemHealth is the aggregate over every registered component.
type SystemHealth struct {
	Status     ComponentStatus            `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"ts"`
	Uptime     string                     `json:"uptime"`
}

// Alert is emitted when a component changes status.
type Alert struct {
	Level     string          `json:"level"` // info|warn|critical
	Component string          `json:"component"`
	Status    ComponentStatus `json:"status"`
	Message   string          `json:"message"`
	Timestamp time.Time       `json:"ts"`
}

// HealthMonitor runs registered checks periodically and on demand.
type HealthMonitor struct {
	mu        sync.RWMutex
	checks    map[string]HealthCheck
	results   map[string]ComponentHealth
	startTime time.Time
	interval  time.Duration
	alertCh   chan Alert
}

func NewHealthMonitor(interval time.Duration) *HealthMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthMonitor{
		checks:    make(map[string]HealthCheck),
		results:   make(map[string]ComponentHealth),
		startTime: time.Now(),
		interval:  interval,
		alertCh:   make(chan Alert, 64),
	}
}

// Register adds a named check, replacing any check with the same name.
func (m *HealthMonitor) Register(name string, check HealthCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Run checks every component immediately and then on the interval until ctx
// is cancelled.
func (m *HealthMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.runChecks(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runChecks(ctx)
		}
	}
}

// Check runs every check synchronously and returns the aggregate.
func (m *HealthMonitor) Check(ctx context.Context) SystemHealth {
	m.runChecks(ctx)
	return m.snapshot()
}

// Alerts delivers status transitions. Alerts are dropped when nobody reads.
func (m *HealthMonitor) Alerts() <-chan Alert {
	return m.alertCh
}

// Component returns the latest result for name.
func (m *HealthMonitor) Component(name string) (ComponentHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.results[name]
	return h, ok
}

func (m *HealthMonitor) runChecks(ctx context.Context) {
	m.mu.RLock()
	names := make([]string, 0, len(m.checks))
	checks := make(map[string]HealthCheck, len(m.checks))
	for name, fn := range m.checks {
		names = append(names, name)
		checks[name] = fn
	}
	m.mu.RUnlock()
	sort.Strings(names)

	fresh := make(map[string]ComponentHealth, len(checks))
	for _, name := range names {
		fresh[name] = runCheck(ctx, name, checks[name])
	}

	m.mu.Lock()
	prev := m.results
	m.results = fresh
	m.mu.Unlock()

	for _, name := range names {
		cur := fresh[name]
		old, existed := prev[name]
		if existed && old.Status == cur.Status {
			continue
		}
		// The first healthy result is not news.
		if !existed && cur.Status == StatusHealthy {
			continue
		}
		m.emitAlert(cur)
	}
}

func runCheck(ctx context.Context, name string, fn HealthCheck) (result ComponentHealth) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("component", name).Msg("health: check panic recovered")
			result = ComponentHealth{Status: StatusUnhealthy, Message: "health check panicked"}
		}
		result.Name = name
		result.LastChecked = time.Now()
		result.Latency = time.Since(start)
	}()
	return fn(ctx)
}

func (m *HealthMonitor) emitAlert(h ComponentHealth) {
	level := "info"
	switch h.Status {
	case StatusUnhealthy:
		level = "critical"
	case StatusDegraded:
		level = "warn"
	}

	msg := h.Message
	if msg == "" {
		msg = "status changed to " + string(h.Status)
	}

	select {
	case m.alertCh <- Alert{Level: level, Component: h.Name, Status: h.Status, Message: msg, Timestamp: time.Now()}:
	default:
		log.Debug().Str("component", h.Name).Msg("health: alert dropped")
	}
}

func (m *HealthMonitor) snapshot() SystemHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	components := make(map[string]ComponentHealth, len(m.results))
	worst := StatusHealthy
	for name, h := range m.results {
		components[name] = h
		if statusSeverity(h.Status) > statusSeverity(worst) {
			worst = h.Status
		}
	}

	return SystemHealth{
		Status:     worst,
		Components: components,
		Timestamp:  time.Now(),
		Uptime:     time.Since(m.startTime).Truncate(time.Second).String(),
	}
}

func statusSeverity(s ComponentStatus) int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	case StatusUnhealthy:
		return 2
	default:
		return -1
	}
}
