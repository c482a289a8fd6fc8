package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ComponentStatus is the health of one dependency.
type ComponentStatus string

const (
	StatusHealthy   ComponentStatus = "healthy"
	StatusDegraded  ComponentStatus = "degraded"
	StatusUnhealthy ComponentStatus = "unhealthy"
)

// HealthCheck probes one component.
type HealthCheck func(ctx context.Context) ComponentHealth

type ComponentHealth struct {
	Name        string          `json:"name"`
	Status      ComponentStatus `json:"status"`
	Message     string          `json:"message,omitempty"`
	LastChecked time.Time       `json:"last_checked"`
	LatencyMs   int64           `json:"latency_ms"`
}

type SystemHealth struct {
	Status     ComponentStatus            `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"ts"`
	UptimeSec  int64                      `json:"uptime_sec"`
}

// Healthy builds a healthy result.
func Healthy() ComponentHealth { return ComponentHealth{Status: StatusHealthy} }

// Unhealthy builds an unhealthy result from err.
func Unhealthy(err error) ComponentHealth {
	return ComponentHealth{Status: StatusUnhealthy, Message: err.Error()}
}

// Degraded builds a degraded result.
func Degraded(msg string) ComponentHealth {
	return ComponentHealth{Status: StatusDegraded, Message: msg}
}

// HealthMonitor runs registered checks on demand or on an interval and
// logs status transitions.
type HealthMonitor struct {
	mu        sync.RWMutex
	checks    map[string]HealthCheck
	results   map[string]ComponentHealth
	startTime time.Time
	timeout   time.Duration
}

// NewHealthMonitor bounds every check by timeout (default 2s).
func NewHealthMonitor(timeout time.Duration) *HealthMonitor {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HealthMonitor{
		checks:    make(map[string]HealthCheck),
		results:   make(map[string]ComponentHealth),
		startTime: time.Now(),
		timeout:   timeout,
	}
}

func (m *HealthMonitor) Register(name string, check HealthCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Run re-checks every interval until ctx is done.
func (m *HealthMonitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs all checks now and returns the aggregate. The worst component
// status becomes the system status.
func (m *HealthMonitor) Check(ctx context.Context) SystemHealth {
	m.mu.RLock()
	checks := make(map[string]HealthCheck, len(m.checks))
	for n, c := range m.checks {
		checks[n] = c
	}
	m.mu.RUnlock()

	results := make(map[string]ComponentHealth, len(checks))
	for name, check := range checks {
		cctx, cancel := context.WithTimeout(ctx, m.timeout)
		start := time.Now()
		h := check(cctx)
		cancel()
		h.Name = name
		h.LastChecked = time.Now()
		h.LatencyMs = time.Since(start).Milliseconds()
		results[name] = h
	}

	m.mu.Lock()
	prev := m.results
	m.results = results
	m.mu.Unlock()

	worst := StatusHealthy
	for name, h := range results {
		if p, ok := prev[name]; ok && p.Status != h.Status {
			log.Warn().Str("component", name).Str("from", string(p.Status)).
				Str("to", string(h.Status)).Str("message", h.Message).Msg("Health status changed")
		}
		if severity(h.Status) > severity(worst) {
			worst = h.Status
		}
	}

	return SystemHealth{
		Status:     worst,
		Components: results,
		Timestamp:  time.Now(),
		UptimeSec:  int64(time.Since(m.startTime).Seconds()),
	}
}

// ServeHTTP reports 200 unless a component is unhealthy.
func (m *HealthMonitor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h := m.Check(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if h.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(h)
}

func severity(s ComponentStatus) int {
	switch s {
	case StatusDegraded:
		return 1
	case StatusUnhealthy:
		return 2
	default:
		return 0
	}
}
