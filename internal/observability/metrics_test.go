package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -----------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------

func TestCounter_IncAndAdd(t *testing.T) {
	r := NewRegistry()
	c := r.Counter("test_total", "help")
	c.Inc()
	c.Add(4)
	c.Add(-10)
	assert.Equal(t, int64(5), c.Value())
	assert.Same(t, c, r.Counter("test_total", "other help"))
}

func TestCounterVec_Concurrent(t *testing.T) {
	r := NewRegistry()
	v := r.CounterVec("decisions_total", "help", "decision")

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				v.With("BUY").Inc()
			} else {
				v.With("HOLD").Inc()
			}
		}(i)
	}
	wg.Wait()

	vals := v.Values()
	assert.Equal(t, int64(100), vals["BUY"])
	assert.Equal(t, int64(100), vals["HOLD"])
}

func TestGauge_SetAndAdd(t *testing.T) {
	g := NewRegistry().Gauge("g", "help")
	g.Set(10.5)
	g.Add(-0.5)
	assert.Equal(t, 10.0, g.Value())

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Add(1)
		}()
	}
	wg.Wait()
	assert.Equal(t, 110.0, g.Value())
}

func TestHistogram_Observe(t *testing.T) {
	h := NewRegistry().Histogram("lat", "help", []float64{100, 10, 50})
	h.Observe(5)
	h.Observe(20)
	h.Observe(75)
	h.Observe(500)
	h.ObserveDuration(8 * time.Millisecond)

	buckets, counts, sum, count := h.Snapshot()
	assert.Equal(t, []float64{10, 50, 100}, buckets)
	assert.Equal(t, []int64{2, 3, 4}, counts)
	assert.Equal(t, 608.0, sum)
	assert.Equal(t, int64(5), count)
}

func TestNewMetrics_Names(t *testing.T) {
	m := NewMetrics()
	names := m.Registry.Names()
	for _, want := range []string{
		"signalops_decisions_total",
		"signalops_blocked_total",
		"signalops_triggers_unavailable_total",
		"signalops_risk_checks_total",
		"signalops_risk_rejections_total",
		"signalops_orders_filled_total",
		"signalops_orders_rejected_total",
		"signalops_exposure_total_usd",
		"signalops_evaluation_latency_ms",
		"signalops_metric_fetch_latency_ms",
	} {
		assert.Contains(t, names, want)
	}
}

func TestPrometheusExporter_Format(t *testing.T) {
	m := NewMetrics()
	m.Decisions.With("BUY").Inc()
	m.Decisions.With("BLOCK").Add(2)
	m.Blocked.Add(2)
	m.ExposureTotal.Set(1234.5)
	m.EvaluationLatency.Observe(30)

	out := NewPrometheusExporter(m.Registry).Format()
	assert.Contains(t, out, "# TYPE signalops_decisions_total counter")
	assert.Contains(t, out, `signalops_decisions_total{decision="BLOCK"} 2`)
	assert.Contains(t, out, `signalops_decisions_total{decision="BUY"} 1`)
	assert.Contains(t, out, "signalops_blocked_total 2")
	assert.Contains(t, out, "signalops_exposure_total_usd 1234.5")
	assert.Contains(t, out, `signalops_evaluation_latency_ms_bucket{le="25"} 0`)
	assert.Contains(t, out, `signalops_evaluation_latency_ms_bucket{le="50"} 1`)
	assert.Contains(t, out, `signalops_evaluation_latency_ms_bucket{le="+Inf"} 1`)
	assert.Contains(t, out, "signalops_evaluation_latency_ms_count 1")

	// families are sorted
	assert.Less(t, strings.Index(out, "signalops_blocked_total"), strings.Index(out, "signalops_decisions_total"))
}

func TestPrometheusExporter_ServeHTTP(t *testing.T) {
	m := NewMetrics()
	rec := httptest.NewRecorder()
	NewPrometheusExporter(m.Registry).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, rec.Body.String(), "signalops_orders_filled_total 0")
}

// -----------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------

func TestHealthMonitor_Aggregate(t *testing.T) {
	m := NewHealthMonitor(time.Second)
	m.Register("ledger", func(context.Context) ComponentHealth { return Healthy() })
	m.Register("risk_gate", func(context.Context) ComponentHealth { return Degraded("frozen") })

	h := m.Check(context.Background())
	assert.Equal(t, StatusDegraded, h.Status)
	require.Len(t, h.Components, 2)
	assert.Equal(t, "ledger", h.Components["ledger"].Name)
	assert.Equal(t, "frozen", h.Components["risk_gate"].Message)

	m.Register("ledger", func(context.Context) ComponentHealth { return Unhealthy(errors.New("db down")) })
	h = m.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, h.Status)
}

func TestHealthMonitor_CheckTimeout(t *testing.T) {
	m := NewHealthMonitor(20 * time.Millisecond)
	m.Register("slow", func(ctx context.Context) ComponentHealth {
		<-ctx.Done()
		return Unhealthy(ctx.Err())
	})
	h := m.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, h.Status)
	assert.Contains(t, h.Components["slow"].Message, "deadline")
}

func TestHealthMonitor_ServeHTTP(t *testing.T) {
	m := NewHealthMonitor(time.Second)
	m.Register("ledger", func(context.Context) ComponentHealth { return Healthy() })
	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)

	m.Register("ledger", func(context.Context) ComponentHealth { return Unhealthy(errors.New("down")) })
	rec = httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthMonitor_RunStopsWithContext(t *testing.T) {
	m := NewHealthMonitor(time.Second)
	var mu sync.Mutex
	calls := 0
	m.Register("x", func(context.Context) ComponentHealth {
		mu.Lock()
		calls++
		mu.Unlock()
		return Healthy()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, 10*time.Millisecond)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, calls, 2)
}
