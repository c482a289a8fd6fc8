package observability

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// MetricType identifies the kind of metric.
type MetricType string

const (
	MetricCounter   MetricType = "counter"
	MetricGauge     MetricType = "gauge"
	MetricHistogram MetricType = "histogram"
)

// -----------------------------------------------------------------------
// Counter
// -----------------------------------------------------------------------

// Counter is a monotonically increasing count.
type Counter struct {
	value atomic.Int64
}

func (c *Counter) Inc() { c.value.Add(1) }

// Add ignores negative deltas.
func (c *Counter) Add(delta int64) {
	if delta > 0 {
		c.value.Add(delta)
	}
}

func (c *Counter) Value() int64 { return c.value.Load() }

// CounterVec is a family of counters split by one label.
type CounterVec struct {
	label string
	mu    sync.RWMutex
	byVal map[string]*Counter
}

// With returns the counter for a label value, creating it on first use.
func (v *CounterVec) With(value string) *Counter {
	v.mu.RLock()
	c, ok := v.byVal[value]
	v.mu.RUnlock()
	if ok {
		return c
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if c, ok = v.byVal[value]; ok {
		return c
	}
	c = &Counter{}
	v.byVal[value] = c
	return c
}

// Values snapshots label value to count.
func (v *CounterVec) Values() map[string]int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]int64, len(v.byVal))
	for k, c := range v.byVal {
		out[k] = c.Value()
	}
	return out
}

// -----------------------------------------------------------------------
// Gauge
// -----------------------------------------------------------------------

// Gauge holds a float that can go up and down.
type Gauge struct {
	bits atomic.Uint64
}

func (g *Gauge) Set(v float64) { g.bits.Store(math.Float64bits(v)) }

func (g *Gauge) Add(delta float64) {
	for {
		old := g.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if g.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

func (g *Gauge) Value() float64 { return math.Float64frombits(g.bits.Load()) }

// -----------------------------------------------------------------------
// Histogram
// -----------------------------------------------------------------------

// Histogram counts observations into cumulative upper-bound buckets.
type Histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []int64
	sum     float64
	count   int64
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	for i, b := range h.buckets {
		if v <= b {
			h.counts[i]++
		}
	}
}

// ObserveDuration records d in milliseconds.
func (h *Histogram) ObserveDuration(d time.Duration) {
	h.Observe(float64(d.Microseconds()) / 1000)
}

func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Snapshot returns bucket bounds, cumulative counts, sum and count.
func (h *Histogram) Snapshot() (buckets []float64, counts []int64, sum float64, count int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]float64(nil), h.buckets...), append([]int64(nil), h.counts...), h.sum, h.count
}

// -----------------------------------------------------------------------
// Registry
// -----------------------------------------------------------------------

type family struct {
	name   string
	help   string
	kind   MetricType
	metric any
}

// Registry holds named metric families. Registering a name twice returns
// the first instance.
type Registry struct {
	mu       sync.RWMutex
	families map[string]*family
}

func NewRegistry() *Registry {
	return &Registry{families: make(map[string]*family)}
}

func (r *Registry) register(name, help string, kind MetricType, mk func() any) any {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.families[name]; ok {
		return f.metric
	}
	f := &family{name: name, help: help, kind: kind, metric: mk()}
	r.families[name] = f
	return f.metric
}

func (r *Registry) Counter(name, help string) *Counter {
	return r.register(name, help, MetricCounter, func() any { return &Counter{} }).(*Counter)
}

func (r *Registry) CounterVec(name, help, label string) *CounterVec {
	return r.register(name, help, MetricCounter, func() any {
		return &CounterVec{label: label, byVal: make(map[string]*Counter)}
	}).(*CounterVec)
}

func (r *Registry) Gauge(name, help string) *Gauge {
	return r.register(name, help, MetricGauge, func() any { return &Gauge{} }).(*Gauge)
}

func (r *Registry) Histogram(name, help string, buckets []float64) *Histogram {
	return r.register(name, help, MetricHistogram, func() any {
		b := append([]float64(nil), buckets...)
		sort.Float64s(b)
		return &Histogram{buckets: b, counts: make([]int64, len(b))}
	}).(*Histogram)
}

// Names returns registered family names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.families))
	for n := range r.families {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) sorted() []*family {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*family, 0, len(r.families))
	for _, f := range r.families {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// DefaultLatencyBuckets in milliseconds.
var DefaultLatencyBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

// -----------------------------------------------------------------------
// Pipeline metrics
// -----------------------------------------------------------------------

// Metrics is the set of series the decision pipeline reports.
type Metrics struct {
	Registry *Registry

	Decisions           *CounterVec // by decision
	FinalActions        *CounterVec // by final_action
	Blocked             *Counter
	TriggersUnavailable *Counter
	RiskChecks          *CounterVec // by result
	RiskRejections      *CounterVec // by reason
	OrdersFilled        *Counter
	OrdersRejected      *Counter
	MetricFetchErrors   *CounterVec // by source
	ExposureTotal       *Gauge
	EvaluationLatency   *Histogram
	MetricFetchLatency  *Histogram
}

// NewMetrics registers the pipeline series on a fresh registry.
func NewMetrics() *Metrics {
	r := NewRegistry()
	return &Metrics{
		Registry:            r,
		Decisions:           r.CounterVec("signalops_decisions_total", "Decisions recorded", "decision"),
		FinalActions:        r.CounterVec("signalops_final_actions_total", "Decisions by final action", "final_action"),
		Blocked:             r.Counter("signalops_blocked_total", "Decisions stopped by a gate"),
		TriggersUnavailable: r.Counter("signalops_triggers_unavailable_total", "Triggers resolved as N/A"),
		RiskChecks:          r.CounterVec("signalops_risk_checks_total", "Risk gate checks", "result"),
		RiskRejections:      r.CounterVec("signalops_risk_rejections_total", "Risk gate rejections", "reason"),
		OrdersFilled:        r.Counter("signalops_orders_filled_total", "Orders filled by the broker"),
		OrdersRejected:      r.Counter("signalops_orders_rejected_total", "Orders rejected by the broker"),
		MetricFetchErrors:   r.CounterVec("signalops_metric_fetch_errors_total", "Failed metric fetches", "source"),
		ExposureTotal:       r.Gauge("signalops_exposure_total_usd", "Net exposure across accounts in USD"),
		EvaluationLatency:   r.Histogram("signalops_evaluation_latency_ms", "End-to-end evaluation latency", DefaultLatencyBuckets),
		MetricFetchLatency:  r.Histogram("signalops_metric_fetch_latency_ms", "Metric provider latency", DefaultLatencyBuckets),
	}
}
