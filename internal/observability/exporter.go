package observability

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// PrometheusExporter serves a Registry in the text exposition format.
type PrometheusExporter struct {
	registry *Registry
}

func NewPrometheusExporter(registry *Registry) *PrometheusExporter {
	return &PrometheusExporter{registry: registry}
}

func (e *PrometheusExporter) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	e.Write(w)
}

// Format returns the full exposition text.
func (e *PrometheusExporter) Format() string {
	var b strings.Builder
	e.Write(&b)
	return b.String()
}

// Write emits every family, sorted by name.
func (e *PrometheusExporter) Write(w io.Writer) {
	for _, f := range e.registry.sorted() {
		fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n", f.name, f.help, f.name, f.kind)
		switch m := f.metric.(type) {
		case *Counter:
			fmt.Fprintf(w, "%s %d\n", f.name, m.Value())
		case *CounterVec:
			vals := m.Values()
			keys := make([]string, 0, len(vals))
			for k := range vals {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(w, "%s{%s=%q} %d\n", f.name, m.label, k, vals[k])
			}
		case *Gauge:
			fmt.Fprintf(w, "%s %s\n", f.name, formatFloat(m.Value()))
		case *Histogram:
			buckets, counts, sum, count := m.Snapshot()
			for i, bound := range buckets {
				fmt.Fprintf(w, "%s_bucket{le=%q} %d\n", f.name, formatFloat(bound), counts[i])
			}
			fmt.Fprintf(w, "%s_bucket{le=\"+Inf\"} %d\n", f.name, count)
			fmt.Fprintf(w, "%s_sum %s\n%s_count %d\n", f.name, formatFloat(sum), f.name, count)
		}
		fmt.Fprintln(w)
	}
}

func formatFloat(v float64) string {
	switch {
	case math.IsInf(v, 1):
		return "+Inf"
	case math.IsInf(v, -1):
		return "-Inf"
	case math.IsNaN(v):
		return "NaN"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
