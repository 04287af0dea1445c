// Package metrics implements the registered-descriptor metrics table
// and Prometheus text exporter of SPEC_FULL.md §4.8.
//
// Grounded on original_source/src/manager/src/metrics/{mod,prometheus}.rs,
// reproducing its exact text format and label-value escaping (the Rust
// file's own unit test assertions are mirrored in metrics_test.go).
package metrics

import (
	"fmt"
	"strings"
	"sync"
)

// Type is a Prometheus metric type.
type Type string

const (
	Counter   Type = "counter"
	Gauge     Type = "gauge"
	Histogram Type = "histogram"
	Summary   Type = "summary"
)

// Value is one labeled sample of a metric.
type Value struct {
	Labels []Label
	Value  float64
}

// Label is a single name/value pair, kept as an ordered slice (not a
// map) so exported label sets are deterministic.
type Label struct {
	Name  string
	Value string
}

func sameLabels(a, b []Label) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

type descriptor struct {
	help string
	typ  Type
	vals []Value
}

// Table is the registered-descriptor metrics table. Values for a
// (name, label-set) pair are mutated in place by SetGauge/IncCounter/
// AddCounter — unregistered names are silently ignored, matching
// original_source's MetricsCollector (a metric must be Register'd
// before it can be set).
type Table struct {
	mu    sync.RWMutex
	order []string
	descs map[string]*descriptor
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{descs: make(map[string]*descriptor)}
}

// Register adds a metric descriptor. Re-registering a name replaces
// its help/type but keeps existing values.
func (t *Table) Register(name, help string, typ Type) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d, ok := t.descs[name]; ok {
		d.help, d.typ = help, typ
		return
	}
	t.order = append(t.order, name)
	t.descs[name] = &descriptor{help: help, typ: typ}
}

// SetGauge replaces (or adds) the value for name+labels.
func (t *Table) SetGauge(name string, value float64, labels ...Label) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.descs[name]
	if !ok {
		return
	}
	for i := range d.vals {
		if sameLabels(d.vals[i].Labels, labels) {
			d.vals[i].Value = value
			return
		}
	}
	d.vals = append(d.vals, Value{Labels: labels, Value: value})
}

// IncCounter adds 1 to name+labels.
func (t *Table) IncCounter(name string, labels ...Label) {
	t.AddCounter(name, 1, labels...)
}

// AddCounter adds delta to name+labels.
func (t *Table) AddCounter(name string, delta float64, labels ...Label) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.descs[name]
	if !ok {
		return
	}
	for i := range d.vals {
		if sameLabels(d.vals[i].Labels, labels) {
			d.vals[i].Value += delta
			return
		}
	}
	d.vals = append(d.vals, Value{Labels: labels, Value: delta})
}

// Clear empties all values, keeping descriptors registered.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, d := range t.descs {
		d.vals = nil
	}
}

// ExportPrometheus renders the table in Prometheus text exposition
// format, in registration order.
func (t *Table) ExportPrometheus() string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var b strings.Builder
	for _, name := range t.order {
		d := t.descs[name]
		fmt.Fprintf(&b, "# HELP %s %s\n", name, d.help)
		fmt.Fprintf(&b, "# TYPE %s %s\n", name, d.typ)
		for _, v := range d.vals {
			if len(v.Labels) == 0 {
				fmt.Fprintf(&b, "%s %s\n", name, formatFloat(v.Value))
				continue
			}
			parts := make([]string, len(v.Labels))
			for i, l := range v.Labels {
				parts[i] = fmt.Sprintf("%s=\"%s\"", l.Name, escapeLabelValue(l.Value))
			}
			fmt.Fprintf(&b, "%s{%s} %s\n", name, strings.Join(parts, ","), formatFloat(v.Value))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func formatFloat(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%g", v)
}

// escapeLabelValue matches original_source's Rust escape_label_value
// exactly: backslash, then quote, then newline.
func escapeLabelValue(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return s
}

// StandardTable returns a Table pre-registered with the supervisor's
// standard metric set, matching original_source's Default impl.
func StandardTable() *Table {
	t := NewTable()
	t.Register("frame_instances_total", "Total number of Frame instances", Gauge)
	t.Register("frame_instances_running", "Number of running Frame instances", Gauge)
	t.Register("frame_instances_stopped", "Number of stopped Frame instances", Gauge)
	t.Register("frame_memory_usage_bytes", "Memory usage per instance in bytes", Gauge)
	t.Register("frame_cpu_usage_percent", "CPU usage per instance as percentage", Gauge)
	t.Register("frame_requests_total", "Total requests per instance", Counter)
	t.Register("frame_request_duration_seconds", "Request duration histogram", Histogram)
	t.Register("frame_apps_total", "Total number of deployed apps", Gauge)
	t.Register("frame_ports_allocated", "Number of allocated ports", Gauge)
	t.Register("frame_ports_available", "Number of available ports", Gauge)
	t.Register("frame_health_check_failures", "Number of health check failures", Counter)
	return t
}
