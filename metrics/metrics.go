// Package metrics provides the discovery client's instrumentation
// surface: a small atomic-counter/gauge registry and a Prometheus text
// exposition formatter, adapted from the teacher's pkg/metrics. Like the
// teacher, this never imports github.com/prometheus/client_golang — the
// teacher carries that SDK in its go.mod but never references it from
// Go code either, formatting its own exposition text instead; see
// DESIGN.md.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Counter is a monotonically increasing count.
type Counter struct {
	name  string
	help  string
	value atomic.Int64
}

// Inc increments the counter by 1.
func (c *Counter) Inc() { c.value.Add(1) }

// Add increments the counter by n; n must be non-negative.
func (c *Counter) Add(n int64) {
	if n > 0 {
		c.value.Add(n)
	}
}

// Value returns the current count.
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can move in either direction.
type Gauge struct {
	name  string
	help  string
	value atomic.Int64
}

// Set sets the gauge's current value.
func (g *Gauge) Set(v int64) { g.value.Store(v) }

// Inc increments the gauge by 1.
func (g *Gauge) Inc() { g.value.Add(1) }

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() { g.value.Add(-1) }

// Value returns the current value.
func (g *Gauge) Value() int64 { return g.value.Load() }

// Registry holds every registered counter and gauge, created lazily so
// callers never need a nil check.
type Registry struct {
	mu       sync.RWMutex
	counters map[string]*Counter
	gauges   map[string]*Gauge
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{counters: make(map[string]*Counter), gauges: make(map[string]*Gauge)}
}

// Counter returns the named counter, creating it (with help text) on
// first access.
func (r *Registry) Counter(name, help string) *Counter {
	r.mu.RLock()
	c, ok := r.counters[name]
	r.mu.RUnlock()
	if ok {
		return c
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c = &Counter{name: name, help: help}
	r.counters[name] = c
	return c
}

// Gauge returns the named gauge, creating it (with help text) on first
// access.
func (r *Registry) Gauge(name, help string) *Gauge {
	r.mu.RLock()
	g, ok := r.gauges[name]
	r.mu.RUnlock()
	if ok {
		return g
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[name]; ok {
		return g
	}
	g = &Gauge{name: name, help: help}
	r.gauges[name] = g
	return g
}

// WriteText renders the registry in Prometheus text exposition format
// (version 0.0.4), with a stable sort over metric names so repeated
// scrapes diff cleanly.
func (r *Registry) WriteText() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var b strings.Builder
	for _, name := range sortedCounterNames(r.counters) {
		c := r.counters[name]
		if c.help != "" {
			fmt.Fprintf(&b, "# HELP %s %s\n", name, c.help)
		}
		fmt.Fprintf(&b, "# TYPE %s counter\n", name)
		fmt.Fprintf(&b, "%s %d\n", name, c.Value())
	}
	for _, name := range sortedGaugeNames(r.gauges) {
		g := r.gauges[name]
		if g.help != "" {
			fmt.Fprintf(&b, "# HELP %s %s\n", name, g.help)
		}
		fmt.Fprintf(&b, "# TYPE %s gauge\n", name)
		fmt.Fprintf(&b, "%s %d\n", name, g.Value())
	}
	return b.String()
}

func sortedCounterNames(m map[string]*Counter) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func sortedGaugeNames(m map[string]*Gauge) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
