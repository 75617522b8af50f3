// Package metrics provides a small Prometheus-text-compatible
// registry for monitor operation counters and gauges.
package metrics

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
)

// Counter is a monotonically increasing counter.
type Counter struct {
	v uint64
}

// Inc adds one.
func (c *Counter) Inc() { atomic.AddUint64(&c.v, 1) }

// Add adds n.
func (c *Counter) Add(n uint64) { atomic.AddUint64(&c.v, n) }

// Value returns the current count.
func (c *Counter) Value() uint64 { return atomic.LoadUint64(&c.v) }

// Gauge is a value that can go up and down.
type Gauge struct {
	v int64
}

// Set stores v.
func (g *Gauge) Set(v int64) { atomic.StoreInt64(&g.v, v) }

// Inc adds one.
func (g *Gauge) Inc() { atomic.AddInt64(&g.v, 1) }

// Dec subtracts one.
func (g *Gauge) Dec() { atomic.AddInt64(&g.v, -1) }

// Value returns the current value.
func (g *Gauge) Value() int64 { return atomic.LoadInt64(&g.v) }

type metric struct {
	kind string // "counter" or "gauge"
	help string
	c    *Counter
	g    *Gauge
}

// Registry holds named metrics and renders them in Prometheus text
// format.
type Registry struct {
	mu      sync.Mutex
	metrics map[string]*metric
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{metrics: make(map[string]*metric)}
}

// Counter registers (or returns the existing) counter by name.
func (r *Registry) Counter(name, help string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.metrics[name]; ok && m.c != nil {
		return m.c
	}
	c := &Counter{}
	r.metrics[name] = &metric{kind: "counter", help: help, c: c}
	return c
}

// Gauge registers (or returns the existing) gauge by name.
func (r *Registry) Gauge(name, help string) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.metrics[name]; ok && m.g != nil {
		return m.g
	}
	g := &Gauge{}
	r.metrics[name] = &metric{kind: "gauge", help: help, g: g}
	return g
}

// WriteText renders all metrics in Prometheus exposition format,
// sorted by name for stable output.
func (r *Registry) WriteText(w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.metrics))
	for name := range r.metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		m := r.metrics[name]
		if m.help != "" {
			if _, err := fmt.Fprintf(w, "# HELP %s %s\n", name, m.help); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "# TYPE %s %s\n", name, m.kind); err != nil {
			return err
		}
		var err error
		switch {
		case m.c != nil:
			_, err = fmt.Fprintf(w, "%s %d\n", name, m.c.Value())
		case m.g != nil:
			_, err = fmt.Fprintf(w, "%s %d\n", name, m.g.Value())
		}
		if err != nil {
			return err
		}
	}
	return nil
}
