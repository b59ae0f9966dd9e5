// Package metrics is a thin label-map facade over a private Prometheus
// registry. Families are created lazily on first use; the label set of a
// family is fixed by its first observation.
package metrics

import (
	"bytes"
	"net/http"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

type registry struct {
	reg       *prometheus.Registry
	counters  map[string]*prometheus.CounterVec
	gauges    map[string]*prometheus.GaugeVec
	summaries map[string]*prometheus.SummaryVec
}

var (
	mu  sync.Mutex
	cur = newRegistry()
)

func newRegistry() *registry {
	return &registry{
		reg:       prometheus.NewRegistry(),
		counters:  map[string]*prometheus.CounterVec{},
		gauges:    map[string]*prometheus.GaugeVec{},
		summaries: map[string]*prometheus.SummaryVec{},
	}
}

// Reset drops every family. Tests call it to start from a clean slate.
func Reset() {
	mu.Lock()
	cur = newRegistry()
	mu.Unlock()
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func labelsOf(labels map[string]string) prometheus.Labels {
	if labels == nil {
		return prometheus.Labels{}
	}
	return prometheus.Labels(labels)
}

// Inc increments a counter family by one.
func Inc(name string, labels map[string]string) { Add(name, labels, 1) }

// Add increments a counter family by v (v must be >= 0).
func Add(name string, labels map[string]string, v float64) {
	mu.Lock()
	defer mu.Unlock()
	c, ok := cur.counters[name]
	if !ok {
		c = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: name}, labelNames(labels))
		if err := cur.reg.Register(c); err != nil {
			return
		}
		cur.counters[name] = c
	}
	if m, err := c.GetMetricWith(labelsOf(labels)); err == nil {
		m.Add(v)
	}
}

func gauge(name string, labels map[string]string) prometheus.Gauge {
	g, ok := cur.gauges[name]
	if !ok {
		g = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: name}, labelNames(labels))
		if err := cur.reg.Register(g); err != nil {
			return nil
		}
		cur.gauges[name] = g
	}
	m, err := g.GetMetricWith(labelsOf(labels))
	if err != nil {
		return nil
	}
	return m
}

// AddGauge adds delta (possibly negative) to a gauge.
func AddGauge(name string, labels map[string]string, delta float64) {
	mu.Lock()
	defer mu.Unlock()
	if g := gauge(name, labels); g != nil {
		g.Add(delta)
	}
}

// SetGauge sets a gauge to v.
func SetGauge(name string, labels map[string]string, v float64) {
	mu.Lock()
	defer mu.Unlock()
	if g := gauge(name, labels); g != nil {
		g.Set(v)
	}
}

// ObserveSummary records one observation (typically latency in ms).
func ObserveSummary(name string, labels map[string]string, v float64) {
	mu.Lock()
	defer mu.Unlock()
	s, ok := cur.summaries[name]
	if !ok {
		s = prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name:       name,
			Help:       name,
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}, labelNames(labels))
		if err := cur.reg.Register(s); err != nil {
			return
		}
		cur.summaries[name] = s
	}
	if m, err := s.GetMetricWith(labelsOf(labels)); err == nil {
		m.Observe(v)
	}
}

// DumpProm renders every family in the Prometheus text exposition format.
func DumpProm() string {
	mu.Lock()
	reg := cur.reg
	mu.Unlock()
	mfs, err := reg.Gather()
	if err != nil {
		return ""
	}
	var buf bytes.Buffer
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return buf.String()
		}
	}
	return buf.String()
}

// Value returns the current value of the counter or gauge sample matching
// labels exactly. Summaries report their sample count.
func Value(name string, labels map[string]string) (float64, bool) {
	mu.Lock()
	reg := cur.reg
	mu.Unlock()
	mfs, err := reg.Gather()
	if err != nil {
		return 0, false
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if !sameLabels(m.GetLabel(), labels) {
				continue
			}
			switch {
			case m.Counter != nil:
				return m.GetCounter().GetValue(), true
			case m.Gauge != nil:
				return m.GetGauge().GetValue(), true
			case m.Summary != nil:
				return float64(m.GetSummary().GetSampleCount()), true
			}
		}
	}
	return 0, false
}

func sameLabels(pairs []*dto.LabelPair, want map[string]string) bool {
	if len(pairs) != len(want) {
		return false
	}
	for _, lp := range pairs {
		if v, ok := want[lp.GetName()]; !ok || v != lp.GetValue() {
			return false
		}
	}
	return true
}

// Handler serves the current registry. Reset after Handler was taken is not
// reflected; the monitoring service takes a fresh handler per request.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		reg := cur.reg
		mu.Unlock()
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
