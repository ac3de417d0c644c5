// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package promexport exports the expvar metrics of a node to Prometheus.
package promexport

import (
	"expvar"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultGauges are the names of node metrics that are gauges rather than
// counters.
var DefaultGauges = []string{"calls_active", "calls_pending"}

// A Collector is a prometheus.Collector that reports the numeric entries of
// an expvar map as constant metrics. Entries of type *expvar.Int and
// *expvar.Float are exported; other entries are skipped.
//
// The set of entries in the map may change while the collector is in use, so
// the collector does not describe its metrics in advance.
type Collector struct {
	namespace string
	vars      *expvar.Map
	gauges    map[string]bool
}

// New constructs a Collector for vars. Metric names are formed by joining
// namespace and the key of each entry with "_". The named keys are exported
// as gauges, and all other entries as counters.
func New(namespace string, vars *expvar.Map, gauges ...string) *Collector {
	c := &Collector{namespace: namespace, vars: vars, gauges: make(map[string]bool)}
	for _, g := range gauges {
		c.gauges[g] = true
	}
	return c
}

// Describe implements a method of prometheus.Collector. It sends no
// descriptors, which makes c an unchecked collector.
func (c *Collector) Describe(chan<- *prometheus.Desc) {}

// Collect implements a method of prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.vars.Do(func(kv expvar.KeyValue) {
		var val float64
		switch v := kv.Value.(type) {
		case *expvar.Int:
			val = float64(v.Value())
		case *expvar.Float:
			val = v.Value()
		default:
			return
		}
		typ := prometheus.CounterValue
		if c.gauges[kv.Key] {
			typ = prometheus.GaugeValue
		}
		desc := prometheus.NewDesc(
			prometheus.BuildFQName(c.namespace, "", metricName(kv.Key)),
			"Node metric "+kv.Key+".",
			nil, nil,
		)
		ch <- prometheus.MustNewConstMetric(desc, typ, val)
	})
}

// metricName replaces characters not permitted in a metric name.
func metricName(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == ':':
			return r
		}
		return '_'
	}, key)
}

// MustRegister registers a collector for vars with reg, and returns it.
func MustRegister(reg prometheus.Registerer, namespace string, vars *expvar.Map, gauges ...string) *Collector {
	c := New(namespace, vars, gauges...)
	reg.MustRegister(c)
	return c
}
