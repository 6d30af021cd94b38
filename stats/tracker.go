// Copyright 2026 The Relay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package stats accumulates per-proxy byte and connection counters
// and exposes them both as plain snapshots (for the push_stats
// control-protocol notification, spec §4.3) and as Prometheus
// collectors, mirroring the teacher's metrics.go pattern of wrapping
// a small internal struct with a prometheus.Collector adapter.
package stats

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Tracker accumulates counters for a single registered proxy. All
// methods are safe for concurrent use; updates use atomics rather
// than a mutex so the hot splice path never blocks on stats
// bookkeeping (spec §4.6 calls for "coarse-granularity" accounting,
// not per-byte locking).
type Tracker struct {
	bytesIn           atomic.Int64
	bytesOut          atomic.Int64
	activeConnections atomic.Int64
	totalConnections  atomic.Int64
}

// NewTracker returns a zeroed Tracker.
func NewTracker() *Tracker { return &Tracker{} }

// AddIn records bytes read from the visitor-facing side and relayed
// toward the local service.
func (t *Tracker) AddIn(n int64) { t.bytesIn.Add(n) }

// AddOut records bytes read from the local service and relayed
// toward the visitor-facing side.
func (t *Tracker) AddOut(n int64) { t.bytesOut.Add(n) }

// ConnOpened marks one splice pair as started.
func (t *Tracker) ConnOpened() {
	t.activeConnections.Add(1)
	t.totalConnections.Add(1)
}

// ConnClosed marks one splice pair as finished.
func (t *Tracker) ConnClosed() { t.activeConnections.Add(-1) }

// Snapshot is a point-in-time, immutable copy of a Tracker's
// counters, suitable for embedding in a wire.StatSnapshot.
type Snapshot struct {
	BytesIn           int64
	BytesOut          int64
	ActiveConnections int64
	TotalConnections  int64
}

func (t *Tracker) Snapshot() Snapshot {
	return Snapshot{
		BytesIn:           t.bytesIn.Load(),
		BytesOut:          t.bytesOut.Load(),
		ActiveConnections: t.activeConnections.Load(),
		TotalConnections:  t.totalConnections.Load(),
	}
}

// Collector adapts a set of named Trackers to prometheus.Collector,
// following the teacher's metrics.go approach of a small struct
// exposing Describe/Collect over internally-held state rather than
// registering package-level global vectors per tracker.
type Collector struct {
	lookup func() map[string]*Tracker

	bytesInDesc  *prometheus.Desc
	bytesOutDesc *prometheus.Desc
	activeDesc   *prometheus.Desc
	totalDesc    *prometheus.Desc
}

// NewCollector builds a Collector that enumerates trackers via
// lookup at each scrape. lookup is typically registry.Registry's
// Snapshot method, keeping this package free of a dependency on
// registry (which depends on stats, not the reverse).
func NewCollector(lookup func() map[string]*Tracker) *Collector {
	const ns = "relay"
	return &Collector{
		lookup:       lookup,
		bytesInDesc:  prometheus.NewDesc(ns+"_proxy_bytes_in_total", "Bytes relayed from visitor to local service.", []string{"proxy"}, nil),
		bytesOutDesc: prometheus.NewDesc(ns+"_proxy_bytes_out_total", "Bytes relayed from local service to visitor.", []string{"proxy"}, nil),
		activeDesc:   prometheus.NewDesc(ns+"_proxy_active_connections", "Currently open connections for a proxy.", []string{"proxy"}, nil),
		totalDesc:    prometheus.NewDesc(ns+"_proxy_connections_total", "Connections ever opened for a proxy.", []string{"proxy"}, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.bytesInDesc
	ch <- c.bytesOutDesc
	ch <- c.activeDesc
	ch <- c.totalDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for name, tr := range c.lookup() {
		snap := tr.Snapshot()
		ch <- prometheus.MustNewConstMetric(c.bytesInDesc, prometheus.CounterValue, float64(snap.BytesIn), name)
		ch <- prometheus.MustNewConstMetric(c.bytesOutDesc, prometheus.CounterValue, float64(snap.BytesOut), name)
		ch <- prometheus.MustNewConstMetric(c.activeDesc, prometheus.GaugeValue, float64(snap.ActiveConnections), name)
		ch <- prometheus.MustNewConstMetric(c.totalDesc, prometheus.CounterValue, float64(snap.TotalConnections), name)
	}
}
