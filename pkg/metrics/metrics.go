// Package metrics is a thin Prometheus abstraction so embedshard can run
// with or without metrics, generalizing the teacher's single-cache
// pkg/metrics.go to N shards x M variables. When the caller passes a
// *prometheus.Registry, labeled collectors are created and registered;
// otherwise a no-op sink is used and the hot path pays nothing for metric
// updates.
//
// ┌────────────────────────────────┐
// │ Metric                │ Type │ Labels        │
// ├────────────────────────┼──────┼───────────────┤
// │ pull_hits_total        │ Ctr  │ shard         │
// │ pull_misses_total      │ Ctr  │ shard         │
// │ checkpoint_flush_total │ Ctr  │ shard,variable│
// │ checkpoint_depth       │ Gge  │ shard,variable│
// │ dram_bytes             │ Gge  │ shard         │
// └────────────────────────────────┘
//
// © 2025 embedshard authors. MIT License.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink is the internal interface Storage/Shard use; not exposed to callers
// beyond the registry they passed in.
type Sink interface {
	IncPullHit(shard int32)
	IncPullMiss(shard int32)
	IncFlush(shard int32, variable uint32, n int)
	SetCheckpointDepth(shard int32, variable uint32, depth int)
	SetDRAMBytes(shard int32, bytes int64)
}

type noopSink struct{}

func (noopSink) IncPullHit(int32)                           {}
func (noopSink) IncPullMiss(int32)                          {}
func (noopSink) IncFlush(int32, uint32, int)                {}
func (noopSink) SetCheckpointDepth(int32, uint32, int)      {}
func (noopSink) SetDRAMBytes(int32, int64)                  {}

type promSink struct {
	hits      *prometheus.CounterVec
	misses    *prometheus.CounterVec
	flushes   *prometheus.CounterVec
	depth     *prometheus.GaugeVec
	dramBytes *prometheus.GaugeVec
}

func newPromSink(reg *prometheus.Registry) *promSink {
	shardLabel := []string{"shard"}
	shardVarLabel := []string{"shard", "variable"}
	s := &promSink{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "embedshard", Name: "pull_hits_total", Help: "Pull requests that completed without error (newly initialized rows are not told apart).",
		}, shardLabel),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "embedshard", Name: "pull_misses_total", Help: "Pull requests that returned an error.",
		}, shardLabel),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "embedshard", Name: "checkpoint_flush_total", Help: "Rows flushed to the persistent pool.",
		}, shardVarLabel),
		depth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "embedshard", Name: "checkpoint_depth", Help: "Open checkpoint generations pending flush.",
		}, shardVarLabel),
		dramBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "embedshard", Name: "dram_bytes", Help: "DRAM bytes reserved by a shard's item pools.",
		}, shardLabel),
	}
	reg.MustRegister(s.hits, s.misses, s.flushes, s.depth, s.dramBytes)
	return s
}

func (s *promSink) IncPullHit(shard int32)  { s.hits.WithLabelValues(i(shard)).Inc() }
func (s *promSink) IncPullMiss(shard int32) { s.misses.WithLabelValues(i(shard)).Inc() }
func (s *promSink) IncFlush(shard int32, variable uint32, n int) {
	s.flushes.WithLabelValues(i(shard), u(variable)).Add(float64(n))
}
func (s *promSink) SetCheckpointDepth(shard int32, variable uint32, depth int) {
	s.depth.WithLabelValues(i(shard), u(variable)).Set(float64(depth))
}
func (s *promSink) SetDRAMBytes(shard int32, bytes int64) {
	s.dramBytes.WithLabelValues(i(shard)).Set(float64(bytes))
}

func i(v int32) string  { return strconv.Itoa(int(v)) }
func u(v uint32) string { return strconv.FormatUint(uint64(v), 10) }

// New returns a Sink: a Prometheus-backed one when reg is non-nil, a no-op
// one otherwise.
func New(reg *prometheus.Registry) Sink {
	if reg == nil {
		return noopSink{}
	}
	return newPromSink(reg)
}
