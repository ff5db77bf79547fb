// Package memguard tracks available memory and decides when sustained pressure warrants
// dropping every producer.
package memguard

import (
	"runtime/metrics"
)

const (
	DefaultThreshold = 5
	DefaultBudget    = 64 << 20
)

// Source reports how many bytes are currently available to the relay.
type Source interface {
	Available() uint64
}

// SourceFunc adapts a function to Source.
type SourceFunc func() uint64

func (f SourceFunc) Available() uint64 { return f() }

// Guard counts consecutive low-memory samples. It is owned by a single goroutine.
type Guard struct {
	lowWatermark   uint64
	threshold      int
	consecutiveLow int
}

func New(lowWatermark uint64, threshold int) *Guard {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Guard{
		lowWatermark: lowWatermark,
		threshold:    threshold,
	}
}

// Sample records one reading of free memory.
func (g *Guard) Sample(free uint64) {
	if free < g.lowWatermark {
		g.consecutiveLow++
		return
	}
	g.consecutiveLow = 0
}

// ShouldForceReset reports whether pressure has been sustained for threshold samples.
// It fires once per episode: a true result clears the counter.
func (g *Guard) ShouldForceReset() bool {
	if g.consecutiveLow < g.threshold {
		return false
	}
	g.consecutiveLow = 0
	return true
}

func (g *Guard) ConsecutiveLow() int { return g.consecutiveLow }

const heapObjectsMetric = "/memory/classes/heap/objects:bytes"

// RuntimeSource measures live heap objects against a fixed budget. Reading it does not
// stop the world. It is not safe for concurrent use.
type RuntimeSource struct {
	Budget  uint64
	samples []metrics.Sample
}

func NewRuntimeSource(budget uint64) *RuntimeSource {
	return &RuntimeSource{
		Budget:  budget,
		samples: []metrics.Sample{{Name: heapObjectsMetric}},
	}
}

func (s *RuntimeSource) Available() uint64 {
	metrics.Read(s.samples)
	v := s.samples[0].Value
	if v.Kind() != metrics.KindUint64 {
		return s.Budget
	}
	used := v.Uint64()
	if used >= s.Budget {
		return 0
	}
	return s.Budget - used
}
