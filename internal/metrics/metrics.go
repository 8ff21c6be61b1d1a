// Package metrics exposes Prometheus collectors for unit-of-work activity.
// A nil *Recorder is valid and records nothing.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ledger"

// Recorder counts flushed writes, orphan removals, and callback dispatches,
// and times each flush.
type Recorder struct {
	writes    *prometheus.CounterVec
	orphans   prometheus.Counter
	callbacks *prometheus.CounterVec
	flushes   *prometheus.CounterVec
	duration  prometheus.Histogram
}

// New creates a Recorder and registers its collectors with reg. A nil reg
// uses a fresh private registry.
func New(reg prometheus.Registerer) (*Recorder, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	r := &Recorder{
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writes_total",
			Help:      "Rows written by flushes, by entity type and operation.",
		}, []string{"entity", "op"}),
		orphans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphan_removals_total",
			Help:      "Collection members scheduled for deletion by orphan removal.",
		}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callbacks_total",
			Help:      "Lifecycle callbacks dispatched, by entity type and event.",
		}, []string{"entity", "event"}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_total",
			Help:      "Flushes by result.",
		}, []string{"result"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_duration_seconds",
			Help:      "Wall time of each flush.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
	}
	var err error
	if r.writes, err = register(reg, r.writes); err != nil {
		return nil, err
	}
	if r.orphans, err = register(reg, r.orphans); err != nil {
		return nil, err
	}
	if r.callbacks, err = register(reg, r.callbacks); err != nil {
		return nil, err
	}
	if r.flushes, err = register(reg, r.flushes); err != nil {
		return nil, err
	}
	if r.duration, err = register(reg, r.duration); err != nil {
		return nil, err
	}
	return r, nil
}

// register adds c to reg. When an identical collector is already
// registered, that one is returned so that several recorders can share a
// registry.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	return c, err
}

// Write counts one row written for entity. op is insert, update, or delete.
func (r *Recorder) Write(entity, op string) {
	if r == nil {
		return
	}
	r.writes.WithLabelValues(entity, op).Inc()
}

// Orphan counts one orphan scheduled for removal.
func (r *Recorder) Orphan() {
	if r == nil {
		return
	}
	r.orphans.Inc()
}

// Callback counts one dispatched lifecycle callback.
func (r *Recorder) Callback(entity, event string) {
	if r == nil {
		return
	}
	r.callbacks.WithLabelValues(entity, event).Inc()
}

// Flush records the outcome and duration of one flush.
func (r *Recorder) Flush(success bool, d time.Duration) {
	if r == nil {
		return
	}
	result := "ok"
	if !success {
		result = "error"
	}
	r.flushes.WithLabelValues(result).Inc()
	r.duration.Observe(d.Seconds())
}
