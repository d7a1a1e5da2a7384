// Package metrics exposes the Prometheus counters for the redaction
// pipeline, following the lazily-initialized-registry idiom used for the
// reference service's module metrics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Redaction groups the redaction-pipeline counters. pkg/redaction.Engine
// does not increment them; cmd/medchaind increments Requests from its
// request handler, and nothing in this module increments the others.
type Redaction struct {
	Requests   *prometheus.CounterVec
	Approvals  *prometheus.CounterVec
	Executions *prometheus.CounterVec
	Replays    prometheus.Counter
	Consistency *prometheus.CounterVec
}

var (
	once sync.Once
	reg  *Redaction
)

// Get returns the lazily-initialized redaction metrics registry, registering
// its collectors with reg (or prometheus.DefaultRegisterer when reg is nil)
// exactly once per process.
func Get(reg_ prometheus.Registerer) *Redaction {
	once.Do(func() {
		if reg_ == nil {
			reg_ = prometheus.DefaultRegisterer
		}
		reg = &Redaction{
			Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "medchain",
				Subsystem: "redaction",
				Name:      "requests_total",
				Help:      "Total redaction requests created, by op_type and outcome.",
			}, []string{"op_type", "outcome"}),
			Approvals: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "medchain",
				Subsystem: "redaction",
				Name:      "approvals_total",
				Help:      "Total approvals recorded, by op_type.",
			}, []string{"op_type"}),
			Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "medchain",
				Subsystem: "redaction",
				Name:      "executions_total",
				Help:      "Total executed redactions, by op_type and outcome.",
			}, []string{"op_type", "outcome"}),
			Replays: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "medchain",
				Subsystem: "redaction",
				Name:      "replay_rejections_total",
				Help:      "Total redaction attempts rejected for nullifier replay.",
			}),
			Consistency: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "medchain",
				Subsystem: "consistency",
				Name:      "checks_total",
				Help:      "Total consistency-proof checks run, by check_type and result.",
			}, []string{"check_type", "result"}),
		}
		reg_.MustRegister(reg.Requests, reg.Approvals, reg.Executions, reg.Replays, reg.Consistency)
	})
	return reg
}
