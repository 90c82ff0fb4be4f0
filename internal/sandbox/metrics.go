// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugOS Contributors

package sandbox

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Status constants for invocation metrics.
const (
	StatusSuccess    = "success"
	StatusError      = "error"
	StatusTimeout    = "timeout"
	StatusTerminated = "terminated"
)

// Invocations counts function invocations by plug, function and status.
var Invocations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "plugos_invocations_total",
		Help: "Total number of plug function invocations",
	},
	[]string{"plug", "function", "status"},
)

// InvocationDuration observes round-trip latency of invocations.
var InvocationDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "plugos_invocation_duration_seconds",
		Help:    "Plug function invocation round-trip duration in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"plug", "function"},
)

// RegisterMetrics registers sandbox metrics with the given registry.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(Invocations)
	reg.MustRegister(InvocationDuration)
}

func recordInvocation(plug, function, status string, d time.Duration) {
	Invocations.WithLabelValues(plug, function, status).Inc()
	InvocationDuration.WithLabelValues(plug, function).Observe(d.Seconds())
}
