// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugOS Contributors

package syscalls

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Status constants for syscall metrics.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusUnknown = "unknown"
	StatusDenied  = "denied"
)

// SyscallCalls counts dispatched syscalls.
// Use RegisterMetrics to register this with a Prometheus registry.
var SyscallCalls = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "plugos_syscalls_total",
		Help: "Total number of syscalls dispatched by name and status",
	},
	[]string{"syscall", "status"},
)

// SyscallDuration observes handler latency.
var SyscallDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "plugos_syscall_duration_seconds",
		Help:    "Syscall handler duration in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"syscall"},
)

// RegisterMetrics registers syscall metrics with the given registry.
// Panics if registration fails (following prometheus convention).
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(SyscallCalls)
	reg.MustRegister(SyscallDuration)
}

// RecordSyscall increments the syscall counter.
func RecordSyscall(name, status string) {
	SyscallCalls.WithLabelValues(name, status).Inc()
}

// RecordSyscallDuration records how long a handler ran.
func RecordSyscallDuration(name string, d time.Duration) {
	SyscallDuration.WithLabelValues(name).Observe(d.Seconds())
}
