// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugOS Contributors

package system

import "github.com/prometheus/client_golang/prometheus"

// Load results for the loads metric.
const (
	LoadNew      = "new"
	LoadReplaced = "replaced"
	LoadFailed   = "failed"
	LoadUnloaded = "unloaded"
)

// PlugsLoaded is the number of active plugs.
var PlugsLoaded = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "plugos_plugs_loaded",
	Help: "Number of currently loaded plugs",
})

// Loads counts lifecycle transitions by result.
var Loads = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "plugos_plug_loads_total",
		Help: "Total number of plug lifecycle transitions by result",
	},
	[]string{"result"},
)

// RegisterMetrics registers system metrics with the given registry.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(PlugsLoaded)
	reg.MustRegister(Loads)
}

func recordLoad(result string) {
	Loads.WithLabelValues(result).Inc()
}
