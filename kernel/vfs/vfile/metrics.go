package vfile

import (
	"github.com/prometheus/client_golang/prometheus"
)

var metricOpenVfiles = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "bincows",
	Subsystem: "vfile",
	Name:      "open_files",
	Help:      "Distinct physical files currently held open in the vfile table.",
})

func init() {
	prometheus.MustRegister(metricOpenVfiles)
}
