package kheap

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricFreeBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bincows",
		Subsystem: "kheap",
		Name:      "free_bytes",
		Help:      "Bytes held by free heap segments, excluding headers.",
	})
	metricCommittedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bincows",
		Subsystem: "kheap",
		Name:      "committed_bytes",
		Help:      "Bytes of heap address space backed by committed storage.",
	})
)

func init() {
	prometheus.MustRegister(metricFreeBytes, metricCommittedBytes)
}
