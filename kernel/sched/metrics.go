package sched

import (
	"github.com/prometheus/client_golang/prometheus"
)

var metricReadyThreads = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "bincows",
	Subsystem: "sched",
	Name:      "ready_threads",
	Help:      "Threads currently enqueued on a ready queue, across all priority levels.",
})

func init() {
	prometheus.MustRegister(metricReadyThreads)
}
