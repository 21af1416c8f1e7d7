package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var instructionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fabric_worker_instructions_total",
	Help: "Instructions handled by the scan worker, by action.",
}, []string{"action"})

var scansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fabric_worker_scan_status_total",
	Help: "Scan status transitions published by the worker.",
}, []string{"status"})
