package bundler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var pointsEmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "fabric_bundler_points_emitted_total",
	Help: "Completed scan segments handed to emitters.",
})

var baselinesEmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "fabric_bundler_baselines_emitted_total",
	Help: "Scan baselines handed to emitters.",
})

var readingsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "fabric_bundler_readings_dropped_total",
	Help: "Device readings dropped for lack of an open scan.",
})
