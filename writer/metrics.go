package writer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var writesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fabric_writer_master_files_total",
	Help: "Master-file commits by outcome.",
}, []string{"outcome"})

var segmentsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "fabric_writer_segments_dropped_total",
	Help: "Scan segments dropped for lack of a tracked scan.",
})
