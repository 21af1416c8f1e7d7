package connector

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var publishedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fabric_broker_published_total",
	Help: "counter of notifications published to the broker",
}, []string{"transport"})

var deliveredCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fabric_broker_delivered_total",
	Help: "counter of notifications delivered to subscription callbacks",
}, []string{"transport"})

var failureCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fabric_broker_failures_total",
	Help: "counter of failed broker operations",
}, []string{"op"})

var pipelineFlushCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fabric_broker_pipeline_flushes_total",
	Help: "counter of write batches flushed to the broker",
}, []string{"transport"})
