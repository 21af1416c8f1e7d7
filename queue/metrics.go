package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var insertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fabric_queue_inserts_total",
	Help: "counter of accepted requests offered to the queue",
}, []string{"outcome"})

var modificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fabric_queue_modifications_total",
	Help: "counter of queue modification requests by action",
}, []string{"action"})

var itemsFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fabric_queue_items_finished_total",
	Help: "counter of queue items retired to the history by final status",
}, []string{"status"})
