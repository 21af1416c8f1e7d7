package guard

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fabric_guard_requests_total",
	Help: "counter of scan requests by admission outcome",
}, []string{"outcome"})
