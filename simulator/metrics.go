package simulator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var instructionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fabric_simulator_instructions_total",
	Help: "Device instructions handled by the simulated device server, by action.",
}, []string{"action"})
