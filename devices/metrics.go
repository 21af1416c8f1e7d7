package devices

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var configAppliesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fabric_device_config_applies_total",
	Help: "Applied device-config mutations, by action.",
}, []string{"action"})
