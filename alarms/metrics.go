package alarms

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	alarmsRaisedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_alarms_raised_total",
		Help: "Alarms raised by this service, by severity.",
	}, []string{"severity"})

	alarmsReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_alarms_received_total",
		Help: "Alarms collected by the alarm handler, by severity.",
	}, []string{"severity"})
)
