package call

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricActiveCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "call_active_sessions",
		Help: "Number of call sessions currently active on this engine",
	})

	metricCallsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_started_total",
		Help: "Outgoing and accepted incoming calls, by kind",
	}, []string{"kind", "direction"})

	metricCallsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_ended_total",
		Help: "Finalized calls, by end reason",
	}, []string{"reason"})

	metricBusyRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_busy_rejections_total",
		Help: "Outgoing calls rejected because the callee was busy",
	})

	metricStoreRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_store_write_retries_total",
		Help: "Signaling store writes that needed a retry",
	})
)
