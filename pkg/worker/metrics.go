package worker

import "github.com/prometheus/client_golang/prometheus"

var (
	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relaypilot_worker_queue_depth",
		Help: "Pending sequence requests in the worker queue",
	})
	sequenceCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relaypilot_worker_sequences_total",
		Help: "Device sequences executed, by result",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(sequenceCount)
}
