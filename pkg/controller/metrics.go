package controller

import "github.com/prometheus/client_golang/prometheus"

var (
	tickCount = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relaypilot_ticks_total",
		Help: "Control ticks completed",
	})
	actionCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relaypilot_output_actions_total",
		Help: "Output actions submitted to the device worker",
	}, []string{"output", "type"})
	currentPriceGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relaypilot_current_price_cents",
		Help: "Current tariff price per channel in c/kWh",
	}, []string{"channel"})
	outputOnGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relaypilot_output_on",
		Help: "Whether an output is currently on",
	}, []string{"output"})
)

func init() {
	prometheus.MustRegister(tickCount)
	prometheus.MustRegister(actionCount)
	prometheus.MustRegister(currentPriceGauge)
	prometheus.MustRegister(outputOnGauge)
}
