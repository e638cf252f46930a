package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "drover",
		Subsystem: "router",
		Name:      "turns_total",
		Help:      "Turns routed, by tier.",
	}, []string{"tier"})

	tokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "drover",
		Subsystem: "router",
		Name:      "tokens_total",
		Help:      "Tokens consumed by routed turns, by tier.",
	}, []string{"tier"})

	savingsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "drover",
		Subsystem: "router",
		Name:      "estimated_savings_usd_total",
		Help:      "Estimated spend avoided by serving turns locally.",
	})
)
