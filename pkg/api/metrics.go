package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var stagingsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "relay_stagings_total",
		Help: "Staging submissions by outcome.",
	},
	[]string{
		"outcome",
	},
)

var wsConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "relay_ws_connections",
		Help: "Open WebSocket connections.",
	},
)
