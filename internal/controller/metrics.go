package controller

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	startTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ctf_controller_start_timestamp",
			Help: "(Unix) timestamp when the process was started",
		},
	)
	currentTick = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ctf_controller_current_tick",
			Help: "The current tick",
		},
	)
	tickChangeDelaySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ctf_controller_tick_change_delay_seconds",
			Help:    "Differences between supposed and actual tick change times",
			Buckets: []float64{1, 3, 5, 10, 30, 60},
		},
	)
)
