package checker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// All metrics carry the service slug as a label so that scrapes from
// multiple Checker Masters can be aggregated.
var (
	startedTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctf_checkermaster_started_tasks",
			Help: "Number of started Checker Script instances",
		},
		[]string{"service"},
	)
	completedTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctf_checkermaster_completed_tasks",
			Help: "Number of successfully completed checks",
		},
		[]string{"result", "service"},
	)
	timeoutTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctf_checkermaster_timeout_tasks",
			Help: "Number of Checker Script instances forcibly terminated at end of tick",
		},
		[]string{"service"},
	)
	killedTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctf_checkermaster_killed_tasks",
			Help: "Number of Checker Script instances forcibly terminated because of misbehavior",
		},
		[]string{"service"},
	)

	startTimestamp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ctf_checkermaster_start_timestamp",
			Help: "(Unix) timestamp when the process was started",
		},
		[]string{"service"},
	)
	intervalLengthSeconds = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ctf_checkermaster_interval_length_seconds",
			Help: "Configured launch interval length",
		},
		[]string{"service"},
	)
	lastLaunchTimestamp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ctf_checkermaster_last_launch_timestamp",
			Help: "(Unix) timestamp when tasks were launched the last time",
		},
		[]string{"service"},
	)
	tasksPerLaunchCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ctf_checkermaster_tasks_per_launch_count",
			Help: "Number of checks to start in one launch interval",
		},
		[]string{"service"},
	)
	maxTaskDurationSeconds = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ctf_checkermaster_max_task_duration_seconds",
			Help: "Currently estimated maximum runtime of one check",
		},
		[]string{"service"},
	)

	taskLaunchDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ctf_checkermaster_task_launch_delay_seconds",
			Help:    "Differences between supposed and actual task launch times",
			Buckets: []float64{0.01, 0.03, 0.05, 0.1, 0.3, 0.5, 1, 3, 5, 10, 30, 60},
		},
		[]string{"service"},
	)
	scriptDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ctf_checkermaster_script_duration_seconds",
			Help:    "Observed runtimes of Checker Scripts",
			Buckets: []float64{1, 3, 5, 8, 10, 20, 30, 45, 60, 90, 120, 150, 180, 240, 300},
		},
		[]string{"service"},
	)
)
