package submission

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctf_submission_connections",
			Help: "Total number of connections",
		},
		[]string{"team_net_no"},
	)
	flagsOK = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctf_submission_flags_ok",
			Help: "Number of submitted valid flags",
		},
		[]string{"team_net_no"},
	)
	flagsDup = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctf_submission_flags_dup",
			Help: "Number of submitted duplicate flags",
		},
		[]string{"team_net_no"},
	)
	flagsOld = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctf_submission_flags_old",
			Help: "Number of submitted expired flags",
		},
		[]string{"team_net_no"},
	)
	flagsOwn = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctf_submission_flags_own",
			Help: "Number of submitted own flags",
		},
		[]string{"team_net_no"},
	)
	flagsInv = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctf_submission_flags_inv",
			Help: "Number of submitted invalid flags",
		},
		[]string{"team_net_no"},
	)
	flagsErr = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctf_submission_flags_err",
			Help: "Number of submitted flags which resulted in an error",
		},
		[]string{"team_net_no"},
	)
	serverKills = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ctf_submission_server_kills",
			Help: "Number of times the server was force-restarted due to fatal errors",
		},
	)
	unhandledExceptions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ctf_submission_unhandled_exceptions",
			Help: "Number of unexpected errors in client connections",
		},
	)
	startTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ctf_submission_start_timestamp",
			Help: "(Unix) timestamp when the process was started",
		},
	)
	openConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ctf_submission_open_connections",
			Help: "Number of currently open connections",
		},
		[]string{"team_net_no"},
	)
	// The default buckets fit the expected per-flag processing times.
	submissionDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "ctf_submission_submission_duration_seconds",
			Help: "Time spent processing a single flag in seconds",
		},
	)
)
