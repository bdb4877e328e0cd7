// Package checker implements the Checker Master and its Runner
// Supervisor. The Master paces the launch of Checker Scripts across
// each tick, answers their requests for flags and state, and persists
// their results. Scripts run as separate processes under the
// Supervisor and talk to the Master through a line-based JSON protocol
// on dedicated file descriptors.
package checker

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/fausecteam/ctf-gameserver/internal/checkresult"
	"github.com/fausecteam/ctf-gameserver/internal/database"
	"github.com/fausecteam/ctf-gameserver/internal/flag"
)

var log = logrus.WithField("prefix", "checker")

// Config carries the static settings of one Checker Master instance.
type Config struct {
	// Slug of the service to check.
	Service string
	// Path of the Checker Script.
	CheckerScript string
	// User to execute Checker Scripts as, passed to sudo. Empty means
	// no privilege separation.
	SudoUser string
	// Number of standard deviations added to the mean when estimating
	// script runtimes from previous ticks.
	StdDevCount float64
	// Number of Checker Masters running for the same service.
	CheckerCount int
	// Time between launching batches of Checker Scripts.
	Interval time.Duration
	// Format string with a single %d verb that turns a team net number
	// into the IP address to check.
	IPPattern string
	// Secret for flag generation.
	FlagSecret []byte
}

// Master runs the main loop of one checker instance. Several instances
// can share the checking load of a single service, coordinated only
// through the database.
type Master struct {
	gateway    *database.Gateway
	supervisor *Supervisor

	serviceID   int
	serviceSlug string
	serviceName string

	checkerScript string
	stdDevCount   float64
	checkerCount  int
	interval      time.Duration
	ipPattern     string
	flagSecret    []byte

	contestStart   time.Time
	tickDuration   time.Duration
	flagValidTicks int
	flagPrefix     string

	knownTick      int
	lastLaunch     time.Time
	tasksPerLaunch int

	ctx context.Context

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewMaster creates a Master for the given config. It fails with a
// database.DataError while the competition or the service have not
// been configured yet, callers are expected to retry.
func NewMaster(gateway *database.Gateway, cfg Config) (*Master, error) {
	m := &Master{
		gateway:       gateway,
		serviceSlug:   cfg.Service,
		checkerScript: cfg.CheckerScript,
		stdDevCount:   cfg.StdDevCount,
		checkerCount:  cfg.CheckerCount,
		interval:      cfg.Interval,
		ipPattern:     cfg.IPPattern,
		flagSecret:    cfg.FlagSecret,
		knownTick:     -1,
		ctx:           context.Background(),
		shutdown:      make(chan struct{}),
	}

	if err := m.refreshControlInfo(); err != nil {
		return nil, err
	}
	attrs, err := gateway.GetServiceAttributes(m.ctx, cfg.Service)
	if err != nil {
		return nil, err
	}
	m.serviceID = attrs.ID
	m.serviceName = attrs.Name

	m.supervisor = NewSupervisor(cfg.SudoUser)
	// Trigger a launch in the first step.
	m.lastLaunch = time.Now().Add(-cfg.Interval)

	// Pre-create the result labels so that all counters start out
	// visible at zero.
	for result := checkresult.Up; result <= checkresult.Recovering; result++ {
		completedTasks.WithLabelValues(result.String(), cfg.Service)
	}
	intervalLengthSeconds.WithLabelValues(cfg.Service).Set(cfg.Interval.Seconds())

	return m, nil
}

// Run drives the Master until Shutdown has been called and all Checker
// Scripts have finished. It only returns an error on unrecoverable
// database failures, with all Runners terminated.
func (m *Master) Run() error {
	log.WithFields(logrus.Fields{
		"service": m.serviceSlug, "interval": m.interval,
	}).Info("Starting Checker Master loop")
	startTimestamp.WithLabelValues(m.serviceSlug).SetToCurrentTime()

	for {
		if err := m.step(); err != nil {
			m.supervisor.TerminateRunners()
			return err
		}
		if m.isShuttingDown() && m.supervisor.RunnerCount() == 0 {
			log.Info("All Checker Scripts finished, exiting")
			return nil
		}
	}
}

// Shutdown puts the Master into drain mode: no new Checker Scripts get
// launched and Run returns once the running ones have finished. Safe
// to call from a signal handler goroutine.
func (m *Master) Shutdown() {
	m.shutdownOnce.Do(func() {
		log.Info("Shutting down, waiting for running Checker Scripts to finish")
		close(m.shutdown)
	})
}

func (m *Master) isShuttingDown() bool {
	select {
	case <-m.shutdown:
		return true
	default:
		return false
	}
}

// step handles at most one request from a Checker Script, then kills
// overdue tasks and launches new ones. Processing only one request per
// step guarantees that launchTasks gets called regularly even under a
// request backlog.
func (m *Master) step() error {
	if req := m.supervisor.GetRequest(); req != nil {
		m.dispatch(req)
	}

	if m.isShuttingDown() {
		return nil
	}
	// Launch new tasks and catch up on missed intervals.
	for time.Since(m.lastLaunch) >= m.interval {
		delay := time.Since(m.lastLaunch) - m.interval
		taskLaunchDelaySeconds.WithLabelValues(m.serviceSlug).Observe(delay.Seconds())
		lastLaunchTimestamp.WithLabelValues(m.serviceSlug).SetToCurrentTime()

		m.lastLaunch = m.lastLaunch.Add(m.interval)
		if err := m.launchTasks(); err != nil {
			return err
		}
	}
	return nil
}

func (m *Master) dispatch(req *Request) {
	var (
		resp interface{}
		err  error
	)
	switch req.Action {
	case ActionFlag:
		resp, err = m.handleFlagRequest(req.Info, req.Param)
	case ActionFlagID:
		err = m.handleFlagIDRequest(req.Info, req.Param)
	case ActionLoad:
		resp, err = m.handleLoadRequest(req.Info, req.Param)
	case ActionStore:
		err = m.handleStoreRequest(req.Info, req.Param)
	case ActionResult:
		err = m.handleResultRequest(req.Info, req.Param)
	default:
		// There is no way to signal an error to the waiting Checker
		// Script, killing it is the only option.
		logTask(req.Info).Errorf("Unknown action received from Checker Script: %s", req.Action)
		m.terminateRunner(req.RunnerID)
		return
	}

	if err != nil {
		logTask(req.Info).WithError(err).Error("Checker Script communication error")
		m.terminateRunner(req.RunnerID)
		return
	}
	req.Respond(resp)
}

func (m *Master) terminateRunner(runnerID int) {
	m.supervisor.TerminateRunner(runnerID)
	killedTasks.WithLabelValues(m.serviceSlug).Inc()
}

// handleFlagRequest returns the flag to place for the requested tick.
// Repeated requests for the same tick return the same flag.
func (m *Master) handleFlagRequest(info TaskInfo, param json.RawMessage) (interface{}, error) {
	var params struct {
		Tick *int `json:"tick"`
	}
	if err := json.Unmarshal(param, &params); err != nil || params.Tick == nil {
		// Malformed parameters are the script's problem, it receives
		// a null response.
		return nil, nil
	}

	// The contest start time might have been edited, we need the
	// current value.
	if err := m.refreshControlInfo(); err != nil {
		return nil, err
	}

	flagRowID, err := m.gateway.GetFlagRowID(m.ctx, m.serviceID, info.TeamID, *params.Tick)
	if err != nil {
		return nil, err
	}

	expiration := m.contestStart.Add(time.Duration(m.flagValidTicks+*params.Tick) * m.tickDuration)
	newFlag, err := flag.Generate(expiration, flagRowID, info.TeamNetNo, m.flagSecret, m.flagPrefix)
	if err != nil {
		return nil, err
	}
	return newFlag, nil
}

func (m *Master) handleFlagIDRequest(info TaskInfo, param json.RawMessage) error {
	var flagID string
	if err := json.Unmarshal(param, &flagID); err != nil {
		return errors.Wrap(err, "invalid flag ID")
	}
	return m.gateway.SetFlagID(m.ctx, m.serviceID, info.TeamNetNo, info.Tick, flagID)
}

func (m *Master) handleLoadRequest(info TaskInfo, param json.RawMessage) (interface{}, error) {
	var identifier string
	if err := json.Unmarshal(param, &identifier); err != nil {
		return nil, errors.Wrap(err, "invalid state identifier")
	}
	data, err := m.gateway.LoadState(m.ctx, m.serviceID, info.TeamID, identifier)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	return *data, nil
}

func (m *Master) handleStoreRequest(info TaskInfo, param json.RawMessage) error {
	var params struct {
		Key  *string `json:"key"`
		Data *string `json:"data"`
	}
	if err := json.Unmarshal(param, &params); err != nil {
		return errors.Wrap(err, "invalid state parameters")
	}
	if params.Key == nil || params.Data == nil {
		return errors.New(`state parameters must have "key" and "data" keys`)
	}
	return m.gateway.StoreState(m.ctx, m.serviceID, info.TeamID, *params.Key, *params.Data)
}

// handleResultRequest persists a check result. Invalid results are
// logged and ignored, the script still receives its ack.
func (m *Master) handleResultRequest(info TaskInfo, param json.RawMessage) error {
	var value int
	if err := json.Unmarshal(param, &value); err != nil {
		logTask(info).Errorf("Invalid result from Checker Script: %s", param)
		return nil
	}
	result, err := checkresult.FromInt(value)
	if err != nil {
		logTask(info).Errorf("Invalid result from Checker Script: %d", value)
		return nil
	}

	logTask(info).Infof("Result from Checker Script: %s", result)
	completedTasks.WithLabelValues(result.String(), m.serviceSlug).Inc()
	return m.gateway.CommitResult(m.ctx, m.serviceID, info.TeamNetNo, info.Tick, result)
}

// launchTasks claims up to tasksPerLaunch new check tasks and starts a
// Checker Script for each of them. Tick changes terminate all scripts
// still running from the previous tick.
func (m *Master) launchTasks() error {
	currentTick, cancelChecks, err := m.gateway.GetCurrentTick(m.ctx)
	if err != nil {
		return err
	}
	if currentTick < 0 {
		// Competition not running yet.
		return nil
	}
	if currentTick != m.knownTick {
		if err := m.changeTick(currentTick); err != nil {
			return err
		}
	} else if cancelChecks {
		// Competition over or checks aborted by the operator.
		return m.timeoutRunners()
	}

	tasks, err := m.gateway.GetNewTasks(m.ctx, m.serviceID, m.tasksPerLaunch)
	if err != nil {
		return err
	}

	// The current tick might have advanced since GetCurrentTick, but
	// GetNewTasks only ever returns tasks from one single tick.
	if len(tasks) > 0 && tasks[0].Tick != currentTick {
		currentTick = tasks[0].Tick
		if err := m.changeTick(currentTick); err != nil {
			return err
		}
	}

	for _, task := range tasks {
		ip := fmt.Sprintf(m.ipPattern, task.TeamNetNo)
		args := []string{m.checkerScript, ip, strconv.Itoa(task.TeamNetNo), strconv.Itoa(task.Tick)}
		info := TaskInfo{
			Service:   m.serviceSlug,
			TeamID:    task.TeamID,
			TeamNetNo: task.TeamNetNo,
			Tick:      task.Tick,
		}

		logTask(info).Info("Starting Checker Script")
		if err := m.supervisor.StartRunner(args, info); err != nil {
			// The task's placement_start is already stamped, its flag
			// row will show up as incomplete.
			logTask(info).WithError(err).Error("Could not start Checker Script")
		}
	}
	return nil
}

func (m *Master) changeTick(newTick int) error {
	if err := m.timeoutRunners(); err != nil {
		return err
	}
	if err := m.updateLaunchParams(newTick); err != nil {
		return err
	}
	m.knownTick = newTick
	return nil
}

// timeoutRunners terminates all running Checker Scripts and records a
// TIMEOUT result for each of them.
func (m *Master) timeoutRunners() error {
	for _, info := range m.supervisor.TerminateRunners() {
		logTask(info).Info("Forcefully terminated Checker Script")
		timeoutTasks.WithLabelValues(m.serviceSlug).Inc()
		if err := m.gateway.CommitResult(m.ctx, m.serviceID, info.TeamNetNo, info.Tick,
			checkresult.Timeout); err != nil {
			return err
		}
	}
	return nil
}

// updateLaunchParams determines the number of tasks to start per
// launch interval. Task starts are distributed evenly across the tick
// with a safety margin at the end, balancing the load while making
// Checker fingerprinting harder. Durations of previous checks bound
// the estimate after the first 5 ticks, before that the whole tick
// duration is assumed.
func (m *Master) updateLaunchParams(tick int) error {
	checkDuration := m.tickDuration.Seconds()
	if tick >= 5 {
		estimate, err := m.gateway.GetCheckDuration(m.ctx, m.serviceID, m.stdDevCount)
		if err != nil {
			return err
		}
		// Without any complete placements the estimate is NULL and the
		// maximum stands.
		if estimate.Valid {
			checkDuration = estimate.Float64
		}
	}

	totalTasks, err := m.gateway.GetTaskCount(m.ctx, m.serviceID)
	if err != nil {
		return err
	}
	localTasks := int(math.Ceil(float64(totalTasks) / float64(m.checkerCount)))

	marginSeconds, err := m.gateway.GetServiceMargin(m.ctx, m.serviceSlug)
	if err != nil {
		return err
	}
	launchTimeframe := math.Max(m.tickDuration.Seconds()-checkDuration-float64(marginSeconds), 0)

	intervalsPerTimeframe := math.Floor(launchTimeframe/m.interval.Seconds()) + 1
	m.tasksPerLaunch = int(math.Ceil(float64(localTasks) / intervalsPerTimeframe))

	log.Infof("Planning to start %d tasks per interval with a maximum duration of %d seconds "+
		"(plus %d seconds margin)", m.tasksPerLaunch, int(checkDuration), marginSeconds)
	tasksPerLaunchCount.WithLabelValues(m.serviceSlug).Set(float64(m.tasksPerLaunch))
	maxTaskDurationSeconds.WithLabelValues(m.serviceSlug).Set(checkDuration)
	return nil
}

// refreshControlInfo re-reads the competition parameters relevant for
// flag generation.
func (m *Master) refreshControlInfo() error {
	info, err := m.gateway.GetControlInfo(m.ctx)
	if err != nil {
		return err
	}
	if info.Start == nil {
		return database.ErrNoStartTime
	}
	m.contestStart = *info.Start
	m.tickDuration = info.TickDuration
	m.flagValidTicks = info.ValidTicks
	m.flagPrefix = info.FlagPrefix
	return nil
}

func logTask(info TaskInfo) *logrus.Entry {
	return log.WithFields(logrus.Fields{
		"service": info.Service, "team": info.TeamNetNo, "tick": info.Tick,
	})
}
