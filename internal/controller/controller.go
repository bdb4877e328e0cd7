// Package controller implements the tick controller. It advances the
// game's current tick on schedule, creates the flags of each new tick
// and triggers scoring updates. The controller is stateless between
// steps, all coordination happens through the game database.
package controller

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fausecteam/ctf-gameserver/internal/database"
)

var log = logrus.WithField("prefix", "controller")

// backoffDuration is how long a step waits after encountering an
// unusable database state or a transient database error.
const backoffDuration = 60 * time.Second

// maxSleepDuration caps the per-step sleep. Shorter naps keep the
// controller responsive to database edits before and during the
// competition.
const maxSleepDuration = 60 * time.Second

// Service runs the main controller loop. It implements the
// daemon.Service interface.
type Service struct {
	gateway *database.Gateway
	nonstop bool

	ctx    context.Context
	cancel context.CancelFunc

	// Seams for tests.
	now   func() time.Time
	sleep func(d time.Duration)
}

// NewService prepares a controller for the given database gateway.
// With nonstop set, ticks keep advancing after the configured
// competition end.
func NewService(gateway *database.Gateway, nonstop bool) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		gateway: gateway,
		nonstop: nonstop,
		ctx:     ctx,
		cancel:  cancel,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
	s.sleep = s.interruptibleSleep
	return s
}

// Start runs the controller loop until Stop is called.
func (s *Service) Start() {
	log.Info("Starting tick controller")
	startTimestamp.SetToCurrentTime()

	for s.ctx.Err() == nil {
		s.step()
	}
}

// Stop interrupts the loop. Tick advancement is idempotent across
// restarts, so there is nothing to flush.
func (s *Service) Stop() error {
	log.Info("Stopping tick controller")
	s.cancel()
	return nil
}

// Status always reports healthy. Database problems are transient per
// step and must not get the process restarted by a supervisor.
func (s *Service) Status() error {
	return nil
}

// step runs one iteration of the controller loop: sleep until the next
// tick is due, then advance it. Competition start and end may still be
// unset, the controller keeps polling until they appear.
func (s *Service) step() {
	info, err := s.gateway.GetControlInfo(s.ctx)
	if err != nil {
		s.handleDatabaseError(err, "Could not get control info")
		return
	}

	currentTick.Set(float64(info.CurrentTick))

	if info.Start == nil || info.End == nil {
		log.Warn("Competition start and end time must be configured in the database")
		s.sleep(backoffDuration)
		return
	}
	if info.TickDuration <= 0 {
		log.Warn("Tick duration must be a positive number of seconds")
		s.sleep(backoffDuration)
		return
	}

	// Never wait out a whole long tick in one nap, the database may
	// change underneath us.
	sleepSecs := s.sleepSeconds(info, s.now())
	if sleepSecs > maxSleepDuration.Seconds() {
		sleepSecs = maxSleepDuration.Seconds()
	}
	s.sleep(time.Duration(sleepSecs * float64(time.Second)))

	// Re-read the control information, it may have been edited during
	// the sleep.
	info, err = s.gateway.GetControlInfo(s.ctx)
	if err != nil {
		s.handleDatabaseError(err, "Could not get control info")
		return
	}
	if info.Start == nil || info.End == nil || info.TickDuration <= 0 {
		log.Warn("Competition start and end time must be configured in the database")
		s.sleep(backoffDuration)
		return
	}

	now := s.now()

	if info.End.Sub(*info.Start)%info.TickDuration != 0 {
		log.Warn("Competition duration not divisible by tick duration, strange things might happen")
	}

	if !s.nonstop && now.After(*info.End) {
		// Keep running instead of exiting, a process supervisor would
		// just restart us. The sleep prevents a busy loop now that the
		// hypothetical next tick is permanently overdue.
		log.Info("Competition is already over")
		s.sleep(backoffDuration)
		return
	}

	// The sleep above is capped, so the next tick might not actually be
	// due yet.
	if s.sleepSeconds(info, now) > 0 {
		return
	}

	log.Infof("After tick %d, increasing tick to the next one", info.CurrentTick)
	if err := s.gateway.IncreaseTick(s.ctx); err != nil {
		s.handleDatabaseError(err, "Could not increase tick")
		return
	}
	if err := s.gateway.UpdateScoring(s.ctx); err != nil {
		s.handleDatabaseError(err, "Could not update scoring")
	}
}

// sleepSeconds returns the number of seconds until the next tick is
// due. Overdue tick changes get recorded in the delay histogram.
func (s *Service) sleepSeconds(info *database.ControlInfo, now time.Time) float64 {
	nextTickStart := info.Start.Add(time.Duration(info.CurrentTick+1) * info.TickDuration)
	untilNextTick := nextTickStart.Sub(now).Seconds()

	if untilNextTick <= 0 {
		tickChangeDelaySeconds.Observe(-untilNextTick)
		return 0
	}
	return untilNextTick
}

// handleDatabaseError logs err and backs off. An unusable database
// state is expected before the competition has been set up, everything
// else is a transient connection problem that a later step will
// recover from.
func (s *Service) handleDatabaseError(err error, msg string) {
	if s.ctx.Err() != nil {
		// Shutdown interrupted the query, not worth a log entry.
		return
	}
	if database.IsDataError(err) {
		log.WithError(err).Warn("Invalid database state")
	} else {
		log.WithError(err).Error(msg)
	}
	s.sleep(backoffDuration)
}

func (s *Service) interruptibleSleep(d time.Duration) {
	log.Infof("Sleeping for %d seconds", int(d/time.Second))
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-s.ctx.Done():
	}
}
