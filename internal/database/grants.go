package database

import (
	"context"
	"database/sql"
	"math"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "database")

// The daemons run with minimal per-component database grants. Each
// Verify*Grants function issues every statement its daemon will ever
// need once at startup, inside transactions that get rolled back
// unconditionally. Missing grants surface immediately as an
// insufficient-privilege error instead of in the middle of the
// competition. Statements that need existing rows run with fake
// parameters, Django declares all foreign keys deferrable so the
// rolled-back transactions never trip over them.

// VerifyControllerGrants checks the grants of the Tick Controller.
func (g *Gateway) VerifyControllerGrants(ctx context.Context) error {
	p := g.ProhibitChanges()
	if _, err := p.GetControlInfo(ctx); err != nil {
		if !IsDataError(err) {
			return err
		}
		log.WithError(err).Warn("Invalid database state")
	}
	return p.IncreaseTick(ctx)
}

// VerifyCheckerGrants checks the grants of a Checker Master for the
// given service slug.
func (g *Gateway) VerifyCheckerGrants(ctx context.Context, slug string) error {
	p := g.ProhibitChanges()

	if _, err := p.GetControlInfo(ctx); err != nil {
		if !IsDataError(err) {
			return err
		}
		log.WithError(err).Warn("Invalid database state")
	}
	if _, err := p.GetServiceAttributes(ctx, slug); err != nil {
		if !IsDataError(err) {
			return err
		}
		log.WithError(err).Warn("Invalid database state")
	}
	if _, _, err := p.GetCurrentTick(ctx); err != nil && !IsDataError(err) {
		return err
	}
	if _, err := p.GetServiceMargin(ctx, slug); err != nil && !IsDataError(err) {
		return err
	}
	if _, err := p.GetCheckDuration(ctx, 1, 1); err != nil {
		return err
	}
	if _, err := p.GetTaskCount(ctx, 1); err != nil {
		return err
	}
	if _, err := p.GetNewTasks(ctx, 1, 1); err != nil {
		return err
	}
	if _, err := p.GetFlagRowID(ctx, 1, 1, 0); err != nil {
		return err
	}
	if _, err := p.LoadState(ctx, 1, 1, "identifier"); err != nil {
		return err
	}
	if err := p.StoreState(ctx, 1, 1, "identifier", "data"); err != nil {
		return err
	}

	// CommitResult and SetFlagID resolve team net numbers first and
	// would bail out on a fresh database before exercising their write
	// grants, so issue the writes directly with fake IDs.
	return p.inTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO scoring_statuscheck (service_id, team_id, tick, status, timestamp)`+
				`    VALUES ($1, $2, $3, $4, NOW())`, 1, 1, 0, 0); err != nil {
			return errors.Wrap(err, "could not insert status check")
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE scoring_flag SET placement_end = NOW()`+
				`    WHERE service_id = $1 AND protecting_team_id = $2 AND tick = $3`, 1, 1, 0); err != nil {
			return errors.Wrap(err, "could not mark placement end")
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE scoring_flag SET flagid = $1`+
				`    WHERE service_id = $2 AND protecting_team_id = $3 AND tick = $4`,
			"identifier", 1, 1, 0)
		return errors.Wrap(err, "could not set flag ID")
	})
}

// VerifySubmissionGrants checks the grants of the Submission Server.
func (g *Gateway) VerifySubmissionGrants(ctx context.Context) error {
	p := g.ProhibitChanges()

	if _, err := p.GetStaticInfo(ctx); err != nil {
		if !IsDataError(err) {
			return err
		}
		log.WithError(err).Warn("Invalid database state")
	}
	if _, _, err := p.GetDynamicInfo(ctx); err != nil && !IsDataError(err) {
		return err
	}
	if _, err := p.TeamIsNOP(ctx, 1); err != nil {
		return err
	}

	return p.inTransaction(ctx, func(tx *sql.Tx) error {
		// AddCapture with real parameters would fail before its INSERT
		// on a database without teams, use fake IDs instead.
		row := tx.QueryRowContext(ctx,
			`SELECT user_id FROM registration_team WHERE net_number = $1`, 1)
		var teamID int
		if err := row.Scan(&teamID); err != nil && err != sql.ErrNoRows {
			return errors.Wrap(err, "could not resolve team net number")
		}
		row = tx.QueryRowContext(ctx, `SELECT current_tick FROM scoring_gamecontrol`)
		var tick int
		if err := row.Scan(&tick); err != nil && err != sql.ErrNoRows {
			return errors.Wrap(err, "could not get current tick")
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO scoring_capture (flag_id, capturing_team_id, timestamp, tick)`+
				`    VALUES ($1, $2, NOW(), $3)`, math.MaxInt32, 42, 1)
		return errors.Wrap(err, "could not insert capture")
	})
}
