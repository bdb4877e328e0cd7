package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// StaticInfo holds the competition properties the Submission Server
// reads once at startup.
type StaticInfo struct {
	CompetitionName string
	FlagPrefix      string
}

// GetStaticInfo returns the competition's name and flag prefix.
func (g *Gateway) GetStaticInfo(ctx context.Context) (*StaticInfo, error) {
	var info StaticInfo
	err := g.inTransaction(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT competition_name, flag_prefix FROM scoring_gamecontrol`)
		return row.Scan(&info.CompetitionName, &info.FlagPrefix)
	})
	if err == sql.ErrNoRows {
		return nil, errNoGameControl()
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not get static info")
	}
	return &info, nil
}

// GetDynamicInfo returns the competition's start and end time. Either
// may be nil when not configured yet.
func (g *Gateway) GetDynamicInfo(ctx context.Context) (start, end *time.Time, err error) {
	var nullStart, nullEnd sql.NullTime
	err = g.inTransaction(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT start, "end" FROM scoring_gamecontrol`)
		return row.Scan(&nullStart, &nullEnd)
	})
	if err == sql.ErrNoRows {
		return nil, nil, errNoGameControl()
	}
	if err != nil {
		return nil, nil, errors.Wrap(err, "could not get dynamic info")
	}
	if nullStart.Valid {
		utc := nullStart.Time.UTC()
		start = &utc
	}
	if nullEnd.Valid {
		utc := nullEnd.Time.UTC()
		end = &utc
	}
	return start, end, nil
}

// TeamIsNOP reports whether the team with the given net number is
// marked as a NOP team. Unknown teams are not NOP teams.
func (g *Gateway) TeamIsNOP(ctx context.Context, teamNetNo int) (bool, error) {
	var nop bool
	err := g.inTransaction(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT nop_team FROM registration_team WHERE net_number = $1`, teamNetNo)
		return row.Scan(&nop)
	})
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "could not check NOP team")
	}
	return nop, nil
}

// AddCapture records that the team with the given net number captured
// the flag with the given database ID in the current tick. It returns
// ErrDuplicateCapture when the team already captured that flag and
// ErrTeamNotExisting when the net number is unknown.
func (g *Gateway) AddCapture(ctx context.Context, flagID, capturingTeamNetNo int) error {
	err := g.inTransaction(ctx, func(tx *sql.Tx) error {
		teamID, err := teamIDByNetNo(ctx, tx, capturingTeamNetNo)
		if err != nil {
			return err
		}

		var tick int
		row := tx.QueryRowContext(ctx, `SELECT current_tick FROM scoring_gamecontrol`)
		if err := row.Scan(&tick); err != nil {
			if err == sql.ErrNoRows {
				return errNoGameControl()
			}
			return errors.Wrap(err, "could not get current tick")
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO scoring_capture (flag_id, capturing_team_id, timestamp, tick)`+
				`    VALUES ($1, $2, NOW(), $3)`, flagID, teamID, tick)
		return err
	})
	if hasPgCode(err, pgUniqueViolation) {
		return ErrDuplicateCapture
	}
	if IsDataError(err) {
		return err
	}
	return errors.Wrap(err, "could not add capture")
}
