package database

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/fausecteam/ctf-gameserver/internal/checkresult"
)

// ServiceAttributes identify the service a Checker Master is
// responsible for.
type ServiceAttributes struct {
	ID   int
	Name string
}

// GetServiceAttributes returns ID and name of the service with the
// given slug.
func (g *Gateway) GetServiceAttributes(ctx context.Context, slug string) (*ServiceAttributes, error) {
	var attrs ServiceAttributes
	err := g.inTransaction(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT id, name FROM scoring_service WHERE slug = $1`, slug)
		return row.Scan(&attrs.ID, &attrs.Name)
	})
	if err == sql.ErrNoRows {
		return nil, DataError{msg: "service has not been configured"}
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not get service attributes")
	}
	return &attrs, nil
}

// GetServiceMargin returns the service's end-of-tick guard band in
// seconds. Checks are scheduled so that they finish this long before
// the tick ends.
func (g *Gateway) GetServiceMargin(ctx context.Context, slug string) (int, error) {
	var margin int
	err := g.inTransaction(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT margin FROM scoring_service WHERE slug = $1`, slug)
		return row.Scan(&margin)
	})
	if err == sql.ErrNoRows {
		return 0, DataError{msg: "service has not been configured"}
	}
	if err != nil {
		return 0, errors.Wrap(err, "could not get service margin")
	}
	return margin, nil
}

// GetCurrentTick returns the current tick and the cancel-checks flag.
func (g *Gateway) GetCurrentTick(ctx context.Context) (tick int, cancelChecks bool, err error) {
	err = g.inTransaction(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT current_tick, cancel_checks FROM scoring_gamecontrol`)
		return row.Scan(&tick, &cancelChecks)
	})
	if err == sql.ErrNoRows {
		return 0, false, errNoGameControl()
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "could not get current tick")
	}
	return tick, cancelChecks, nil
}

// GetCheckDuration estimates the duration of check episodes for the
// given service over the recent ticks as mean plus stdDevCount
// standard deviations, in seconds. It returns no value when there are
// not enough samples yet.
func (g *Gateway) GetCheckDuration(ctx context.Context, serviceID int, stdDevCount float64) (sql.NullFloat64, error) {
	var duration sql.NullFloat64
	err := g.inTransaction(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT AVG(EXTRACT(EPOCH FROM (placement_end - placement_start)))`+
				`    + $1 * STDDEV(EXTRACT(EPOCH FROM (placement_end - placement_start)))`+
				`    FROM scoring_flag flag, scoring_gamecontrol control`+
				`    WHERE flag.service_id = $2`+
				`        AND flag.tick >= control.current_tick - 5`+
				`        AND flag.placement_end IS NOT NULL`, stdDevCount, serviceID)
		return row.Scan(&duration)
	})
	if err != nil && err != sql.ErrNoRows {
		return sql.NullFloat64{}, errors.Wrap(err, "could not get check duration")
	}
	return duration, nil
}

// GetTaskCount returns the total number of check tasks for the given
// service in the current tick, which normally equals the number of
// active teams.
func (g *Gateway) GetTaskCount(ctx context.Context, serviceID int) (int, error) {
	var count int
	err := g.inTransaction(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT COUNT(*)`+
				`    FROM scoring_flag flag, scoring_gamecontrol control`+
				`    WHERE flag.tick = control.current_tick`+
				`        AND flag.service_id = $1`, serviceID)
		return row.Scan(&count)
	})
	if err != nil {
		return 0, errors.Wrap(err, "could not get task count")
	}
	return count, nil
}

// Task is one claimed check assignment: place and verify the flag for
// one team in one tick.
type Task struct {
	FlagID    int
	TeamID    int
	TeamNetNo int
	Tick      int
}

// GetNewTasks claims up to taskCount random unstarted tasks of the
// current tick for the given service. Claiming stamps placement_start
// within the same transaction, so no concurrent Master instance can
// claim the same task. The explicit table lock is required because the
// random selection order otherwise deadlocks between siblings.
func (g *Gateway) GetNewTasks(ctx context.Context, serviceID, taskCount int) ([]Task, error) {
	var tasks []Task
	err := g.inTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `LOCK TABLE scoring_flag IN EXCLUSIVE MODE`); err != nil {
			return errors.Wrap(err, "could not lock flag table")
		}
		rows, err := tx.QueryContext(ctx,
			`SELECT flag.id, flag.protecting_team_id, flag.tick, team.net_number`+
				`    FROM scoring_flag flag, scoring_gamecontrol control, registration_team team`+
				`    WHERE flag.placement_start is NULL`+
				`        AND flag.tick = control.current_tick`+
				`        AND flag.service_id = $1`+
				`        AND flag.protecting_team_id = team.user_id`+
				`    ORDER BY RANDOM()`+
				`    LIMIT $2`, serviceID, taskCount)
		if err != nil {
			return errors.Wrap(err, "could not select tasks")
		}
		defer rows.Close()
		for rows.Next() {
			var task Task
			if err := rows.Scan(&task.FlagID, &task.TeamID, &task.Tick, &task.TeamNetNo); err != nil {
				return errors.Wrap(err, "could not scan task")
			}
			tasks = append(tasks, task)
		}
		if err := rows.Err(); err != nil {
			return errors.Wrap(err, "could not iterate tasks")
		}

		for _, task := range tasks {
			if _, err := tx.ExecContext(ctx,
				`UPDATE scoring_flag SET placement_start = NOW() WHERE id = $1`, task.FlagID); err != nil {
				return errors.Wrap(err, "could not mark placement start")
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// GetFlagRowID returns the database ID of the flag for the given
// service, team and tick. The row is created on demand, teams added in
// the middle of the competition do not have rows for historic ticks.
func (g *Gateway) GetFlagRowID(ctx context.Context, serviceID, teamID, tick int) (int, error) {
	var flagID int
	err := g.inTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO scoring_flag (service_id, protecting_team_id, tick)`+
				`    SELECT $1, $2, $3`+
				`    WHERE NOT EXISTS (SELECT 1 FROM scoring_flag WHERE service_id = $1`+
				`                      AND protecting_team_id = $2 AND tick = $3)`,
			serviceID, teamID, tick)
		if err != nil {
			return errors.Wrap(err, "could not create flag row")
		}
		row := tx.QueryRowContext(ctx,
			`SELECT id FROM scoring_flag`+
				`    WHERE service_id = $1 AND protecting_team_id = $2 AND tick = $3`,
			serviceID, teamID, tick)
		return row.Scan(&flagID)
	})
	if err != nil {
		return 0, errors.Wrap(err, "could not get flag ID")
	}
	return flagID, nil
}

// CommitResult saves the result of a finished check episode and, for
// all results except TIMEOUT, stamps the flag's placement as complete.
// Timed-out episodes keep placement_end NULL so they do not skew the
// duration statistics.
func (g *Gateway) CommitResult(ctx context.Context, serviceID, teamNetNo, tick int, result checkresult.Result) error {
	return g.inTransaction(ctx, func(tx *sql.Tx) error {
		teamID, err := teamIDByNetNo(ctx, tx, teamNetNo)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO scoring_statuscheck (service_id, team_id, tick, status, timestamp)`+
				`    VALUES ($1, $2, $3, $4, NOW())`, serviceID, teamID, tick, int(result))
		if err != nil {
			return errors.Wrap(err, "could not insert status check")
		}
		if result == checkresult.Timeout {
			return nil
		}
		// PostgreSQL checks the grants even if the WHERE clause matches
		// nothing, which keeps the startup check meaningful.
		_, err = tx.ExecContext(ctx,
			`UPDATE scoring_flag SET placement_end = NOW()`+
				`    WHERE service_id = $1 AND protecting_team_id = $2 AND tick = $3`,
			serviceID, teamID, tick)
		return errors.Wrap(err, "could not mark placement end")
	})
}

// SetFlagID stores the string the service presents to attackers as a
// hint for locating the flag of the given tick.
func (g *Gateway) SetFlagID(ctx context.Context, serviceID, teamNetNo, tick int, flagID string) error {
	return g.inTransaction(ctx, func(tx *sql.Tx) error {
		teamID, err := teamIDByNetNo(ctx, tx, teamNetNo)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE scoring_flag SET flagid = $1`+
				`    WHERE service_id = $2 AND protecting_team_id = $3 AND tick = $4`,
			flagID, serviceID, teamID, tick)
		return errors.Wrap(err, "could not set flag ID")
	})
}

// LoadState retrieves data stored by a previous Checker Script run, or
// nil when nothing was stored under the key yet.
func (g *Gateway) LoadState(ctx context.Context, serviceID, teamID int, identifier string) (*string, error) {
	var data *string
	err := g.inTransaction(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT data FROM checkerstate`+
				`    WHERE service_id = $1 AND team_id = $2 AND identifier = $3`,
			serviceID, teamID, identifier)
		var value string
		err := row.Scan(&value)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		data = &value
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not load checker state")
	}
	return data, nil
}

// StoreState saves data for later Checker Script runs, overwriting any
// previous value under the key.
func (g *Gateway) StoreState(ctx context.Context, serviceID, teamID int, identifier, data string) error {
	return g.inTransaction(ctx, func(tx *sql.Tx) error {
		// The grants get checked even if no CONFLICT occurs.
		_, err := tx.ExecContext(ctx,
			`INSERT INTO checkerstate (service_id, team_id, identifier, data)`+
				`    VALUES ($1, $2, $3, $4)`+
				`    ON CONFLICT (service_id, team_id, identifier)`+
				`        DO UPDATE SET data = EXCLUDED.data`,
			serviceID, teamID, identifier, data)
		return errors.Wrap(err, "could not store checker state")
	})
}

func teamIDByNetNo(ctx context.Context, tx *sql.Tx, teamNetNo int) (int, error) {
	var teamID int
	row := tx.QueryRowContext(ctx,
		`SELECT user_id FROM registration_team WHERE net_number = $1`, teamNetNo)
	err := row.Scan(&teamID)
	if err == sql.ErrNoRows {
		return 0, ErrTeamNotExisting
	}
	if err != nil {
		return 0, errors.Wrap(err, "could not resolve team net number")
	}
	return teamID, nil
}
