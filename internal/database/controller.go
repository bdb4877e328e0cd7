package database

import (
	"context"
	"database/sql"
	"math/rand"
	"time"

	"github.com/pkg/errors"
)

func init() {
	rand.Seed(time.Now().UnixNano())
}

// ControlInfo is the game control singleton as far as the runtime
// components care about it. Start, End and ServicesPublic may be nil
// when the operator has not configured them yet. ServicesPublic is
// only enforced by the web frontend, the runtime just carries it.
type ControlInfo struct {
	CompetitionName string
	Start           *time.Time
	End             *time.Time
	ServicesPublic  *time.Time
	TickDuration    time.Duration
	ValidTicks      int
	CurrentTick     int
	FlagPrefix      string
}

// GetControlInfo reads the game control singleton. A missing row is a
// DataError, the competition has not been set up then.
func (g *Gateway) GetControlInfo(ctx context.Context) (*ControlInfo, error) {
	var (
		info                       ControlInfo
		start, end, servicesPublic sql.NullTime
		durationSeconds            int
	)
	err := g.inTransaction(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT competition_name, start, "end", services_public, tick_duration, valid_ticks,`+
				` current_tick, flag_prefix FROM scoring_gamecontrol`)
		return row.Scan(&info.CompetitionName, &start, &end, &servicesPublic, &durationSeconds,
			&info.ValidTicks, &info.CurrentTick, &info.FlagPrefix)
	})
	if err == sql.ErrNoRows {
		return nil, errNoGameControl()
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not get control info")
	}

	if start.Valid {
		utc := start.Time.UTC()
		info.Start = &utc
	}
	if end.Valid {
		utc := end.Time.UTC()
		info.End = &utc
	}
	if servicesPublic.Valid {
		utc := servicesPublic.Time.UTC()
		info.ServicesPublic = &utc
	}
	info.TickDuration = time.Duration(durationSeconds) * time.Second
	return &info, nil
}

// IncreaseTick advances the current tick by one, resets the
// cancel-checks flag and creates the new tick's flag rows for every
// service and active non-NOP team. Everything happens in a single
// transaction, Checker Masters observing the new tick are guaranteed
// to see its flags.
func (g *Gateway) IncreaseTick(ctx context.Context) error {
	return g.inTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE scoring_gamecontrol SET current_tick = current_tick + 1, cancel_checks = false`)
		if err != nil {
			return errors.Wrap(err, "could not increase tick")
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO scoring_flag (service_id, protecting_team_id, tick)`+
				`    SELECT service.id, team.user_id, control.current_tick`+
				`    FROM scoring_service service, auth_user, registration_team team,`+
				`         scoring_gamecontrol control`+
				`    WHERE auth_user.id = team.user_id AND auth_user.is_active AND NOT team.nop_team`)
		return errors.Wrap(err, "could not create flags")
	})
}

// CancelChecks instructs all Checker Masters to abort their in-flight
// checks. The flag is reset by the next tick advance.
func (g *Gateway) CancelChecks(ctx context.Context) error {
	return g.inTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE scoring_gamecontrol SET cancel_checks = true`)
		return errors.Wrap(err, "could not set cancel_checks")
	})
}

// UpdateScoring fills in the bonus points for flags whose validity
// ended and refreshes the scoreboard materialized view.
func (g *Gateway) UpdateScoring(ctx context.Context) error {
	return g.inTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE scoring_flag as outerflag`+
				`    SET bonus = 1 / (`+
				`        SELECT greatest(1, count(*))`+
				`        FROM scoring_flag`+
				`        LEFT OUTER JOIN scoring_capture ON scoring_capture.flag_id = scoring_flag.id`+
				`        WHERE scoring_capture.flag_id = outerflag.id)`+
				`    FROM scoring_gamecontrol`+
				`    WHERE outerflag.tick + scoring_gamecontrol.valid_ticks < `+
				`        scoring_gamecontrol.current_tick AND outerflag.bonus IS NULL`)
		if err != nil {
			return errors.Wrap(err, "could not update flag bonuses")
		}
		_, err = tx.ExecContext(ctx, `REFRESH MATERIALIZED VIEW "scoring_scoreboard"`)
		return errors.Wrap(err, "could not refresh scoreboard")
	})
}

// AssignNetNumber gives the team a random unused net number from the
// configured range. It runs serializable and retries on conflicts with
// concurrent assignments.
func (g *Gateway) AssignNetNumber(ctx context.Context, teamID int) (int, error) {
	const attempts = 10

	var lastErr error
	for i := 0; i < attempts; i++ {
		netNo, err := g.assignNetNumberOnce(ctx, teamID)
		if err == nil {
			return netNo, nil
		}
		if !hasPgCode(err, pgSerializationFailure) {
			return 0, err
		}
		lastErr = err
	}
	return 0, errors.Wrapf(lastErr, "could not assign net number after %d attempts", attempts)
}

func (g *Gateway) assignNetNumberOnce(ctx context.Context, teamID int) (int, error) {
	tx, err := g.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, errors.Wrap(err, "could not begin transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	var minNetNo, maxNetNo int
	row := tx.QueryRowContext(ctx, `SELECT min_net_number, max_net_number FROM scoring_gamecontrol`)
	if err := row.Scan(&minNetNo, &maxNetNo); err != nil {
		if err == sql.ErrNoRows {
			return 0, errNoGameControl()
		}
		return 0, errors.Wrap(err, "could not get net number range")
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT net_number FROM registration_team WHERE net_number IS NOT NULL`)
	if err != nil {
		return 0, errors.Wrap(err, "could not get used net numbers")
	}
	used := make(map[int]struct{})
	for rows.Next() {
		var netNo int
		if err := rows.Scan(&netNo); err != nil {
			rows.Close()
			return 0, errors.Wrap(err, "could not scan net number")
		}
		used[netNo] = struct{}{}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, errors.Wrap(err, "could not iterate net numbers")
	}

	free := make([]int, 0, maxNetNo-minNetNo+1)
	for netNo := minNetNo; netNo <= maxNetNo; netNo++ {
		if _, ok := used[netNo]; !ok {
			free = append(free, netNo)
		}
	}
	if len(free) == 0 {
		return 0, DataError{msg: "no net numbers left in the configured range"}
	}
	netNo := free[rand.Intn(len(free))]

	if _, err := tx.ExecContext(ctx,
		`UPDATE registration_team SET net_number = $1 WHERE user_id = $2`, netNo, teamID); err != nil {
		return 0, errors.Wrap(err, "could not assign net number")
	}
	if g.prohibitChanges {
		return netNo, errors.Wrap(tx.Rollback(), "could not roll back transaction")
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "could not commit net number")
	}
	return netNo, nil
}

// Per-service flag counts for the operator metrics. "Current" refers
// to the current tick, "old" to all previous ones.

// GetExploitingTeamsCounts returns, per service name, the number of
// distinct teams which captured at least one flag.
func (g *Gateway) GetExploitingTeamsCounts(ctx context.Context) (map[string]int, error) {
	return g.serviceCounts(ctx,
		`SELECT service.name, COUNT(DISTINCT capture.capturing_team_id)`+
			`    FROM scoring_service service`+
			`    JOIN scoring_flag flag ON flag.service_id = service.id`+
			`    LEFT JOIN (SELECT * FROM scoring_capture) AS capture`+
			`        ON capture.flag_id = flag.id`+
			`    GROUP BY service.name`)
}

// GetUnplacedFlagsCounts returns, per service name, the flags whose
// placement has not been started by any checker.
func (g *Gateway) GetUnplacedFlagsCounts(ctx context.Context, currentTick bool) (map[string]int, error) {
	return g.flagCounts(ctx, currentTick, `placement_start IS NULL`)
}

// GetIncompleteFlagsCounts returns, per service name, the flags whose
// placement was started but never finished.
func (g *Gateway) GetIncompleteFlagsCounts(ctx context.Context, currentTick bool) (map[string]int, error) {
	return g.flagCounts(ctx, currentTick, `placement_start IS NOT NULL AND placement_end IS NULL`)
}

func (g *Gateway) flagCounts(ctx context.Context, currentTick bool, flagCondition string) (map[string]int, error) {
	tickComparison := `!=`
	if currentTick {
		tickComparison = `=`
	}
	return g.serviceCounts(ctx,
		`SELECT service.name, COUNT(flag.id)`+
			`    FROM scoring_service service`+
			`    LEFT JOIN (SELECT * FROM scoring_flag`+
			`               WHERE tick `+tickComparison+` (SELECT current_tick FROM scoring_gamecontrol)`+
			`                   AND `+flagCondition+`) AS flag`+
			`        ON flag.service_id = service.id`+
			`    GROUP BY service.name`)
}

func (g *Gateway) serviceCounts(ctx context.Context, query string) (map[string]int, error) {
	counts := make(map[string]int)
	err := g.inTransaction(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				service string
				count   int
			)
			if err := rows.Scan(&service, &count); err != nil {
				return err
			}
			counts[service] = count
		}
		return rows.Err()
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not get per-service counts")
	}
	return counts, nil
}
