package checker

import (
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fausecteam/ctf-gameserver/internal/database"
	"github.com/fausecteam/ctf-gameserver/internal/flag"
)

var testContestStart = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func expectControlInfo(mock sqlmock.Sqlmock, currentTick int) {
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT competition_name, start, "end", services_public,`+
		` tick_duration, valid_ticks, current_tick, flag_prefix FROM scoring_gamecontrol`)).
		WillReturnRows(sqlmock.NewRows([]string{"competition_name", "start", "end", "services_public",
			"tick_duration", "valid_ticks", "current_tick", "flag_prefix"}).
			AddRow("Test CTF", testContestStart, testContestStart.Add(8*time.Hour), nil,
				180, 5, currentTick, "FLAG_"))
	mock.ExpectCommit()
}

func expectFlagRowID(mock sqlmock.Sqlmock, teamID, tick, rowID int) {
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO scoring_flag (service_id, protecting_team_id, tick)`)).
		WithArgs(1, teamID, tick).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM scoring_flag`)).
		WithArgs(1, teamID, tick).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(rowID))
	mock.ExpectCommit()
}

func newTestMaster(t *testing.T) (*Master, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	gw := database.New(db)

	expectControlInfo(mock, 0)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, name FROM scoring_service WHERE slug = $1`)).
		WithArgs("service1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(1, "Service One"))
	mock.ExpectCommit()

	master, err := NewMaster(gw, Config{
		Service:       "service1",
		CheckerScript: "/dev/null",
		StdDevCount:   2,
		CheckerCount:  8,
		Interval:      10 * time.Second,
		IPPattern:     "10.66.%d.1",
		FlagSecret:    []byte("secret"),
	})
	require.NoError(t, err)
	return master, mock
}

func TestNewMasterInitializesFromDatabase(t *testing.T) {
	master, _ := newTestMaster(t)

	assert.Equal(t, 1, master.serviceID)
	assert.Equal(t, "Service One", master.serviceName)
	assert.Equal(t, testContestStart, master.contestStart)
	assert.Equal(t, 180*time.Second, master.tickDuration)
	assert.Equal(t, 5, master.flagValidTicks)
	assert.Equal(t, "FLAG_", master.flagPrefix)
	assert.Equal(t, -1, master.knownTick)
	assert.Equal(t, 0, master.supervisor.RunnerCount())
}

func TestNewMasterUnconfiguredCompetition(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT competition_name, start, "end", services_public,`)).
		WillReturnRows(sqlmock.NewRows([]string{"competition_name", "start", "end", "services_public",
			"tick_duration", "valid_ticks", "current_tick", "flag_prefix"}))
	mock.ExpectRollback()

	_, err = NewMaster(database.New(db), Config{Service: "service1", CheckerCount: 1})
	require.Error(t, err)
	assert.True(t, database.IsDataError(err))
}

func TestUpdateLaunchParams(t *testing.T) {
	estimate := func(v float64) *float64 { return &v }

	tests := []struct {
		name         string
		tick         int
		interval     time.Duration
		tickDuration time.Duration
		// Check duration estimate from previous ticks, nil stands for
		// the NULL of a tick without complete placements. Only queried
		// from tick 5 on.
		estimate  *float64
		taskCount int
		want      int
	}{
		{
			name:      "no tasks before the competition",
			tick:      -1,
			taskCount: 0,
			want:      0,
		},
		{
			name:      "everything in one batch while the duration is unknown",
			tick:      1,
			taskCount: 2,
			want:      1,
		},
		{
			name:      "many teams in one batch while the duration is unknown",
			tick:      1,
			taskCount: 392,
			want:      49,
		},
		{
			name:      "null estimate assumes the whole tick",
			tick:      10,
			estimate:  nil,
			taskCount: 392,
			want:      49,
		},
		{
			name:      "estimate longer than the tick",
			tick:      10,
			estimate:  estimate(3600),
			taskCount: 392,
			want:      49,
		},
		{
			name:      "estimate spreads the batches across the tick",
			tick:      10,
			estimate:  estimate(90),
			taskCount: 392,
			want:      7,
		},
		{
			name:      "shorter interval means smaller batches",
			tick:      10,
			interval:  5 * time.Second,
			estimate:  estimate(90),
			taskCount: 392,
			want:      4,
		},
		{
			name:         "short tick",
			tick:         10,
			tickDuration: 90 * time.Second,
			estimate:     estimate(10),
			taskCount:    392,
			want:         9,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			master, mock := newTestMaster(t)
			if tt.interval != 0 {
				master.interval = tt.interval
			}
			if tt.tickDuration != 0 {
				master.tickDuration = tt.tickDuration
			}

			if tt.tick >= 5 {
				rows := sqlmock.NewRows([]string{"duration"})
				if tt.estimate != nil {
					rows.AddRow(*tt.estimate)
				} else {
					rows.AddRow(nil)
				}
				mock.ExpectBegin()
				mock.ExpectQuery(`SELECT AVG\(EXTRACT\(EPOCH FROM`).
					WithArgs(2.0, 1).
					WillReturnRows(rows)
				mock.ExpectCommit()
			}
			mock.ExpectBegin()
			mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*)`)).
				WithArgs(1).
				WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(tt.taskCount))
			mock.ExpectCommit()
			mock.ExpectBegin()
			mock.ExpectQuery(regexp.QuoteMeta(`SELECT margin FROM scoring_service WHERE slug = $1`)).
				WithArgs("service1").
				WillReturnRows(sqlmock.NewRows([]string{"margin"}).AddRow(30))
			mock.ExpectCommit()

			require.NoError(t, master.updateLaunchParams(tt.tick))
			assert.Equal(t, tt.want, master.tasksPerLaunch)
		})
	}
}

func TestHandleFlagRequest(t *testing.T) {
	master, mock := newTestMaster(t)
	info := TaskInfo{Service: "service1", TeamID: 2, TeamNetNo: 92, Tick: 2}

	expectControlInfo(mock, 2)
	expectFlagRowID(mock, 2, 2, 500)
	resp1, err := master.handleFlagRequest(info, json.RawMessage(`{"tick": 2}`))
	require.NoError(t, err)
	flag1, ok := resp1.(string)
	require.True(t, ok)

	// The same tick always gets the same flag.
	expectControlInfo(mock, 2)
	expectFlagRowID(mock, 2, 2, 500)
	resp2, err := master.handleFlagRequest(info, json.RawMessage(`{"tick": 2}`))
	require.NoError(t, err)
	assert.Equal(t, resp1, resp2)

	flagID, teamNetNo, err := flag.Verify(flag1, []byte("secret"), "FLAG_", testContestStart)
	require.NoError(t, err)
	assert.Equal(t, 500, flagID)
	assert.Equal(t, 92, teamNetNo)

	// Another tick means another flag row and another flag.
	expectControlInfo(mock, 2)
	expectFlagRowID(mock, 2, 1, 400)
	resp3, err := master.handleFlagRequest(info, json.RawMessage(`{"tick": 1}`))
	require.NoError(t, err)
	assert.NotEqual(t, resp1, resp3)

	// Malformed parameters yield a null response instead of killing
	// the Runner.
	resp4, err := master.handleFlagRequest(info, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Nil(t, resp4)
}

func TestHandleFlagRequestUnsetStartTime(t *testing.T) {
	master, mock := newTestMaster(t)
	info := TaskInfo{Service: "service1", TeamID: 2, TeamNetNo: 92, Tick: 2}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT competition_name, start, "end", services_public,`)).
		WillReturnRows(sqlmock.NewRows([]string{"competition_name", "start", "end", "services_public",
			"tick_duration", "valid_ticks", "current_tick", "flag_prefix"}).
			AddRow("Test CTF", nil, nil, nil, 180, 5, 2, "FLAG_"))
	mock.ExpectCommit()

	_, err := master.handleFlagRequest(info, json.RawMessage(`{"tick": 2}`))
	require.Error(t, err)
	assert.True(t, database.IsDataError(err))
}

func TestHandleStateRequests(t *testing.T) {
	master, mock := newTestMaster(t)
	info := TaskInfo{Service: "service1", TeamID: 2, TeamNetNo: 92, Tick: 1}

	// Nothing stored yet.
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT data FROM checkerstate`)).
		WithArgs(1, 2, "counter").
		WillReturnRows(sqlmock.NewRows([]string{"data"}))
	mock.ExpectCommit()
	resp, err := master.handleLoadRequest(info, json.RawMessage(`"counter"`))
	require.NoError(t, err)
	assert.Nil(t, resp)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO checkerstate (service_id, team_id, identifier, data)`)).
		WithArgs(1, 2, "counter", "NDI=").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	require.NoError(t, master.handleStoreRequest(info,
		json.RawMessage(`{"key": "counter", "data": "NDI="}`)))

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT data FROM checkerstate`)).
		WithArgs(1, 2, "counter").
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow("NDI="))
	mock.ExpectCommit()
	resp, err = master.handleLoadRequest(info, json.RawMessage(`"counter"`))
	require.NoError(t, err)
	assert.Equal(t, "NDI=", resp)

	// STORE messages must carry both keys.
	assert.Error(t, master.handleStoreRequest(info, json.RawMessage(`{"key": "counter"}`)))
}

func TestHandleResultRequest(t *testing.T) {
	master, mock := newTestMaster(t)
	info := TaskInfo{Service: "service1", TeamID: 2, TeamNetNo: 92, Tick: 1}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT user_id FROM registration_team WHERE net_number = $1`)).
		WithArgs(92).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow(2))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO scoring_statuscheck`+
		` (service_id, team_id, tick, status, timestamp)`)).
		WithArgs(1, 2, 1, 0).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE scoring_flag SET placement_end = NOW()`)).
		WithArgs(1, 2, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, master.handleResultRequest(info, json.RawMessage(`0`)))

	// Results a script must not report are logged and ignored, without
	// touching the database.
	require.NoError(t, master.handleResultRequest(info, json.RawMessage(`5`)))
	require.NoError(t, master.handleResultRequest(info, json.RawMessage(`1337`)))
	require.NoError(t, master.handleResultRequest(info, json.RawMessage(`"not an int"`)))
}

func TestLaunchTasksTickChangeTimesOutRunners(t *testing.T) {
	master, mock := newTestMaster(t)

	script := writeScript(t, "sleep 30\n")
	info := TaskInfo{Service: "service1", TeamID: 2, TeamNetNo: 92, Tick: 0}
	require.NoError(t, master.supervisor.StartRunner([]string{script, "10.66.92.1", "92", "0"}, info))
	require.Equal(t, 1, master.supervisor.RunnerCount())

	// The tick advanced to 1 while the script from tick 0 is still
	// running.
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT current_tick, cancel_checks FROM scoring_gamecontrol`)).
		WillReturnRows(sqlmock.NewRows([]string{"current_tick", "cancel_checks"}).AddRow(1, false))
	mock.ExpectCommit()

	// The terminated script gets a TIMEOUT status check. placement_end
	// stays NULL, so there must be no UPDATE on the flag row.
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT user_id FROM registration_team WHERE net_number = $1`)).
		WithArgs(92).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow(2))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO scoring_statuscheck`+
		` (service_id, team_id, tick, status, timestamp)`)).
		WithArgs(1, 2, 0, 5).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	// Launch parameters get refreshed for the new tick.
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*)`)).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(8))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT margin FROM scoring_service WHERE slug = $1`)).
		WithArgs("service1").
		WillReturnRows(sqlmock.NewRows([]string{"margin"}).AddRow(30))
	mock.ExpectCommit()

	// All tasks of the new tick are already claimed by a sibling.
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`LOCK TABLE scoring_flag IN EXCLUSIVE MODE`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT flag.id, flag.protecting_team_id, flag.tick, team.net_number`)).
		WithArgs(1, 1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "protecting_team_id", "tick", "net_number"}))
	mock.ExpectCommit()

	require.NoError(t, master.launchTasks())
	assert.Equal(t, 1, master.knownTick)
	assert.Equal(t, 0, master.supervisor.RunnerCount())
}
