package database

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetControlInfo(t *testing.T) {
	gw, mock := newMockGateway(t)

	start := time.Date(2020, 6, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(8 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT competition_name, start, "end", services_public, tick_duration`)).
		WillReturnRows(sqlmock.NewRows(
			[]string{"competition_name", "start", "end", "services_public", "tick_duration", "valid_ticks",
				"current_tick", "flag_prefix"}).
			AddRow("FAUST CTF", start, end, start, 180, 5, 7, "FAUST_"))
	mock.ExpectCommit()

	info, err := gw.GetControlInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "FAUST CTF", info.CompetitionName)
	assert.Equal(t, start, *info.Start)
	assert.Equal(t, end, *info.End)
	assert.Equal(t, start, *info.ServicesPublic)
	assert.Equal(t, 3*time.Minute, info.TickDuration)
	assert.Equal(t, 5, info.ValidTicks)
	assert.Equal(t, 7, info.CurrentTick)
	assert.Equal(t, "FAUST_", info.FlagPrefix)
}

func TestGetControlInfoUnconfigured(t *testing.T) {
	gw, mock := newMockGateway(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT competition_name, start, "end", services_public, tick_duration`)).
		WillReturnRows(sqlmock.NewRows([]string{"competition_name"}))
	mock.ExpectRollback()

	_, err := gw.GetControlInfo(context.Background())
	require.Error(t, err)
	assert.True(t, IsDataError(err))
}

func TestGetControlInfoNullTimes(t *testing.T) {
	gw, mock := newMockGateway(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT competition_name, start, "end", services_public, tick_duration`)).
		WillReturnRows(sqlmock.NewRows(
			[]string{"competition_name", "start", "end", "services_public", "tick_duration", "valid_ticks",
				"current_tick", "flag_prefix"}).
			AddRow("FAUST CTF", nil, nil, nil, 180, 5, -1, "FLAG_"))
	mock.ExpectCommit()

	info, err := gw.GetControlInfo(context.Background())
	require.NoError(t, err)
	assert.Nil(t, info.Start)
	assert.Nil(t, info.End)
	assert.Nil(t, info.ServicesPublic)
	assert.Equal(t, -1, info.CurrentTick)
}

func TestIncreaseTick(t *testing.T) {
	gw, mock := newMockGateway(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE scoring_gamecontrol SET current_tick = current_tick + 1`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO scoring_flag (service_id, protecting_team_id, tick)`)).
		WillReturnResult(sqlmock.NewResult(0, 42))
	mock.ExpectCommit()

	require.NoError(t, gw.IncreaseTick(context.Background()))
}

func TestUpdateScoring(t *testing.T) {
	gw, mock := newMockGateway(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE scoring_flag as outerflag`)).
		WillReturnResult(sqlmock.NewResult(0, 13))
	mock.ExpectExec(regexp.QuoteMeta(`REFRESH MATERIALIZED VIEW "scoring_scoreboard"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, gw.UpdateScoring(context.Background()))
}

func TestAssignNetNumber(t *testing.T) {
	gw, mock := newMockGateway(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT min_net_number, max_net_number`)).
		WillReturnRows(sqlmock.NewRows([]string{"min_net_number", "max_net_number"}).AddRow(100, 102))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT net_number FROM registration_team`)).
		WillReturnRows(sqlmock.NewRows([]string{"net_number"}).AddRow(100).AddRow(102))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE registration_team SET net_number = $1`)).
		WithArgs(101, 23).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	netNo, err := gw.AssignNetNumber(context.Background(), 23)
	require.NoError(t, err)
	assert.Equal(t, 101, netNo)
}

func TestAssignNetNumberRetriesOnSerializationFailure(t *testing.T) {
	gw, mock := newMockGateway(t)

	// First attempt fails with a serialization failure on the update.
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT min_net_number, max_net_number`)).
		WillReturnRows(sqlmock.NewRows([]string{"min_net_number", "max_net_number"}).AddRow(100, 100))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT net_number FROM registration_team`)).
		WillReturnRows(sqlmock.NewRows([]string{"net_number"}))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE registration_team SET net_number = $1`)).
		WithArgs(100, 23).
		WillReturnError(&pq.Error{Code: "40001"})
	mock.ExpectRollback()

	// Second attempt succeeds.
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT min_net_number, max_net_number`)).
		WillReturnRows(sqlmock.NewRows([]string{"min_net_number", "max_net_number"}).AddRow(100, 100))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT net_number FROM registration_team`)).
		WillReturnRows(sqlmock.NewRows([]string{"net_number"}))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE registration_team SET net_number = $1`)).
		WithArgs(100, 23).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	netNo, err := gw.AssignNetNumber(context.Background(), 23)
	require.NoError(t, err)
	assert.Equal(t, 100, netNo)
}

func TestAssignNetNumberExhausted(t *testing.T) {
	gw, mock := newMockGateway(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT min_net_number, max_net_number`)).
		WillReturnRows(sqlmock.NewRows([]string{"min_net_number", "max_net_number"}).AddRow(100, 100))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT net_number FROM registration_team`)).
		WillReturnRows(sqlmock.NewRows([]string{"net_number"}).AddRow(100))
	mock.ExpectRollback()

	_, err := gw.AssignNetNumber(context.Background(), 23)
	require.Error(t, err)
	assert.True(t, IsDataError(err))
}

func TestFlagCounts(t *testing.T) {
	gw, mock := newMockGateway(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT service.name, COUNT\(flag.id\)`).
		WillReturnRows(sqlmock.NewRows([]string{"name", "count"}).AddRow("service1", 3).AddRow("service2", 0))
	mock.ExpectCommit()

	counts, err := gw.GetUnplacedFlagsCounts(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"service1": 3, "service2": 0}, counts)
}

func TestExploitingTeamsCounts(t *testing.T) {
	gw, mock := newMockGateway(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT service.name, COUNT\(DISTINCT capture.capturing_team_id\)`).
		WillReturnRows(sqlmock.NewRows([]string{"name", "count"}).AddRow("service1", 7))
	mock.ExpectCommit()

	counts, err := gw.GetExploitingTeamsCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"service1": 7}, counts)
}
