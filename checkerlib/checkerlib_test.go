package checkerlib

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	// The library logs every check step through the package logger,
	// keep the test output readable.
	log.SetOutput(io.Discard)
	os.Exit(m.Run())
}

// fakeChecker records the order of its calls. Its zero value reports
// ResultOk for every step.
type fakeChecker struct {
	placeResult   Result
	placeErr      error
	serviceResult Result
	serviceErr    error
	flagResults   map[int]Result
	flagErrs      map[int]error

	calls []string
}

func (c *fakeChecker) PlaceFlag(ip string, team, tick int) (Result, error) {
	c.calls = append(c.calls, fmt.Sprintf("place %d", tick))
	return c.placeResult, c.placeErr
}

func (c *fakeChecker) CheckService(ip string, team int) (Result, error) {
	c.calls = append(c.calls, "service")
	return c.serviceResult, c.serviceErr
}

func (c *fakeChecker) CheckFlag(ip string, team, tick int) (Result, error) {
	c.calls = append(c.calls, fmt.Sprintf("flag %d", tick))
	if err, ok := c.flagErrs[tick]; ok {
		return ResultInvalid, err
	}
	if result, ok := c.flagResults[tick]; ok {
		return result, nil
	}
	return ResultOk, nil
}

func TestRunCheckStepsAllOk(t *testing.T) {
	checker := &fakeChecker{}

	result, err := runCheckSteps(checker, "10.66.1.1", 1, 7)
	require.NoError(t, err)
	assert.Equal(t, ResultOk, result)
	assert.Equal(t, []string{
		"place 7", "service", "flag 7", "flag 6", "flag 5", "flag 4", "flag 3",
	}, checker.calls)
}

func TestRunCheckStepsLookbackStopsAtTickZero(t *testing.T) {
	checker := &fakeChecker{}

	result, err := runCheckSteps(checker, "10.66.1.1", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, ResultOk, result)
	assert.Equal(t, []string{"place 2", "service", "flag 2", "flag 1", "flag 0"}, checker.calls)
}

func TestRunCheckStepsStopsAfterFailedPlacement(t *testing.T) {
	checker := &fakeChecker{placeResult: ResultFaulty}

	result, err := runCheckSteps(checker, "10.66.1.1", 1, 7)
	require.NoError(t, err)
	assert.Equal(t, ResultFaulty, result)
	assert.Equal(t, []string{"place 7"}, checker.calls)
}

func TestRunCheckStepsServiceDown(t *testing.T) {
	checker := &fakeChecker{serviceResult: ResultDown}

	result, err := runCheckSteps(checker, "10.66.1.1", 1, 7)
	require.NoError(t, err)
	assert.Equal(t, ResultDown, result)
	assert.Equal(t, []string{"place 7", "service"}, checker.calls)
}

func TestRunCheckStepsCurrentFlagNotFound(t *testing.T) {
	checker := &fakeChecker{flagResults: map[int]Result{7: ResultFlagNotFound}}

	result, err := runCheckSteps(checker, "10.66.1.1", 1, 7)
	require.NoError(t, err)
	assert.Equal(t, ResultFlagNotFound, result)
	assert.Equal(t, []string{"place 7", "service", "flag 7"}, checker.calls)
}

func TestRunCheckStepsOldFlagMissingMeansRecovering(t *testing.T) {
	checker := &fakeChecker{flagResults: map[int]Result{5: ResultFlagNotFound}}

	result, err := runCheckSteps(checker, "10.66.1.1", 1, 7)
	require.NoError(t, err)
	assert.Equal(t, ResultRecovering, result)
	// A missing old flag does not cut the episode short.
	assert.Equal(t, []string{
		"place 7", "service", "flag 7", "flag 6", "flag 5", "flag 4", "flag 3",
	}, checker.calls)
}

func TestRunCheckStepsOldFlagFaultyPropagates(t *testing.T) {
	checker := &fakeChecker{flagResults: map[int]Result{
		6: ResultFlagNotFound,
		5: ResultFaulty,
	}}

	result, err := runCheckSteps(checker, "10.66.1.1", 1, 7)
	require.NoError(t, err)
	assert.Equal(t, ResultFaulty, result)
	assert.Equal(t, []string{"place 7", "service", "flag 7", "flag 6", "flag 5"}, checker.calls)
}

func TestRunCheckStepsPlacementErrorAborts(t *testing.T) {
	placeErr := errors.New("unexpected response to SET")
	checker := &fakeChecker{placeErr: placeErr}

	result, err := runCheckSteps(checker, "10.66.1.1", 1, 7)
	assert.Equal(t, placeErr, err)
	assert.Equal(t, ResultInvalid, result)
	assert.Equal(t, []string{"place 7"}, checker.calls)
}

func TestRunCheckStepsFlagErrorAborts(t *testing.T) {
	flagErr := errors.New("unexpected response to GET")
	checker := &fakeChecker{flagErrs: map[int]error{6: flagErr}}

	result, err := runCheckSteps(checker, "10.66.1.1", 1, 7)
	assert.Equal(t, flagErr, err)
	assert.Equal(t, ResultInvalid, result)
	assert.Equal(t, []string{"place 7", "service", "flag 7", "flag 6"}, checker.calls)
}

func TestSetFlagIDLengthLimit(t *testing.T) {
	assert.NotPanics(t, func() {
		SetFlagID(strings.Repeat("x", 200))
	})
	assert.PanicsWithValue(t, "flag ID must not be longer than 200 bytes", func() {
		SetFlagID(strings.Repeat("x", 201))
	})
}
