package flag

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeterministic(t *testing.T) {
	now := time.Now()
	flag1, err := Generate(now, 12, 13, []byte("secret"), DefaultPrefix)
	require.NoError(t, err)
	flag2, err := Generate(now, 12, 13, []byte("secret"), DefaultPrefix)
	require.NoError(t, err)
	assert.Equal(t, flag1, flag2)
}

func TestValidFlag(t *testing.T) {
	now := time.Now()
	expiration := now.Add(12 * time.Second)
	testFlag, err := Generate(expiration, 12, 13, []byte("secret"), DefaultPrefix)
	require.NoError(t, err)

	flagID, teamNetNo, err := Verify(testFlag, []byte("secret"), DefaultPrefix, now)
	require.NoError(t, err)
	assert.Equal(t, 12, flagID)
	assert.Equal(t, 13, teamNetNo)
}

func TestOldFlag(t *testing.T) {
	now := time.Now()
	expiration := now.Add(-12 * time.Second)
	testFlag, err := Generate(expiration, 12, 13, []byte("secret"), "FLAGPREFIX-")
	require.NoError(t, err)

	_, _, err = Verify(testFlag, []byte("secret"), "FLAGPREFIX-", now)
	var expired ExpiredError
	require.ErrorAs(t, err, &expired)
	assert.Equal(t, expiration.Unix(), expired.Expiration.Unix())
}

func TestInvalidFormat(t *testing.T) {
	_, _, err := Verify("ABC123", []byte("secret"), DefaultPrefix, time.Now())
	assert.ErrorIs(t, err, ErrInvalidFormat)

	// Correct prefix, but the body is not valid base64.
	_, _, err = Verify(DefaultPrefix+"!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!", []byte("secret"), DefaultPrefix, time.Now())
	assert.ErrorIs(t, err, ErrInvalidFormat)

	// Valid base64, but too short for payload plus MAC.
	_, _, err = Verify(DefaultPrefix+"Zm9vYmFy", []byte("secret"), DefaultPrefix, time.Now())
	assert.ErrorIs(t, err, ErrInvalidFormat)
}

func TestInvalidMAC(t *testing.T) {
	testFlag, err := Generate(time.Now(), 12, 13, []byte("secret"), DefaultPrefix)
	require.NoError(t, err)

	// Replace the last character of the flag with a different one.
	last := testFlag[len(testFlag)-1]
	replacement := byte('0')
	if last == replacement {
		replacement = '1'
	}
	wrongFlag := testFlag[:len(testFlag)-1] + string(replacement)

	_, _, err = Verify(wrongFlag, []byte("secret"), DefaultPrefix, time.Now())
	assert.ErrorIs(t, err, ErrInvalidMAC)
}

func TestWrongSecret(t *testing.T) {
	testFlag, err := Generate(time.Now().Add(time.Minute), 12, 13, []byte("secret"), DefaultPrefix)
	require.NoError(t, err)

	_, _, err = Verify(testFlag, []byte("wrong"), DefaultPrefix, time.Now())
	assert.ErrorIs(t, err, ErrInvalidMAC)
}

func TestGenerateRangeChecks(t *testing.T) {
	_, err := Generate(time.Now(), -1, 13, []byte("secret"), DefaultPrefix)
	assert.Error(t, err)
	_, err = Generate(time.Now(), 1<<32, 13, []byte("secret"), DefaultPrefix)
	assert.Error(t, err)
	_, err = Generate(time.Now(), 12, 1<<16, []byte("secret"), DefaultPrefix)
	assert.Error(t, err)
}

// TestKnownFlags pins the wire format: these flags have been generated
// by independent implementations and must never change, or deployed
// checkers and gameservers would disagree.
func TestKnownFlags(t *testing.T) {
	expectedFlags := []string{
		"FAUST_Q1RGLRmVnOVTRVJBRV9tRpcBKDNOCUPW",
		"FAUST_Q1RGLRml7uVTRVJBRV9IP7yOZriI07tT",
		"FAUST_Q1RGLRmVnOVTRVJBRV/EFBYyQ5hGkkhc",
		"FAUST_Q1RGLRml7uVTRVJBRV9+4LvDGpI37WnR",
		"FAUST_Q1RGLRmVnOVTRVJBRXe71HlVK0TqWwjD",
		"FAUST_Q1RGLRml7uVTRVJBRXdsFhEI3jhxey9I",
		"FAUST_Q1RGLRmVnOVTRVJBRXfGLg3ip26nfSaS",
		"FAUST_Q1RGLRml7uVTRVJBRXcQmzzAV65TUUFp",
		"FAUST_Q1RGLRmVnOVTRVJ8RV/j9Ys/9UjHdsfL",
		"FAUST_Q1RGLRml7uVTRVJ8RV/QpLXRXAao2VOL",
		"FAUST_Q1RGLRmVnOVTRVJ8RV9MXCvXvUVKmW6+",
		"FAUST_Q1RGLRml7uVTRVJ8RV9JoxKWWPdJ1BE0",
		"FAUST_Q1RGLRmVnOVTRVJ8RXfMkW+dK2FfyJlQ",
		"FAUST_Q1RGLRml7uVTRVJ8RXdxXbELYwjVp8Ku",
		"FAUST_Q1RGLRmVnOVTRVJ8RXePbyjg1uvCeQcH",
		"FAUST_Q1RGLRml7uVTRVJ8RXf/lT8Q1kehBFw9",
	}

	timestamp1 := time.Date(2020, 6, 1, 10, 0, 0, 0, time.UTC)
	timestamp2 := time.Date(2020, 6, 13, 10, 0, 0, 0, time.UTC)
	actualFlags := make([]string, 0, len(expectedFlags))

	for _, flagID := range []int{23, 42} {
		for _, team := range []int{13, 37} {
			for _, secret := range [][]byte{[]byte("secret1"), []byte("secret2")} {
				for _, timestamp := range []time.Time{timestamp1, timestamp2} {
					actualFlag, err := Generate(timestamp, flagID, team, secret, "FAUST_")
					require.NoError(t, err)
					actualFlags = append(actualFlags, actualFlag)

					now := timestamp.Add(-5 * time.Second)
					actualFlagID, actualTeam, err := Verify(actualFlag, secret, "FAUST_", now)
					require.NoError(t, err)
					assert.Equal(t, flagID, actualFlagID)
					assert.Equal(t, team, actualTeam)
				}
			}
		}
	}

	assert.Equal(t, expectedFlags, actualFlags)
}
