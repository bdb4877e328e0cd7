package checkerlib

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fausecteam/ctf-gameserver/internal/flag"
)

// Development fallbacks for Checker Scripts launched without a Runner.
// Flags are derived from a well-known secret and state lives in a JSON
// file in the working directory.

const (
	localFlagID     = 42
	localFlagSecret = "TOPSECRET"
)

// localTeam is the team net number of the current local run, set by
// RunCheck.
var localTeam int

func localFlag(tick int) string {
	if localTeam == 0 {
		panic("GetFlag must be called through RunCheck")
	}

	// One tick per minute since the epoch keeps local flags
	// deterministic and distinct across ticks.
	expiration := time.Unix(0, 0).UTC().Add(time.Duration(tick) * time.Minute)
	devFlag, err := flag.Generate(expiration, localFlagID, localTeam, []byte(localFlagSecret),
		flag.DefaultPrefix)
	if err != nil {
		panic(err)
	}
	return devFlag
}

func localStatePath() string {
	if localTeam == 0 {
		panic("state must be accessed through RunCheck")
	}
	return fmt.Sprintf("_%d_state.json", localTeam)
}

func storeLocalState(key, encoded string) {
	state := readLocalState()
	state[key] = encoded

	data, err := json.Marshal(state)
	if err != nil {
		panic(err)
	}
	if err := os.WriteFile(localStatePath(), data, 0644); err != nil {
		panic(err)
	}
}

func loadLocalState(key string) (string, bool) {
	encoded, ok := readLocalState()[key]
	return encoded, ok
}

func readLocalState() map[string]string {
	data, err := os.ReadFile(localStatePath())
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}
		}
		panic(err)
	}

	var state map[string]string
	if err := json.Unmarshal(data, &state); err != nil {
		panic(err)
	}
	return state
}
