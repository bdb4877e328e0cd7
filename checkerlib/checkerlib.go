// Package checkerlib provides the contract between Checker Scripts and
// the Checker Master. A Checker Script implements the Checker interface
// and hands it to RunCheck, which drives one complete check episode:
// place the current flag, probe the service, then verify the flags of
// the current and the recent ticks.
//
// When launched by a Checker Runner (environment variable
// CTF_CHECKERSCRIPT is set), flags and state live in the game database
// and log output is relayed to the Master. Without a Runner the library
// falls back to deterministic development flags and a local state file,
// so scripts can be tested against a single team without any gameserver
// infrastructure.
package checkerlib

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
)

// Result is the verdict of a single check step.
type Result int

// The numeric values are part of the IPC protocol with the Checker
// Master and must never be renumbered.
const (
	// ResultInvalid is used internally for aborted steps.
	ResultInvalid Result = -1
	// ResultOk means the step worked as expected.
	ResultOk Result = 0
	// ResultDown means the service did not respond or reset the
	// connection.
	ResultDown Result = 1
	// ResultFaulty means the service responded, but misbehaved.
	ResultFaulty Result = 2
	// ResultFlagNotFound means the service responded, but a placed
	// flag could not be retrieved.
	ResultFlagNotFound Result = 3
	// ResultRecovering means the service works, but flags from
	// previous ticks are (partially) lost. Only RunCheck itself
	// assigns this value.
	ResultRecovering Result = 4
)

func (r Result) String() string {
	switch r {
	case ResultOk:
		return "OK"
	case ResultDown:
		return "DOWN"
	case ResultFaulty:
		return "FAULTY"
	case ResultFlagNotFound:
		return "FLAG_NOT_FOUND"
	case ResultRecovering:
		return "RECOVERING"
	default:
		return "INVALID"
	}
}

// Checker is implemented by each service's Checker Script. All methods
// report their verdict through the Result. A returned error aborts the
// episode: connection problems are translated to ResultDown by
// RunCheck, anything else crashes the script.
type Checker interface {
	// PlaceFlag stores the flag of the given tick inside the service.
	PlaceFlag(ip string, team, tick int) (Result, error)
	// CheckService probes the general health of the service.
	CheckService(ip string, team int) (Result, error)
	// CheckFlag verifies that the flag placed in the given tick can
	// still be retrieved.
	CheckFlag(ip string, team, tick int) (Result, error)
}

// flagLookback is the number of previous ticks whose flags get
// re-checked in every episode. Together with the current tick it
// matches the default flag lifetime, older flags would already have
// expired.
const flagLookback = 4

// GetFlag returns the flag to place or to expect for the given tick,
// for the team and service of the current run. The same inputs always
// yield the same flag.
func GetFlag(tick int) string {
	if ctrl != nil {
		resp := ctrl.sendRecv(actionFlag, map[string]interface{}{"tick": tick})
		flagString, ok := resp.(string)
		if !ok {
			panic(fmt.Sprintf("unexpected flag response: %v", resp))
		}
		return flagString
	}
	return localFlag(tick)
}

// SetFlagID publishes the attacker-visible hint for locating the flag
// of the current team and tick. The hint must not exceed 200 bytes.
func SetFlagID(data string) {
	if len(data) > 200 {
		panic("flag ID must not be longer than 200 bytes")
	}

	if ctrl != nil {
		// Wait for the acknowledgement, the response carries nothing.
		ctrl.sendRecv(actionFlagID, data)
		return
	}
	log.Printf("Storing flag ID: %q", data)
}

// StoreState persists data across runs of the Checker Script. Storage
// is per service and team, with key as an additional identifier. The
// data is serialized via encoding/json.
func StoreState(key string, data interface{}) {
	marshalled, err := json.Marshal(data)
	if err != nil {
		panic(err)
	}
	encoded := base64.StdEncoding.EncodeToString(marshalled)

	if ctrl != nil {
		// Wait for the acknowledgement, the response carries nothing.
		ctrl.sendRecv(actionStore, map[string]string{"key": key, "data": encoded})
		return
	}
	storeLocalState(key, encoded)
}

// LoadState retrieves data stored by StoreState into out, which must
// be a pointer. It returns false when nothing has been stored under
// key for the current service and team yet.
func LoadState(key string, out interface{}) bool {
	var encoded string
	if ctrl != nil {
		resp := ctrl.sendRecv(actionLoad, key)
		if resp == nil {
			return false
		}
		respString, ok := resp.(string)
		if !ok {
			panic(fmt.Sprintf("unexpected state response: %v", resp))
		}
		encoded = respString
	} else {
		localData, ok := loadLocalState(key)
		if !ok {
			return false
		}
		encoded = localData
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(decoded, out); err != nil {
		panic(err)
	}
	return true
}

// RunCheck drives one complete check episode with the given Checker
// implementation and reports the overall result. Every Checker Script
// must call it from its main function.
func RunCheck(checker Checker) {
	if len(os.Args) != 4 {
		log.Fatalf("usage: %s <ip> <team-net-no> <tick>", os.Args[0])
	}
	ip := os.Args[1]
	team, err := strconv.Atoi(os.Args[2])
	if err != nil {
		log.Fatalf("Invalid team net number %q", os.Args[2])
	}
	tick, err := strconv.Atoi(os.Args[3])
	if err != nil {
		log.Fatalf("Invalid tick %q", os.Args[3])
	}

	if ctrl == nil {
		// The local flag and state fallbacks need to know the team.
		localTeam = team
	}

	result, err := runCheckSteps(checker, ip, team, tick)
	if err != nil {
		if !isConnError(err) {
			// Let the script die, the Runner saves the log output.
			log.Fatal(err)
		}
		log.Printf("Connection error during check: %s", err)
		result = ResultDown
	}

	if ctrl != nil {
		ctrl.sendRecv(actionResult, int(result))
	} else {
		log.Printf("Check result: %s", result)
	}
}

// runCheckSteps executes the single steps of a check episode and stops
// at the first one that does not report ResultOk, with one exception:
// flags missing from older ticks keep the episode going and only
// downgrade the overall verdict to ResultRecovering.
func runCheckSteps(checker Checker, ip string, team, tick int) (Result, error) {
	log.Print("Placing flag")
	result, err := checker.PlaceFlag(ip, team, tick)
	if err != nil {
		return ResultInvalid, err
	}
	log.Printf("Flag placement result: %s", result)
	if result != ResultOk {
		return result, nil
	}

	log.Print("Checking service")
	result, err = checker.CheckService(ip, team)
	if err != nil {
		return ResultInvalid, err
	}
	log.Printf("Service check result: %s", result)
	if result != ResultOk {
		return result, nil
	}

	oldestTick := tick - flagLookback
	if oldestTick < 0 {
		oldestTick = 0
	}

	recovering := false
	for curTick := tick; curTick >= oldestTick; curTick-- {
		log.Printf("Checking flag of tick %d", curTick)
		result, err = checker.CheckFlag(ip, team, curTick)
		if err != nil {
			return ResultInvalid, err
		}
		log.Printf("Flag check result of tick %d: %s", curTick, result)
		if result != ResultOk {
			if curTick != tick && result == ResultFlagNotFound {
				recovering = true
			} else {
				return result, nil
			}
		}
	}

	if recovering {
		return ResultRecovering, nil
	}
	return ResultOk, nil
}
