// Package checkresult defines the result values a service check can
// produce. The numeric values are part of the database contract and of
// the Checker Script IPC protocol, they must never be renumbered.
package checkresult

import "github.com/pkg/errors"

// Result is the outcome of a single Checker Script step.
type Result int

const (
	// Up means the service worked as expected.
	Up Result = 0
	// Down means the service did not respond or reset the connection.
	Down Result = 1
	// Faulty means the service responded, but misbehaved.
	Faulty Result = 2
	// FlagNotFound means the service responded, but a flag from a
	// previous tick could not be retrieved.
	FlagNotFound Result = 3
	// Recovering means the service is up and current flags can be
	// retrieved, but flags from previous ticks are (partially) lost.
	Recovering Result = 4
	// Timeout means the check did not finish in time. It is only ever
	// assigned by the Checker Master, scripts cannot report it.
	Timeout Result = 5
)

var names = map[Result]string{
	Up:           "UP",
	Down:         "DOWN",
	Faulty:       "FAULTY",
	FlagNotFound: "FLAG NOT FOUND",
	Recovering:   "RECOVERING",
	Timeout:      "TIMEOUT",
}

func (r Result) String() string {
	if name, ok := names[r]; ok {
		return name
	}
	return "INVALID"
}

// FromInt converts a value received from a Checker Script into a
// Result. Timeout is not accepted, it is reserved for the Checker
// Master.
func FromInt(value int) (Result, error) {
	res := Result(value)
	if res < Up || res > Recovering {
		return 0, errors.Errorf("invalid check result %d", value)
	}
	return res, nil
}
