// Package sysexits provides the BSD sysexits.h exit codes used by the
// gameserver daemons, so that service managers can tell configuration
// mistakes apart from runtime failures.
package sysexits

const (
	// OK indicates successful termination.
	OK = 0
	// Usage indicates a command line or config file error.
	Usage = 64
	// Unavailable indicates that a required service, usually the
	// database, could not be reached or is in an unusable state.
	Unavailable = 69
	// Software indicates an internal software error.
	Software = 70
	// IOErr indicates an error on a socket or file the daemon cannot
	// recover from.
	IOErr = 74
	// NoPerm indicates missing (database) permissions.
	NoPerm = 77
)
