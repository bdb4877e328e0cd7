// Package cmd defines the command line flags shared by the gameserver
// daemons.
package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"
	"github.com/urfave/cli/v2/altsrc"
)

var (
	// VerbosityFlag defines the logrus configuration.
	VerbosityFlag = &cli.StringFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity (trace, debug, info=default, warn, error, fatal, panic)",
		Value: "info",
	}
	// LogFormatFlag specifies the log output format.
	LogFormatFlag = &cli.StringFlag{
		Name:  "log-format",
		Usage: "Specify log formatting. Supports: text, json, fluentd.",
		Value: "text",
	}
	// LogFileName specifies the log output file name.
	LogFileName = &cli.StringFlag{
		Name:  "log-file",
		Usage: "Specify log file name, relative or absolute",
	}
	// ConfigFileFlag specifies the filepath to load flag values.
	ConfigFileFlag = &cli.StringFlag{
		Name:  "config-file",
		Usage: "The filepath to a yaml file with flag values",
	}
	// DBHostFlag defines the database host.
	DBHostFlag = &cli.StringFlag{
		Name:  "dbhost",
		Usage: "Hostname of the game database, defaults to the libpq Unix socket",
	}
	// DBNameFlag defines the database name.
	DBNameFlag = &cli.StringFlag{
		Name:     "dbname",
		Usage:    "Name of the game database",
		Required: true,
	}
	// DBUserFlag defines the database user.
	DBUserFlag = &cli.StringFlag{
		Name:     "dbuser",
		Usage:    "User name for the game database",
		Required: true,
	}
	// DBPasswordFlag defines the database password.
	DBPasswordFlag = &cli.StringFlag{
		Name:  "dbpassword",
		Usage: "Password for the game database, if required",
	}
	// MetricsListenFlag makes the daemon expose Prometheus metrics.
	MetricsListenFlag = &cli.StringFlag{
		Name:  "metrics-listen",
		Usage: `Expose Prometheus metrics via HTTP ("<host>:<port>")`,
	}

	// NonstopFlag puts the Tick Controller into non-stop mode.
	NonstopFlag = &cli.BoolFlag{
		Name:  "nonstop",
		Usage: "Ignore the CTF end time from the database. Useful for testing checkers.",
	}

	// ServiceFlag selects the service a Checker Master is responsible for.
	ServiceFlag = &cli.StringFlag{
		Name:     "service",
		Usage:    "Slug of this Checker Master's service",
		Required: true,
	}
	// CheckerScriptFlag is the path of the Checker Script to launch.
	CheckerScriptFlag = &cli.StringFlag{
		Name:     "checkerscript",
		Usage:    "Path of the Checker Script",
		Required: true,
	}
	// SudoUserFlag makes the Runner Supervisor drop privileges.
	SudoUserFlag = &cli.StringFlag{
		Name:  "sudouser",
		Usage: "User to excute the Checker Scripts as, will be passed to `sudo -u`",
	}
	// StdDeviationsFlag tunes the check duration estimation.
	StdDeviationsFlag = &cli.Float64Flag{
		Name:  "stddeviations",
		Usage: "Consider check durations of mean plus this many standard deviations when scheduling",
		Value: 2.0,
	}
	// CheckerCountFlag declares how many sibling Checker Master instances exist.
	CheckerCountFlag = &cli.IntFlag{
		Name:  "checkercount",
		Usage: "Number of Checker Master instances running for this service",
		Value: 1,
	}
	// IntervalFlag is the launch interval of new check tasks.
	IntervalFlag = &cli.IntFlag{
		Name:  "interval",
		Usage: "Time between launching batches of Checker Scripts in seconds",
		Value: 10,
	}
	// IPPatternFlag maps team net numbers to service addresses.
	IPPatternFlag = &cli.StringFlag{
		Name:     "ippattern",
		Usage:    `Pattern of the service IP addresses with "%d" as a placeholder for the team net number`,
		Required: true,
	}
	// FlagSecretFlag keys the flag MAC.
	FlagSecretFlag = &cli.StringFlag{
		Name:     "flagsecret",
		Usage:    "Base64 string used as secret in flag generation",
		Required: true,
	}

	// ListenFlag is the Submission Server's listen address.
	ListenFlag = &cli.StringFlag{
		Name:  "listen",
		Usage: `Address and port to listen on ("<host>:<port>")`,
		Value: "localhost:6666",
	}
	// TeamRegexFlag extracts team net numbers from client addresses.
	TeamRegexFlag = &cli.StringFlag{
		Name:     "teamregex",
		Usage:    "Regex (with one capture group) to extract the team net number from the connecting IP address",
		Required: true,
	}
)

// WrapFlags so that they can be loaded from alternative sources.
func WrapFlags(flags []cli.Flag) []cli.Flag {
	wrapped := make([]cli.Flag, 0, len(flags))
	for _, f := range flags {
		switch t := f.(type) {
		case *cli.BoolFlag:
			f = altsrc.NewBoolFlag(t)
		case *cli.Float64Flag:
			f = altsrc.NewFloat64Flag(t)
		case *cli.IntFlag:
			f = altsrc.NewIntFlag(t)
		case *cli.StringFlag:
			f = altsrc.NewStringFlag(t)
		default:
			panic(fmt.Sprintf("cannot convert type %T", f))
		}
		wrapped = append(wrapped, f)
	}
	return wrapped
}
