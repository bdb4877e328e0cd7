// Package main defines the Submission Server daemon. It accepts flags
// captured by the teams over a plain TCP line protocol and records
// them in the game database.
package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	joonix "github.com/joonix/log"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"github.com/urfave/cli/v2/altsrc"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"github.com/fausecteam/ctf-gameserver/internal/cmd"
	"github.com/fausecteam/ctf-gameserver/internal/daemon"
	"github.com/fausecteam/ctf-gameserver/internal/database"
	"github.com/fausecteam/ctf-gameserver/internal/logutil"
	"github.com/fausecteam/ctf-gameserver/internal/metrics"
	"github.com/fausecteam/ctf-gameserver/internal/submission"
	"github.com/fausecteam/ctf-gameserver/internal/sysexits"
)

var log = logrus.WithField("prefix", "main")

var appFlags = []cli.Flag{
	cmd.VerbosityFlag,
	cmd.LogFormatFlag,
	cmd.LogFileName,
	cmd.ConfigFileFlag,
	cmd.DBHostFlag,
	cmd.DBNameFlag,
	cmd.DBUserFlag,
	cmd.DBPasswordFlag,
	cmd.MetricsListenFlag,
	cmd.ListenFlag,
	cmd.FlagSecretFlag,
	cmd.TeamRegexFlag,
}

func init() {
	appFlags = cmd.WrapFlags(appFlags)
}

func main() {
	app := cli.App{}
	app.Name = "ctf-submission"
	app.Usage = "Flag Submission Server of the CTF Gameserver"
	app.Flags = appFlags
	app.Action = startSubmission
	app.Before = func(ctx *cli.Context) error {
		// Load any flags from file, if specified.
		if ctx.IsSet(cmd.ConfigFileFlag.Name) {
			if err := altsrc.InitInputSourceWithContext(
				appFlags,
				altsrc.NewYamlSourceFromFlagFunc(
					cmd.ConfigFileFlag.Name))(ctx); err != nil {
				return err
			}
		}
		return configureLogging(ctx)
	}

	if err := app.Run(os.Args); err != nil {
		log.Error(err.Error())
		os.Exit(sysexits.Usage)
	}
}

func configureLogging(ctx *cli.Context) error {
	format := ctx.String(cmd.LogFormatFlag.Name)
	switch format {
	case "text":
		formatter := new(prefixed.TextFormatter)
		formatter.TimestampFormat = "2006-01-02 15:04:05"
		formatter.FullTimestamp = true
		// If persistent log files are written - we disable the log messages coloring because
		// the colors are ANSI codes and seen as Gibberish in the log files.
		formatter.DisableColors = ctx.String(cmd.LogFileName.Name) != ""
		logrus.SetFormatter(formatter)
	case "fluentd":
		logrus.SetFormatter(joonix.NewFormatter())
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("unknown log format %s", format)
	}

	logFileName := ctx.String(cmd.LogFileName.Name)
	if logFileName != "" {
		if err := logutil.ConfigurePersistentLogging(logFileName, format); err != nil {
			log.WithError(err).Error("Failed to configure logging to disk.")
		}
	}
	return nil
}

func startSubmission(cliCtx *cli.Context) error {
	level, err := logrus.ParseLevel(cliCtx.String(cmd.VerbosityFlag.Name))
	if err != nil {
		return err
	}
	logrus.SetLevel(level)

	listenAddr := cliCtx.String(cmd.ListenFlag.Name)
	if err := metrics.ValidateAddr(listenAddr); err != nil {
		log.Error(err.Error())
		return cli.Exit("", sysexits.Usage)
	}
	flagSecret, err := base64.StdEncoding.DecodeString(cliCtx.String(cmd.FlagSecretFlag.Name))
	if err != nil {
		log.Error("Flag secret must be valid Base64")
		return cli.Exit("", sysexits.Usage)
	}
	teamRegex, err := regexp.Compile(cliCtx.String(cmd.TeamRegexFlag.Name))
	if err != nil {
		log.Error("Team regex must be a valid regular expression")
		return cli.Exit("", sysexits.Usage)
	}
	if teamRegex.NumSubexp() != 1 {
		log.Error("Team regex must contain exactly one capture group")
		return cli.Exit("", sysexits.Usage)
	}
	metricsAddr := cliCtx.String(cmd.MetricsListenFlag.Name)
	if metricsAddr != "" {
		if err := metrics.ValidateAddr(metricsAddr); err != nil {
			log.Error(err.Error())
			return cli.Exit("", sysexits.Usage)
		}
	}

	gateway, err := database.Open(cliCtx.String(cmd.DBHostFlag.Name),
		cliCtx.String(cmd.DBNameFlag.Name), cliCtx.String(cmd.DBUserFlag.Name),
		cliCtx.String(cmd.DBPasswordFlag.Name))
	if err != nil {
		log.WithError(err).Error("Could not establish database connection")
		return cli.Exit("", sysexits.Unavailable)
	}
	defer gateway.Close()
	log.Info("Established database connection")

	if err := gateway.VerifySubmissionGrants(context.Background()); err != nil {
		if database.IsInsufficientPrivilege(err) {
			log.WithError(err).Error("Missing database permissions")
			return cli.Exit("", sysexits.NoPerm)
		}
		log.WithError(err).Error("Could not verify database grants")
		return cli.Exit("", sysexits.Unavailable)
	}

	if err := daemon.Notify("READY=1"); err != nil {
		log.WithError(err).Warn("Could not notify the service manager")
	}

	// The competition name and flag prefix are fixed for the server's
	// lifetime, but may not have been configured yet.
	var static *database.StaticInfo
	for {
		static, err = gateway.GetStaticInfo(context.Background())
		if err == nil {
			break
		}
		if !database.IsDataError(err) {
			log.WithError(err).Error("Could not read competition information")
			return cli.Exit("", sysexits.Unavailable)
		}
		log.WithError(err).Warn("Waiting for valid database state")
		time.Sleep(60 * time.Second)
	}

	server, err := submission.NewServer(gateway, &submission.Config{
		ListenAddr:      listenAddr,
		TeamRegex:       teamRegex,
		FlagSecret:      flagSecret,
		CompetitionName: static.CompetitionName,
		FlagPrefix:      static.FlagPrefix,
	})
	if err != nil {
		log.WithError(err).Error("Could not set up submission server")
		return cli.Exit("", sysexits.Unavailable)
	}

	registry := daemon.NewServiceRegistry()
	if err := registry.RegisterService(server); err != nil {
		return err
	}
	if metricsAddr != "" {
		if err := registry.RegisterService(metrics.NewService(metricsAddr, registry)); err != nil {
			return err
		}
	}
	registry.StartAll()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigc)
	sig := <-sigc
	log.WithField("signal", sig).Info("Got interrupt, shutting down...")
	registry.StopAll()

	return nil
}
