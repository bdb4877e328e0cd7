// Package main defines the Tick Controller daemon. It advances the
// game's current tick on schedule and triggers the creation of new
// flags and the scoring recalculation in the game database.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	joonix "github.com/joonix/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"github.com/urfave/cli/v2/altsrc"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"github.com/fausecteam/ctf-gameserver/internal/cmd"
	"github.com/fausecteam/ctf-gameserver/internal/controller"
	"github.com/fausecteam/ctf-gameserver/internal/daemon"
	"github.com/fausecteam/ctf-gameserver/internal/database"
	"github.com/fausecteam/ctf-gameserver/internal/logutil"
	"github.com/fausecteam/ctf-gameserver/internal/metrics"
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
	cmd.NonstopFlag,
}

func init() {
	appFlags = cmd.WrapFlags(appFlags)
}

func main() {
	app := cli.App{}
	app.Name = "ctf-controller"
	app.Usage = "Tick Controller of the CTF Gameserver"
	app.Flags = appFlags
	app.Action = startController
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

func startController(cliCtx *cli.Context) error {
	level, err := logrus.ParseLevel(cliCtx.String(cmd.VerbosityFlag.Name))
	if err != nil {
		return err
	}
	logrus.SetLevel(level)

	gateway, err := database.Open(cliCtx.String(cmd.DBHostFlag.Name),
		cliCtx.String(cmd.DBNameFlag.Name), cliCtx.String(cmd.DBUserFlag.Name),
		cliCtx.String(cmd.DBPasswordFlag.Name))
	if err != nil {
		log.WithError(err).Error("Could not establish database connection")
		return cli.Exit("", sysexits.Unavailable)
	}
	defer gateway.Close()
	log.Info("Established database connection")

	if err := gateway.VerifyControllerGrants(context.Background()); err != nil {
		if database.IsInsufficientPrivilege(err) {
			log.WithError(err).Error("Missing database permissions")
			return cli.Exit("", sysexits.NoPerm)
		}
		log.WithError(err).Error("Could not verify database grants")
		return cli.Exit("", sysexits.Unavailable)
	}

	metricsAddr := cliCtx.String(cmd.MetricsListenFlag.Name)
	if metricsAddr != "" {
		if err := metrics.ValidateAddr(metricsAddr); err != nil {
			log.Error(err.Error())
			return cli.Exit("", sysexits.Usage)
		}
	}

	registry := daemon.NewServiceRegistry()
	svc := controller.NewService(gateway, cliCtx.Bool(cmd.NonstopFlag.Name))
	if err := registry.RegisterService(svc); err != nil {
		return err
	}
	if metricsAddr != "" {
		prometheus.MustRegister(controller.NewDBCollector(gateway))
		if err := registry.RegisterService(metrics.NewService(metricsAddr, registry)); err != nil {
			return err
		}
	}

	registry.StartAll()
	if err := daemon.Notify("READY=1"); err != nil {
		log.WithError(err).Warn("Could not notify the service manager")
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigc)
	sig := <-sigc
	log.WithField("signal", sig).Info("Got interrupt, shutting down...")
	registry.StopAll()

	return nil
}
