// Command agent is the Stratum mining proxy/aggregator entrypoint:
// `agent -c <config.json> [-l <logdir|stderr>]`, spec.md §6.
package main

import (
	"os"
	"os/signal"
	"syscall"

	flags "github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/btccom/btcagent/internal/adminapi"
	"github.com/btccom/btcagent/internal/config"
	"github.com/btccom/btcagent/internal/logging"
	"github.com/btccom/btcagent/internal/metrics"
	"github.com/btccom/btcagent/internal/proxyserver"
)

type options struct {
	ConfigPath string `short:"c" long:"config" description:"path to the JSON config file" required:"true"`
	LogDir     string `short:"l" long:"logdir" description:"log directory, or \"stderr\"" default:"stderr"`
}

func main() {
	os.Exit(run())
}

func run() int {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		return 1
	}

	log, err := logging.New(opts.LogDir)
	if err != nil {
		return 1
	}
	rootLog := logging.Component(log, "main")

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		rootLog.WithError(err).Error("failed to load config")
		return 1
	}

	ignoreSigpipe()

	srv := proxyserver.New(*cfg, logging.Component(log, "proxyserver"))
	if err := srv.Start(); err != nil {
		rootLog.WithError(err).Error("failed to start")
		return 1
	}

	if cfg.Api.Enabled {
		api := adminapi.New(cfg.Api.Listen, srv, logging.Component(log, "adminapi"))
		go func() {
			if err := api.ListenAndServe(); err != nil {
				rootLog.WithError(err).Warn("admin api stopped")
			}
		}()
	}

	reporter := metrics.New(cfg.Metrics.NewrelicEnabled, cfg.Metrics.NewrelicName, cfg.Metrics.NewrelicKey, cfg.Metrics.NewrelicVerbose, srv, logging.Component(log, "metrics"))
	if err := reporter.Start(); err != nil {
		rootLog.WithError(err).Warn("metrics reporter failed to start")
	}

	waitForShutdown(rootLog)
	srv.Shutdown()
	return 0
}

func waitForShutdown(log *logrus.Entry) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutdown signal received")
}

// ignoreSigpipe matches spec.md §7's "SIGPIPE ignored on Unix": without
// this, a write to a miner socket that already reset the connection
// would kill the whole process instead of surfacing as an I/O error.
func ignoreSigpipe() {
	signal.Ignore(syscall.SIGPIPE)
}
