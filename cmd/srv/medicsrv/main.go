package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ops-tools/stackmedic/pkg/config"
	"github.com/ops-tools/stackmedic/pkg/evidence"
	"github.com/ops-tools/stackmedic/pkg/logging"
	"github.com/ops-tools/stackmedic/pkg/metrics"
	"github.com/ops-tools/stackmedic/pkg/probe"
	"github.com/ops-tools/stackmedic/pkg/recovery"
	"github.com/ops-tools/stackmedic/pkg/runtime"

	flags "github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type flagOptions struct {
	Config      string        `long:"config" short:"c" default:"stackmedic.yaml" description:"path to the stack configuration file"`
	Interval    time.Duration `long:"interval" description:"override the configured reconciliation interval"`
	CheckOnly   bool          `long:"check-only" description:"report health without recovering"`
	MetricsAddr string        `long:"metrics-listen" description:"override the configured metrics listen address"`
}

func logPrefix(module string) string {
	return fmt.Sprintf("module: %s , ", module)
}

func main() {
	var opts flagOptions
	parser := flags.NewParser(&opts, flags.HelpFlag)
	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	appConfig, err := config.LoadFromFile(opts.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := config.Validate(appConfig); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	rootLogger, err := logging.NewZapLogger(appConfig.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	logFuncs := logging.LogFuncs{
		Debugf: rootLogger.Debugf,
		Infof:  rootLogger.Infof,
		Warnf:  rootLogger.Warnf,
		Errorf: rootLogger.Errorf,
	}
	logger := logging.NewLogger(logPrefix("medicsrv"), logFuncs)

	reg, err := appConfig.BuildRegistry()
	if err != nil {
		logger.Errorf("Failed to build unit registry: %v", err)
		os.Exit(1)
	}

	containerRuntime := runtime.NewDockerCLI(appConfig.RuntimeOptions(),
		logging.NewLogger(logPrefix("runtime"), logFuncs))
	prober := probe.NewProber(containerRuntime,
		logging.NewLogger(logPrefix("probe"), logFuncs))

	sink := evidence.NewNopSink()
	closeSink := func() error { return nil }
	if appConfig.Evidence.Path != "" {
		sink, closeSink, err = evidence.NewJSONLSink(appConfig.Evidence.Path)
		if err != nil {
			logger.Errorf("Failed to open evidence file: %v", err)
			os.Exit(1)
		}
	}
	defer closeSink()

	promRegistry := prometheus.NewRegistry()
	m := metrics.New(promRegistry)

	executor := recovery.NewExecutor(containerRuntime, prober, appConfig.Policy, sink, m,
		logging.NewLogger(logPrefix("executor"), logFuncs))
	controller, err := recovery.NewController(reg, containerRuntime, prober, executor,
		appConfig.Policy, sink, m,
		logging.NewLogger(logPrefix("controller"), logFuncs))
	if err != nil {
		logger.Errorf("Failed to create controller: %v", err)
		os.Exit(1)
	}

	metricsAddr := appConfig.Monitor.MetricsListen
	if opts.MetricsAddr != "" {
		metricsAddr = opts.MetricsAddr
	}

	var metricsServer *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: metricsAddr, Handler: mux}

		go func() {
			logger.Infof("Metrics endpoint listening, address: %s", metricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Errorf("Metrics endpoint failed: %v", err)
			}
		}()
	}

	interval := appConfig.Monitor.Interval
	if opts.Interval > 0 {
		interval = opts.Interval
	}
	autoRecover := appConfig.AutoRecoverEnabled() && !opts.CheckOnly

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Infof("Starting, units: %d, interval: %v, auto_recover: %t", reg.Len(), interval, autoRecover)

	if err := controller.Monitor(ctx, interval, autoRecover); err != nil {
		logger.Errorf("Monitor failed: %v", err)
		os.Exit(1)
	}

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	logger.Infof("Done")
}
