package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ops-tools/stackmedic/pkg/config"
	"github.com/ops-tools/stackmedic/pkg/evidence"
	"github.com/ops-tools/stackmedic/pkg/logging"
	"github.com/ops-tools/stackmedic/pkg/probe"
	"github.com/ops-tools/stackmedic/pkg/recovery"
	"github.com/ops-tools/stackmedic/pkg/registry"
	"github.com/ops-tools/stackmedic/pkg/runtime"
)

// app bundles the wired components behind every command.
type app struct {
	config     *config.AppConfig
	registry   *registry.Registry
	controller *recovery.Controller
	logger     logging.Logger
	close      func() error
}

// buildApp loads configuration and wires the full component stack: registry,
// docker runtime, prober, evidence sink, executor and controller.
func buildApp(globals *globalOptions) (*app, error) {
	appConfig, err := config.LoadFromFile(globals.Config)
	if err != nil {
		return nil, err
	}
	if globals.Verbose {
		appConfig.Logging.Level = "debug"
	}
	if err := config.Validate(appConfig); err != nil {
		return nil, err
	}

	rootLogger, err := logging.NewZapLogger(appConfig.Logging)
	if err != nil {
		return nil, err
	}
	logFuncs := logging.LogFuncs{
		Debugf: rootLogger.Debugf,
		Infof:  rootLogger.Infof,
		Warnf:  rootLogger.Warnf,
		Errorf: rootLogger.Errorf,
	}

	reg, err := appConfig.BuildRegistry()
	if err != nil {
		return nil, err
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
			return nil, err
		}
	}

	executor := recovery.NewExecutor(containerRuntime, prober, appConfig.Policy, sink, nil,
		logging.NewLogger(logPrefix("executor"), logFuncs))
	controller, err := recovery.NewController(reg, containerRuntime, prober, executor,
		appConfig.Policy, sink, nil,
		logging.NewLogger(logPrefix("controller"), logFuncs))
	if err != nil {
		closeSink()
		return nil, err
	}

	return &app{
		config:     appConfig,
		registry:   reg,
		controller: controller,
		logger:     rootLogger,
		close:      closeSink,
	}, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

type checkCommand struct {
	globals *globalOptions
	Args    struct {
		Units []string `positional-arg-name:"unit"`
	} `positional-args:"yes"`
}

func (c *checkCommand) Execute(args []string) error {
	application, err := buildApp(c.globals)
	if err != nil {
		return err
	}
	defer application.close()

	ctx, cancel := signalContext()
	defer cancel()

	statuses, err := application.controller.CheckAll(ctx, c.Args.Units)
	if err != nil {
		return err
	}

	names := c.Args.Units
	if len(names) == 0 {
		names = application.registry.Names()
	}

	unhealthy := 0
	for _, name := range names {
		status := statuses[name]
		unit, _ := application.registry.Lookup(name)

		deps := "-"
		if len(unit.Dependencies) > 0 {
			deps = strings.Join(unit.Dependencies, ",")
		}
		fmt.Printf("%-24s %-12s rank=%-4d deps=%s\n", name, status, unit.StartupRank, deps)

		if status != probe.StatusHealthy {
			unhealthy++
		}
	}

	if unhealthy > 0 {
		return fmt.Errorf("%d of %d units unhealthy", unhealthy, len(statuses))
	}
	return nil
}

type recoverCommand struct {
	globals *globalOptions
	Units   []string `long:"unit" description:"limit recovery to the named unit, repeatable"`
}

func (r *recoverCommand) Execute(args []string) error {
	application, err := buildApp(r.globals)
	if err != nil {
		return err
	}
	defer application.close()

	ctx, cancel := signalContext()
	defer cancel()

	session, err := application.controller.ReconcileOnce(ctx, r.Units)
	if err != nil {
		return err
	}

	if session.Empty() {
		fmt.Println("all units healthy, nothing to do")
		return nil
	}

	for _, attempt := range session.Attempts {
		line := fmt.Sprintf("%-24s %-10s attempts=%d", attempt.Unit, attempt.Outcome, attempt.Attempts)
		if attempt.Reason != "" {
			line += "  " + attempt.Reason
		}
		fmt.Println(line)
	}
	fmt.Printf("session %s: recovered=%d failed=%d skipped=%d\n",
		session.ID, session.Summary.Recovered, session.Summary.Failed, session.Summary.Skipped)

	if !session.Succeeded() {
		return fmt.Errorf("%d units failed recovery", session.Summary.Failed)
	}
	return nil
}

type restartCommand struct {
	globals *globalOptions
}

func (r *restartCommand) Execute(args []string) error {
	application, err := buildApp(r.globals)
	if err != nil {
		return err
	}
	defer application.close()

	ctx, cancel := signalContext()
	defer cancel()

	started := time.Now()
	if err := application.controller.FullRestart(ctx); err != nil {
		return err
	}

	fmt.Printf("stack restarted in %v\n", time.Since(started).Round(time.Second))
	return nil
}

type monitorCommand struct {
	globals     *globalOptions
	Interval    time.Duration `long:"interval" description:"override the configured reconciliation interval"`
	AutoRecover bool          `long:"auto-recover" description:"recover unhealthy units instead of only reporting them"`
}

func (m *monitorCommand) Execute(args []string) error {
	application, err := buildApp(m.globals)
	if err != nil {
		return err
	}
	defer application.close()

	interval := application.config.Monitor.Interval
	if m.Interval > 0 {
		interval = m.Interval
	}
	autoRecover := m.AutoRecover || application.config.AutoRecoverEnabled()

	ctx, cancel := signalContext()
	defer cancel()

	return application.controller.Monitor(ctx, interval, autoRecover)
}
