package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/zhangyunhao116/tunnelcheck"
	"github.com/zhangyunhao116/tunnelcheck/isolation"
	"github.com/zhangyunhao116/tunnelcheck/report"
)

// newControllerFn builds the controller for revert, replaced in tests.
var newControllerFn = func(cfg *tunnelcheck.Config) (*isolation.Controller, error) {
	backend, err := tunnelcheck.NewBackend(cfg, cfg.Logger)
	if err != nil {
		return nil, err
	}
	return isolation.NewController(isolation.ControllerConfig{
		Backend:  backend,
		StateDir: cfg.StateDir,
		Logger:   cfg.Logger,
	})
}

func revertCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("revert", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		lf         logFlags
		configPath = fs.String("config", "", "YAML configuration file (for state_dir and backend)")
		stateDir   = fs.String("state-dir", "", "isolation state directory (overrides config)")
		runID      = fs.String("run-id", "", "run whose rules to remove")
		allStale   = fs.Bool("all-stale", false, "remove the rules of every recorded run not active in this process")
		list       = fs.Bool("list", false, "list stale runs without removing them")
	)
	lf.register(fs)
	if err := fs.Parse(args); err != nil {
		return report.ExitFatal
	}
	modes := 0
	for _, set := range []bool{*runID != "", *allStale, *list} {
		if set {
			modes++
		}
	}
	if modes != 1 {
		fmt.Fprintln(stderr, "tunnelcheck revert: exactly one of -run-id, -all-stale or -list is required")
		return report.ExitFatal
	}

	logger, err := lf.logger(stderr)
	if err != nil {
		fmt.Fprintf(stderr, "tunnelcheck: %v\n", err)
		return report.ExitFatal
	}
	cfg := tunnelcheck.DefaultConfig()
	if *configPath != "" {
		if cfg, err = tunnelcheck.ReadConfig(*configPath); err != nil {
			logger.Error("cannot load configuration", "error", err)
			return report.ExitFatal
		}
	}
	if *stateDir != "" {
		cfg.StateDir = *stateDir
	}
	cfg.Logger = logger

	ctrl, err := newControllerFn(cfg)
	if err != nil {
		logger.Error("cannot create isolation controller", "error", err)
		return report.ExitFatal
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *runID != "" {
		if err := ctrl.RevertRun(ctx, *runID); err != nil {
			logger.Error("revert failed", "run_id", *runID, "error", err)
			return report.ExitFatal
		}
		fmt.Fprintf(stdout, "reverted %s\n", *runID)
		return report.ExitPass
	}

	stale, err := ctrl.Stale()
	if err != nil {
		logger.Error("cannot list stale runs", "state_dir", cfg.StateDir, "error", err)
		return report.ExitFatal
	}
	code := report.ExitPass
	for _, rec := range stale {
		if *list {
			fmt.Fprintf(stdout, "%s\t%s\tpid %d\t%s\n",
				rec.RunID, rec.Backend, rec.PID, rec.AppliedAt.Format("2006-01-02 15:04:05Z07:00"))
			continue
		}
		if err := ctrl.RevertRun(ctx, rec.RunID); err != nil {
			logger.Error("revert failed", "run_id", rec.RunID, "error", err)
			code = report.ExitFatal
			continue
		}
		fmt.Fprintf(stdout, "reverted %s\n", rec.RunID)
	}
	return code
}
