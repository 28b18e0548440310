package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/zhangyunhao116/tunnelcheck"
	"github.com/zhangyunhao116/tunnelcheck/report"
)

// newHarnessFn is replaced in tests.
var newHarnessFn = tunnelcheck.New

// stringList is a repeatable string flag.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func runCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		lf           logFlags
		envFiles     stringList
		linkFiles    stringList
		configPath   = fs.String("config", "", "YAML configuration file")
		reportPath   = fs.String("report", "-", `JSON summary path, "-" for stdout`)
		jsonlPath    = fs.String("jsonl", "", "stream per-target reports to this JSONL file")
		strict       = fs.Bool("strict", false, "abort the run when a target cannot be set up")
		parallel     = fs.Int("parallel", 0, "targets checked at once (overrides config)")
		skipKnownBad = fs.Bool("skip-known-bad", false, "skip targets that failed recently")
	)
	lf.register(fs)
	fs.Var(&envFiles, "env", "dotenv file to load (repeatable, default .env)")
	fs.Var(&linkFiles, "links", "file of share links, one per line (repeatable)")
	if err := fs.Parse(args); err != nil {
		return report.ExitFatal
	}

	logger, err := lf.logger(stderr)
	if err != nil {
		fmt.Fprintf(stderr, "tunnelcheck: %v\n", err)
		return report.ExitFatal
	}

	cfg, err := tunnelcheck.ReadConfig(*configPath, envFiles...)
	if err != nil {
		logger.Error("cannot load configuration", "error", err)
		return report.ExitFatal
	}
	for _, f := range linkFiles {
		links, err := readLines(f)
		if err != nil {
			logger.Error("cannot read links", "path", f, "error", err)
			return report.ExitFatal
		}
		cfg.Links = append(cfg.Links, links...)
	}
	if err := cfg.ImportLinks(); err != nil {
		logger.Error("cannot import links", "error", err)
		return report.ExitFatal
	}
	if *strict {
		cfg.Strict = true
	}
	if *parallel > 0 {
		cfg.Parallelism = *parallel
	}
	if *skipKnownBad {
		cfg.SkipKnownBad = true
	}
	cfg.Logger = logger

	var opts []tunnelcheck.Option
	if *jsonlPath != "" {
		w, err := report.OpenJSONL(*jsonlPath)
		if err != nil {
			logger.Error("cannot open report stream", "path", *jsonlPath, "error", err)
			return report.ExitFatal
		}
		defer w.Close()
		opts = append(opts, tunnelcheck.WithReportSink(w))
	}

	h, err := newHarnessFn(cfg, opts...)
	if err != nil {
		logger.Error("cannot start harness", "error", err)
		return report.ExitFatal
	}
	defer h.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sum, runErr := h.Run(ctx)

	if err := writeSummary(*reportPath, sum, stdout); err != nil {
		logger.Error("cannot write report", "error", err)
		return report.ExitFatal
	}

	switch {
	case errors.Is(runErr, tunnelcheck.ErrRevertFailed):
		logger.Error("isolation rules were left in place",
			"run_id", sum.RunID,
			"recover", "tunnelcheck revert -run-id "+sum.RunID)
		return report.ExitFatal
	case errors.Is(runErr, context.Canceled):
		logger.Warn("run interrupted; report is partial")
	case errors.Is(runErr, tunnelcheck.ErrRunAborted):
		logger.Error("run aborted", "error", runErr)
	}
	return sum.ExitCode()
}

// writeSummary writes sum to path, or to stdout for "-". A partial summary
// goes to the partial path so it never replaces a complete report.
func writeSummary(path string, sum *report.Summary, stdout io.Writer) error {
	if path == "" || path == "-" {
		return report.WriteJSON(stdout, sum)
	}
	if sum.Partial {
		path = report.PartialPath(path)
	}
	return report.SaveJSON(path, sum)
}

// readLines returns the non-blank lines of the file at path.
func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, sc.Err()
}
