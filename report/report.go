// Package report holds the per-target reports and the run summary a
// harness run produces, and writes them as JSON.
package report

import (
	"time"

	"github.com/zhangyunhao116/tunnelcheck/probe"
)

// Verdict is the overall result for one target.
type Verdict string

// Verdicts.
const (
	// Pass means every required probe succeeded.
	Pass Verdict = "pass"
	// Fail means a required probe did not succeed.
	Fail Verdict = "fail"
	// Crashed means the proxy process died during startup or probing.
	Crashed Verdict = "crashed"
	// Error means the target could not be set up.
	Error Verdict = "error"
	// Excluded means the target was skipped by configuration or history.
	Excluded Verdict = "excluded"
)

// Tier says where a target's error came from.
type Tier string

// Tiers. The zero value means no error.
const (
	TierNone       Tier = ""
	TierFatalSetup Tier = "fatal_setup"
	TierProcess    Tier = "process"
	TierProbe      Tier = "probe"
)

// CheckReport is the record for one target.
type CheckReport struct {
	Target    string         `json:"target"`
	Name      string         `json:"name,omitempty"`
	Protocol  string         `json:"protocol"`
	Country   string         `json:"country,omitempty"`
	Verdict   Verdict        `json:"verdict"`
	Tier      Tier           `json:"tier,omitempty"`
	Error     string         `json:"error,omitempty"`
	Results   []probe.Result `json:"results,omitempty"`
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration_ns"`
}

// Passed reports whether the verdict is Pass.
func (r CheckReport) Passed() bool { return r.Verdict == Pass }

// VerdictFor derives a verdict from probe results: Pass iff every required
// probe succeeded. required reports whether the named probe is required.
func VerdictFor(results []probe.Result, required func(name string) bool) Verdict {
	if len(results) == 0 {
		return Fail
	}
	for _, r := range results {
		if r.OK() {
			continue
		}
		if required == nil || required(r.Name) {
			return Fail
		}
	}
	return Pass
}

// Status is the overall run status.
type Status string

// Run statuses.
const (
	StatusPass           Status = "pass"
	StatusPartialFailure Status = "partial_failure"
	StatusAllFailed      Status = "all_failed"
	StatusFatal          Status = "fatal"
)

// Exit codes.
const (
	ExitPass  = 0
	ExitFail  = 1
	ExitFatal = 2
)

// Summary is the result of a harness run.
type Summary struct {
	RunID      string        `json:"run_id,omitempty"`
	Backend    string        `json:"backend,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Status     Status        `json:"status"`
	Partial    bool          `json:"partial,omitempty"`
	Reports    []CheckReport `json:"reports"`
	Error      string        `json:"error,omitempty"`
}

// Counts returns how many reports passed, did not pass, and were excluded.
func (s *Summary) Counts() (passed, failed, excluded int) {
	for _, r := range s.Reports {
		switch r.Verdict {
		case Pass:
			passed++
		case Excluded:
			excluded++
		default:
			failed++
		}
	}
	return passed, failed, excluded
}

// ProbesRan reports whether any target got as far as running a probe.
func (s *Summary) ProbesRan() bool {
	for _, r := range s.Reports {
		if len(r.Results) > 0 {
			return true
		}
	}
	return false
}

// Finalize sets Status from the reports unless the run is already Fatal.
// Excluded targets do not count either way; a run where every target was
// excluded passes.
func (s *Summary) Finalize() {
	if s.Status == StatusFatal {
		return
	}
	passed, failed, _ := s.Counts()
	switch {
	case failed == 0:
		s.Status = StatusPass
	case passed == 0:
		s.Status = StatusAllFailed
	default:
		s.Status = StatusPartialFailure
	}
}

// ExitCode maps the status to the process exit code: 0 when everything
// passed, 2 for a harness failure before any probe ran, 1 otherwise.
func (s *Summary) ExitCode() int {
	switch s.Status {
	case StatusPass:
		return ExitPass
	case StatusFatal:
		return ExitFatal
	default:
		return ExitFail
	}
}
