// Package summary turns the captured output of the target program into a
// pass/fail verdict.
package summary

import (
	"regexp"
	"strconv"
	"strings"
)

// Status is the overall verdict of a run
type Status string

const (
	StatusPass    Status = "pass"
	StatusFail    Status = "fail"
	StatusUnknown Status = "unknown"
)

// Known failure reasons
const (
	ReasonRuntimeMissing = "dotnet_runtime_missing"
	ReasonHostfxrMissing = "hostfxr_missing"
)

const (
	runtimeMissingSentinel = "You must install .NET to run this application."
	hostfxrMissingSentinel = "Failed to resolve hostfxr.dll"
)

var (
	completionRe = regexp.MustCompile(`Execution complete:\s*(\d+)\s+succeeded,\s*(\d+)\s+failed`)
	warnRe       = regexp.MustCompile(`\[WARN\]\s*(.+)`)
	errorRe      = regexp.MustCompile(`\[ERROR\]\s*(.+)`)
)

// RunSummary is derived from one RemoteResult
type RunSummary struct {
	OverallStatus      Status   `json:"overall_status"`
	Succeeded          *int     `json:"succeeded,omitempty"`
	Failed             *int     `json:"failed,omitempty"`
	Warnings           []string `json:"warnings,omitempty"`
	Errors             []string `json:"errors,omitempty"`
	MissingRuntime     bool     `json:"missing_runtime,omitempty"`
	KnownFailureReason string   `json:"known_failure_reason,omitempty"`
	TimedOut           bool     `json:"timed_out,omitempty"`
}

// Empty reports whether no marker was found
func (s RunSummary) Empty() bool {
	return s.OverallStatus == StatusUnknown &&
		s.Succeeded == nil &&
		len(s.Warnings) == 0 &&
		len(s.Errors) == 0 &&
		s.KnownFailureReason == "" &&
		!s.TimedOut
}

// Summarize scans stdout and stderr for completion, warning, error and
// runtime markers. Absence of every marker yields StatusUnknown.
func Summarize(stdout, stderr string) RunSummary {
	sum := RunSummary{OverallStatus: StatusUnknown}

	var parts []string
	for _, s := range []string{stdout, stderr} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	combined := strings.Join(parts, "\n")
	if combined == "" {
		return sum
	}

	if m := completionRe.FindStringSubmatch(combined); m != nil {
		succeeded, err1 := strconv.Atoi(m[1])
		failed, err2 := strconv.Atoi(m[2])
		if err1 == nil && err2 == nil {
			sum.Succeeded, sum.Failed = &succeeded, &failed
			sum.OverallStatus = StatusPass
			if failed > 0 {
				sum.OverallStatus = StatusFail
			}
		}
	}

	sum.Warnings = captures(warnRe, combined)
	sum.Errors = captures(errorRe, combined)
	if len(sum.Errors) > 0 && sum.OverallStatus == StatusUnknown {
		sum.OverallStatus = StatusFail
	}

	if strings.Contains(combined, runtimeMissingSentinel) {
		sum.MissingRuntime = true
		sum.KnownFailureReason = ReasonRuntimeMissing
		sum.OverallStatus = StatusFail
	}
	if strings.Contains(combined, hostfxrMissingSentinel) {
		// a missing runtime explains the hostfxr failure too
		if sum.KnownFailureReason == "" {
			sum.KnownFailureReason = ReasonHostfxrMissing
		}
		sum.OverallStatus = StatusFail
	}
	return sum
}

// WithTimeout marks a summary whose process was killed at its deadline.
// A timed out run without a completion marker counts as failed.
func (s RunSummary) WithTimeout(timedOut bool) RunSummary {
	if !timedOut {
		return s
	}
	s.TimedOut = true
	if s.OverallStatus == StatusUnknown {
		s.OverallStatus = StatusFail
	}
	return s
}

func captures(re *regexp.Regexp, text string) []string {
	var out []string
	for _, m := range re.FindAllStringSubmatch(text, -1) {
		if line := strings.TrimSpace(m[1]); line != "" {
			out = append(out, line)
		}
	}
	return out
}
