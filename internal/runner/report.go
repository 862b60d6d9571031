package runner

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"

	"github.com/kriansa/pve-exe-runner/internal/script"
	"github.com/kriansa/pve-exe-runner/internal/staging"
	"github.com/kriansa/pve-exe-runner/internal/summary"
)

// Report is everything a run produced
type Report struct {
	RunID     string
	VMID      int
	Transport string
	Manifest  staging.Manifest
	Result    script.RemoteResult
	Summary   summary.RunSummary
	Started   time.Time
	Finished  time.Time
}

// Print writes the human-readable result followed by the summary as JSON
func (rep *Report) Print(w io.Writer) error {
	var b strings.Builder

	fmt.Fprintf(&b, "Run %s on VM %d via %s (%d artifacts, %s) in %s\n",
		rep.RunID, rep.VMID, rep.Transport,
		rep.Manifest.Len(), units.HumanSize(float64(rep.Manifest.TotalSize())),
		units.HumanDuration(rep.Finished.Sub(rep.Started)))

	res := rep.Result
	fmt.Fprintf(&b, "Exit code: %s\n", optional(res.ExitCode))
	fmt.Fprintf(&b, "STDOUT:\n%s\n", res.StdOut)
	fmt.Fprintf(&b, "STDERR:\n%s\n", res.StdErr)
	if res.ProcessID != nil {
		fmt.Fprintf(&b, "ProcessId: %d\n", *res.ProcessID)
	}
	if res.StillRunning {
		b.WriteString("StillRunning: true\n")
	}
	if res.TimedOut {
		b.WriteString("TimedOut: true\n")
	}

	if !rep.Summary.Empty() {
		data, err := json.MarshalIndent(rep.Summary, "", "  ")
		if err != nil {
			return fmt.Errorf("encode summary: %w", err)
		}
		fmt.Fprintf(&b, "Parsed Summary:\n%s\n", data)
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func optional(v *int) string {
	if v == nil {
		return "null"
	}
	return strconv.Itoa(*v)
}
