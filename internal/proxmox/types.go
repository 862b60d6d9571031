package proxmox

import (
	"encoding/json"
	"fmt"
	"strings"
)

// PowerState is the qemu status reported by status/current
type PowerState string

const (
	PowerRunning PowerState = "running"
	PowerStopped PowerState = "stopped"
	PowerPaused  PowerState = "paused"
)

// TaskStatus is the body of nodes/{node}/tasks/{upid}/status
type TaskStatus struct {
	Status     string `json:"status"`
	ExitStatus string `json:"exitstatus"`
}

// Stopped reports whether the task reached its terminal state
func (s TaskStatus) Stopped() bool {
	return s.Status == "stopped"
}

// OK reports whether a stopped task succeeded. Proxmox omits exitstatus on
// some older task types, which counts as success.
func (s TaskStatus) OK() bool {
	return s.ExitStatus == "" || s.ExitStatus == "OK"
}

// ExecStatus is the body of agent/exec-status
type ExecStatus struct {
	Exited       Bool   `json:"exited"`
	ExitCode     *int   `json:"exitcode,omitempty"`
	Signal       *int   `json:"signal,omitempty"`
	OutData      string `json:"out-data,omitempty"`
	ErrData      string `json:"err-data,omitempty"`
	OutTruncated Bool   `json:"out-truncated,omitempty"`
	ErrTruncated Bool   `json:"err-truncated,omitempty"`
}

// Node is one entry of GET /nodes
type Node struct {
	Node   string `json:"node"`
	Status string `json:"status"`
}

// Bool decodes the JSON booleans Proxmox emits as true/false, 0/1 or "0"/"1"
type Bool bool

func (b *Bool) UnmarshalJSON(data []byte) error {
	switch strings.Trim(string(data), `"`) {
	case "true", "1":
		*b = true
	case "false", "0", "", "null":
		*b = false
	default:
		return fmt.Errorf("invalid boolean %s", data)
	}
	return nil
}

func (b Bool) MarshalJSON() ([]byte, error) {
	return json.Marshal(bool(b))
}

type envelope struct {
	Data json.RawMessage `json:"data"`
}

type ticketResponse struct {
	Ticket              string `json:"ticket"`
	CSRFPreventionToken string `json:"CSRFPreventionToken"`
	Username            string `json:"username"`
}

type vmStatusResponse struct {
	Status    PowerState `json:"status"`
	QMPStatus string     `json:"qmpstatus"`
}

type execResponse struct {
	PID int `json:"pid"`
}

// APIError carries the HTTP status of a failed Proxmox API call
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string { return e.Message }
