// Package agent runs scripts through the QEMU guest agent via the Proxmox
// API. There is no connection to hold: every command is an exec call
// followed by status polling.
package agent

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/kriansa/pve-exe-runner/internal/failure"
	"github.com/kriansa/pve-exe-runner/internal/log"
	"github.com/kriansa/pve-exe-runner/internal/poll"
	"github.com/kriansa/pve-exe-runner/internal/proxmox"
	"github.com/kriansa/pve-exe-runner/internal/script"
	"github.com/kriansa/pve-exe-runner/internal/staging"
	"github.com/kriansa/pve-exe-runner/internal/transport"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultGrace        = 60 * time.Second
	DefaultMaxWait      = 600 * time.Second
	DefaultStageTimeout = 600 * time.Second
)

// GuestAgent is the part of the Proxmox API the agent transport needs
type GuestAgent interface {
	AgentPing(ctx context.Context, node string, vmid int) error
	AgentExec(ctx context.Context, node string, vmid int, command string, args []string) (int, error)
	AgentExecStatus(ctx context.Context, node string, vmid, pid int) (proxmox.ExecStatus, error)
}

// Config identifies the guest and bounds the exec-status polling
type Config struct {
	Node string
	VMID int

	PollInterval time.Duration
	// Grace is added to the process timeout to cover PowerShell start-up
	// and result serialization
	Grace time.Duration
	// MaxWait bounds helper scripts such as heartbeats. Launches with an
	// unbounded process timeout are polled until the context ends.
	MaxWait      time.Duration
	StageTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Grace == 0 {
		c.Grace = DefaultGrace
	}
	if c.MaxWait == 0 {
		c.MaxWait = DefaultMaxWait
	}
	if c.StageTimeout == 0 {
		c.StageTimeout = DefaultStageTimeout
	}
}

// Opener checks the guest agent answers before handing out a session
type Opener struct {
	agent GuestAgent
	cfg   Config
}

// NewOpener returns an opener for the guest named by cfg
func NewOpener(agent GuestAgent, cfg Config) *Opener {
	cfg.applyDefaults()
	return &Opener{agent: agent, cfg: cfg}
}

func (o *Opener) Name() string { return "agent" }

func (o *Opener) Open(ctx context.Context) (transport.Session, error) {
	if err := o.agent.AgentPing(ctx, o.cfg.Node, o.cfg.VMID); err != nil {
		return nil, transport.NotReady(err)
	}
	return &Session{agent: o.agent, cfg: o.cfg}, nil
}

// Session executes scripts with guest-exec
type Session struct {
	agent GuestAgent
	cfg   Config
}

func (s *Session) Mode() staging.Mode { return staging.Pull }

// Stage runs the download script, the agent having no file copy primitive
func (s *Session) Stage(ctx context.Context, req transport.StageRequest) error {
	return transport.PullArtifacts(ctx, boundedRunner{s: s, limit: s.cfg.StageTimeout}, req)
}

// Execute runs the launch script and polls until it exits or the policy
// timeout plus grace has elapsed. An unbounded policy polls until ctx ends.
func (s *Session) Execute(ctx context.Context, inv script.Invocation) (script.RemoteResult, error) {
	return transport.ExecuteScript(ctx, boundedRunner{s: s, limit: s.waitLimit(inv.Policy)}, inv)
}

func (s *Session) waitLimit(p script.Policy) time.Duration {
	switch {
	case p.Detach:
		return p.PostLaunchWait + s.cfg.Grace
	case p.Timeout > 0:
		return p.Timeout + s.cfg.Grace
	default:
		return 0
	}
}

func (s *Session) Close() error { return nil }

// RunPowerShell runs an encoded script bounded by the configured maximum wait
func (s *Session) RunPowerShell(ctx context.Context, encoded string) (script.Output, error) {
	return s.run(ctx, encoded, s.cfg.MaxWait)
}

func (s *Session) run(ctx context.Context, encoded string, limit time.Duration) (script.Output, error) {
	pid, err := s.agent.AgentExec(ctx, s.cfg.Node, s.cfg.VMID, script.PowerShellExe, script.Argv(encoded))
	if err != nil {
		return script.Output{}, classify(err)
	}
	log.Debug("guest process started", "pid", pid, "limit", limit)

	var status proxmox.ExecStatus
	err = poll.Until(ctx, s.cfg.PollInterval, limit, func(ctx context.Context) (bool, error) {
		st, err := s.agent.AgentExecStatus(ctx, s.cfg.Node, s.cfg.VMID, pid)
		if err != nil {
			return false, classify(err)
		}
		status = st
		return bool(st.Exited), nil
	})
	if err != nil {
		return script.Output{}, fmt.Errorf("wait for guest pid %d: %w", pid, err)
	}

	if status.OutTruncated || status.ErrTruncated {
		log.Warn("guest agent truncated process output", "pid", pid)
	}

	out := script.Output{
		Stdout:     decodeStream(status.OutData),
		Stderr:     decodeStream(status.ErrData),
		ExitStatus: -1,
	}
	if status.ExitCode != nil {
		out.ExitStatus = *status.ExitCode
	}
	return out, nil
}

func classify(err error) error {
	if errors.Is(err, failure.ErrAuthentication) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", failure.ErrCommunication, err)
}

// decodeStream accepts base64 captured output and falls back to the raw
// text, as Proxmox releases differ in whether they decode it
func decodeStream(data string) string {
	if data == "" {
		return ""
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return data
	}
	return string(raw)
}

type boundedRunner struct {
	s     *Session
	limit time.Duration
}

func (r boundedRunner) RunPowerShell(ctx context.Context, encoded string) (script.Output, error) {
	return r.s.run(ctx, encoded, r.limit)
}
