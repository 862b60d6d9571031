// Package winrm reaches the guest through WinRM over HTTP with NTLM
// authentication. Artifacts are pulled by the guest from the artifact server.
package winrm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/masterzen/winrm"

	"github.com/kriansa/pve-exe-runner/internal/failure"
	"github.com/kriansa/pve-exe-runner/internal/log"
	"github.com/kriansa/pve-exe-runner/internal/script"
	"github.com/kriansa/pve-exe-runner/internal/staging"
	"github.com/kriansa/pve-exe-runner/internal/transport"
)

const (
	DefaultPort      = 5985
	DefaultHTTPSPort = 5986
	// DefaultTimeout must exceed the 60s WinRM operation timeout so long
	// running commands are re-polled instead of cut off
	DefaultTimeout = 90 * time.Second

	heartbeatCommand = "cmd /c echo ok"
)

// Config holds the WinRM endpoint and credentials
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	HTTPS    bool
	Insecure bool
	Timeout  time.Duration
}

// Shell runs a command and returns its stdout, stderr and exit code.
// *winrm.Client satisfies it.
type Shell interface {
	RunWithContextWithString(ctx context.Context, command string, stdin string) (string, string, int, error)
}

// Dialer builds a Shell for a config
type Dialer func(cfg Config) (Shell, error)

// Option configures an Opener
type Option func(*Opener)

// WithDialer replaces the WinRM client factory
func WithDialer(d Dialer) Option {
	return func(o *Opener) {
		o.dial = d
	}
}

// Opener creates WinRM sessions after a heartbeat succeeds
type Opener struct {
	cfg  Config
	dial Dialer
}

// NewOpener returns an opener for cfg
func NewOpener(cfg Config, opts ...Option) *Opener {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
		if cfg.HTTPS {
			cfg.Port = DefaultHTTPSPort
		}
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	o := &Opener{cfg: cfg, dial: dialNTLM}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Opener) Name() string { return "winrm" }

// Open runs the heartbeat command. Every failure, including rejected
// credentials, is not ready: the listener may still be starting.
func (o *Opener) Open(ctx context.Context) (transport.Session, error) {
	shell, err := o.dial(o.cfg)
	if err != nil {
		return nil, transport.NotReady(fmt.Errorf("create winrm client: %w", err))
	}

	stdout, stderr, code, err := shell.RunWithContextWithString(ctx, heartbeatCommand, "")
	if err != nil {
		return nil, transport.NotReady(fmt.Errorf("winrm heartbeat: %w", err))
	}
	if code != 0 || strings.TrimSpace(stdout) != "ok" {
		return nil, transport.NotReady(fmt.Errorf("winrm heartbeat exited %d: %s", code, strings.TrimSpace(stderr)))
	}

	log.Debug("winrm heartbeat succeeded", "host", o.cfg.Host, "port", o.cfg.Port)
	return &Session{shell: shell}, nil
}

func dialNTLM(cfg Config) (Shell, error) {
	endpoint := winrm.NewEndpoint(cfg.Host, cfg.Port, cfg.HTTPS, cfg.Insecure, nil, nil, nil, cfg.Timeout)

	params := *winrm.DefaultParameters
	params.TransportDecorator = func() winrm.Transporter { return &winrm.ClientNTLM{} }

	client, err := winrm.NewClientWithParameters(endpoint, cfg.User, cfg.Password, &params)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Session runs scripts through WinRM. It holds no connection between calls.
type Session struct {
	shell Shell
}

func (s *Session) Mode() staging.Mode { return staging.Pull }

// Stage runs the download script against the artifact server
func (s *Session) Stage(ctx context.Context, req transport.StageRequest) error {
	return transport.PullArtifacts(ctx, s, req)
}

func (s *Session) Execute(ctx context.Context, inv script.Invocation) (script.RemoteResult, error) {
	return transport.ExecuteScript(ctx, s, inv)
}

// RunPowerShell runs an encoded script and reports its output
func (s *Session) RunPowerShell(ctx context.Context, encoded string) (script.Output, error) {
	stdout, stderr, code, err := s.shell.RunWithContextWithString(ctx, script.CommandLine(encoded), "")
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return script.Output{}, ctxErr
		}
		return script.Output{}, fmt.Errorf("%w: winrm command: %v", failure.ErrCommunication, err)
	}
	return script.Output{Stdout: stdout, Stderr: stderr, ExitStatus: code}, nil
}

func (s *Session) Close() error { return nil }
