// Package runner drives one deploy-run-collect cycle against a VM: rollback,
// boot, transport, stage, execute, summarize and teardown.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kriansa/pve-exe-runner/internal/log"
	"github.com/kriansa/pve-exe-runner/internal/poll"
	"github.com/kriansa/pve-exe-runner/internal/script"
	"github.com/kriansa/pve-exe-runner/internal/staging"
	"github.com/kriansa/pve-exe-runner/internal/summary"
	"github.com/kriansa/pve-exe-runner/internal/transport"
	"github.com/kriansa/pve-exe-runner/internal/vmlock"
)

const (
	DefaultOpenInterval    = 5 * time.Second
	DefaultCountdownStep   = 30 * time.Second
	DefaultShutdownTimeout = 180 * time.Second
)

// ControlPlane is the subset of the Proxmox client the runner drives
type ControlPlane interface {
	Authenticate(ctx context.Context) error
	DefaultNode(ctx context.Context) (string, error)
	RollbackSnapshot(ctx context.Context, node string, vmid int, snapshot string) (string, error)
	AwaitTask(ctx context.Context, node, upid string, timeout time.Duration) error
	EnsureRunning(ctx context.Context, node string, vmid int, timeout time.Duration) error
	Shutdown(ctx context.Context, node string, vmid int) (string, error)
}

// OpenerFunc builds the transport opener once the node is known
type OpenerFunc func(node string) transport.Opener

// Options describes a single run
type Options struct {
	VMID     int
	Node     string
	Snapshot string
	// RouteTarget is the address the artifact server must be reachable from
	RouteTarget string

	BuildPath  string
	Files      []string
	Strict     bool
	Executable string
	RemoteDir  string
	Args       []string
	Policy     script.Policy

	HTTPPort int
	LockDir  string

	RollbackTimeout  time.Duration
	BootTimeout      time.Duration
	TransportTimeout time.Duration
	OpenInterval     time.Duration

	KeepAlive       time.Duration
	AutoShutdown    time.Duration
	ShutdownVM      bool
	ShutdownTimeout time.Duration
	CountdownStep   time.Duration
}

// Runner executes runs against one control plane
type Runner struct {
	cp        ControlPlane
	newOpener OpenerFunc
	opts      Options
}

// New creates a runner
func New(cp ControlPlane, newOpener OpenerFunc, opts Options) *Runner {
	if opts.OpenInterval <= 0 {
		opts.OpenInterval = DefaultOpenInterval
	}
	if opts.CountdownStep <= 0 {
		opts.CountdownStep = DefaultCountdownStep
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	return &Runner{cp: cp, newOpener: newOpener, opts: opts}
}

// Run performs the whole cycle. The target program's own failure is only
// reported; a non-nil error always means the orchestration failed. The
// report is returned whenever the program ran, even if teardown failed.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	o := r.opts
	report := &Report{RunID: uuid.NewString(), VMID: o.VMID, Started: time.Now()}
	defer log.Scoped("run", report.RunID)()

	// 1. Local inputs, before any remote side effect
	resolve := staging.ResolveManifest
	if o.Strict {
		resolve = staging.ResolveManifestStrict
	}
	manifest, err := resolve(o.Files, o.BuildPath)
	if err != nil {
		return nil, err
	}
	if _, ok := manifest.Lookup(o.Executable); !ok {
		log.Warn("executable is not among the staged artifacts", "executable", o.Executable)
	}
	report.Manifest = manifest

	lock, err := vmlock.Acquire(o.LockDir, o.VMID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Warn("failed to release vm lock", "vmid", o.VMID, "error", err)
		}
	}()

	// 2. Restore and boot
	if err := r.cp.Authenticate(ctx); err != nil {
		return nil, err
	}
	node := o.Node
	if node == "" {
		if node, err = r.cp.DefaultNode(ctx); err != nil {
			return nil, err
		}
	}
	log.Info("using proxmox node", "node", node)

	log.Info("rolling back snapshot", "vmid", o.VMID, "snapshot", o.Snapshot)
	upid, err := r.cp.RollbackSnapshot(ctx, node, o.VMID, o.Snapshot)
	if err != nil {
		return nil, err
	}
	if err := r.cp.AwaitTask(ctx, node, upid, o.RollbackTimeout); err != nil {
		return nil, fmt.Errorf("rollback snapshot %s: %w", o.Snapshot, err)
	}
	log.Info("snapshot rollback complete")

	if err := r.cp.EnsureRunning(ctx, node, o.VMID, o.BootTimeout); err != nil {
		return nil, err
	}

	// 3. Reach the guest, stage and execute
	opener := r.newOpener(node)
	report.Transport = opener.Name()
	result, err := r.deploy(ctx, opener, manifest)
	if err != nil {
		return nil, err
	}
	report.Result = result
	report.Summary = summary.Summarize(result.StdOut, result.StdErr).WithTimeout(result.TimedOut)
	report.Finished = time.Now()

	// 4. Teardown
	if err := r.teardown(ctx, node); err != nil {
		return report, err
	}
	return report, nil
}

// deploy owns the session and, for pull sessions, the artifact server. Both
// are released before it returns on every path.
func (r *Runner) deploy(ctx context.Context, opener transport.Opener, m staging.Manifest) (res script.RemoteResult, err error) {
	o := r.opts
	sess, err := transport.Open(ctx, opener, o.OpenInterval, o.TransportTimeout)
	if err != nil {
		return res, err
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			log.Warn("failed to close transport session", "transport", opener.Name(), "error", cerr)
		}
	}()

	inv := script.Invocation{
		RemoteDir:  o.RemoteDir,
		Executable: o.Executable,
		Args:       o.Args,
		Policy:     o.Policy,
	}
	req := transport.StageRequest{Manifest: m, RemoteDir: o.RemoteDir}

	run := func() error {
		if err := sess.Stage(ctx, req); err != nil {
			return fmt.Errorf("stage artifacts: %w", err)
		}
		res, err = sess.Execute(ctx, inv)
		if err != nil {
			return fmt.Errorf("execute %s: %w", inv.Path(), err)
		}
		return nil
	}

	if sess.Mode() == staging.Push {
		err = run()
		return res, err
	}

	host, err := staging.LocalAddrFor(o.RouteTarget)
	if err != nil {
		return res, err
	}
	err = staging.WithServer(ctx, m, host, o.HTTPPort, func(srv *staging.Server) error {
		req.BaseURL = srv.URL()
		return run()
	})
	return res, err
}

// teardown honours keep-alive then powers the VM off. An automatic
// shutdown takes precedence over the plain shutdown switch.
func (r *Runner) teardown(ctx context.Context, node string) error {
	o := r.opts

	if o.KeepAlive > 0 {
		log.Info("keeping vm alive", "seconds", int(o.KeepAlive.Seconds()))
		if err := r.countdown(ctx, o.KeepAlive, "keep-alive"); err != nil {
			return err
		}
		log.Info("keep-alive period complete")
	}

	switch {
	case o.AutoShutdown > 0:
		log.Info("auto-shutdown scheduled", "seconds", int(o.AutoShutdown.Seconds()))
		if err := r.countdown(ctx, o.AutoShutdown, "shutdown"); err != nil {
			return err
		}
	case o.ShutdownVM:
	default:
		return nil
	}

	log.Info("shutting down vm", "vmid", o.VMID)
	upid, err := r.cp.Shutdown(ctx, node, o.VMID)
	if err != nil {
		return err
	}
	if err := r.cp.AwaitTask(ctx, node, upid, o.ShutdownTimeout); err != nil {
		return fmt.Errorf("shutdown vm %d: %w", o.VMID, err)
	}
	log.Info("vm shut down", "vmid", o.VMID)
	return nil
}

// countdown sleeps for total, logging the remaining time every step
func (r *Runner) countdown(ctx context.Context, total time.Duration, phase string) error {
	remaining := total
	for remaining > 0 {
		step := min(r.opts.CountdownStep, remaining)
		if err := poll.Sleep(ctx, step); err != nil {
			return fmt.Errorf("%s countdown: %w", phase, err)
		}
		remaining -= step
		if remaining > 0 {
			log.Info("countdown", "phase", phase, "remaining", remaining.Round(time.Second))
		}
	}
	return nil
}

// IsTargetFailure reports whether a report describes a program that ran but
// did not pass. It is never an orchestration error.
func IsTargetFailure(rep *Report) bool {
	if rep == nil {
		return false
	}
	if rep.Summary.OverallStatus == summary.StatusFail {
		return true
	}
	return rep.Result.ExitCode != nil && *rep.Result.ExitCode != 0
}
