// Package transport defines the session contract shared by the WinRM, SSH
// and guest-agent transports, and the script execution every one of them
// funnels through.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kriansa/pve-exe-runner/internal/failure"
	"github.com/kriansa/pve-exe-runner/internal/log"
	"github.com/kriansa/pve-exe-runner/internal/poll"
	"github.com/kriansa/pve-exe-runner/internal/script"
	"github.com/kriansa/pve-exe-runner/internal/staging"
)

// StageRequest asks a session to place a manifest in RemoteDir. BaseURL is
// the artifact server address and is only set for pull sessions.
type StageRequest struct {
	Manifest  staging.Manifest
	RemoteDir string
	BaseURL   string
}

// Session is a connection to one guest, used for a single run
type Session interface {
	// Mode tells the caller whether Stage needs the artifact server
	Mode() staging.Mode
	Stage(ctx context.Context, req StageRequest) error
	Execute(ctx context.Context, inv script.Invocation) (script.RemoteResult, error)
	Close() error
}

// Opener establishes sessions. A failed Open is retried by the caller.
type Opener interface {
	Open(ctx context.Context) (Session, error)
	Name() string
}

// Runner runs an encoded PowerShell script in the guest
type Runner interface {
	RunPowerShell(ctx context.Context, encoded string) (script.Output, error)
}

// NotReady marks err as a transient open failure
func NotReady(err error) error {
	if err == nil || errors.Is(err, failure.ErrNotReady) || errors.Is(err, failure.ErrAuthentication) {
		return err
	}
	return fmt.Errorf("%w: %w", failure.ErrNotReady, err)
}

// Open retries opener every interval until a session is established or
// timeout elapses. Authentication failures abort immediately.
func Open(ctx context.Context, opener Opener, interval, timeout time.Duration) (Session, error) {
	var (
		sess     Session
		lastErr  error
		attempts int
	)

	log.Info("waiting for transport", "transport", opener.Name(), "timeout", timeout)
	err := poll.Until(ctx, interval, timeout, func(ctx context.Context) (bool, error) {
		attempts++
		s, err := opener.Open(ctx)
		if err == nil {
			sess = s
			return true, nil
		}
		if errors.Is(err, failure.ErrAuthentication) {
			return false, err
		}

		if lastErr == nil || lastErr.Error() != err.Error() {
			log.Debug("transport not ready", "transport", opener.Name(), "attempt", attempts, "error", err)
		}
		lastErr = NotReady(err)
		return false, nil
	})
	if err != nil {
		if lastErr != nil && errors.Is(err, failure.ErrTimeout) {
			return nil, fmt.Errorf("open %s: %w: %w", opener.Name(), err, lastErr)
		}
		return nil, fmt.Errorf("open %s: %w", opener.Name(), err)
	}

	log.Info("transport ready", "transport", opener.Name(), "attempts", attempts)
	return sess, nil
}

// ExecuteScript compiles inv, runs it through r and decodes the result record
func ExecuteScript(ctx context.Context, r Runner, inv script.Invocation) (script.RemoteResult, error) {
	encoded, err := script.Compile(script.ForInvocation(inv))
	if err != nil {
		return script.RemoteResult{}, err
	}

	log.Info("launching executable", "path", inv.Path(), "args", len(inv.Args),
		"timeout", inv.Policy.Timeout, "detach", inv.Policy.Detach)

	out, err := r.RunPowerShell(ctx, encoded)
	if err != nil {
		return script.RemoteResult{}, fmt.Errorf("run launch script: %w", err)
	}

	res, err := script.ParseResult(out)
	if err != nil {
		return script.RemoteResult{}, err
	}
	return res, nil
}

// PullArtifacts makes the guest download every manifest entry from the
// artifact server at req.BaseURL into req.RemoteDir
func PullArtifacts(ctx context.Context, r Runner, req StageRequest) error {
	if req.BaseURL == "" {
		return errors.New("pull staging requires an artifact server URL")
	}

	files := make([]script.RemoteFile, 0, req.Manifest.Len())
	for _, a := range req.Manifest.Artifacts {
		files = append(files, script.RemoteFile{Name: a.Name, URLPath: staging.EscapedPath(a.Name)})
	}

	encoded, err := script.Compile(script.ForDownload(script.Download{
		RemoteDir: req.RemoteDir,
		BaseURL:   req.BaseURL,
		Files:     files,
	}))
	if err != nil {
		return err
	}

	log.Info("pulling artifacts into guest", "dir", req.RemoteDir, "from", req.BaseURL, "files", len(files))
	out, err := r.RunPowerShell(ctx, encoded)
	if err != nil {
		return fmt.Errorf("run download script: %w", err)
	}

	if _, err := script.ParseStaged(out, len(files)); err != nil {
		return fmt.Errorf("pull artifacts: %w", err)
	}
	return nil
}
