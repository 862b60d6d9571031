// Package sshpush reaches the guest over OpenSSH, copies artifacts with SFTP
// and runs the launch script through a remote PowerShell.
package sshpush

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/kriansa/pve-exe-runner/internal/failure"
	"github.com/kriansa/pve-exe-runner/internal/log"
	"github.com/kriansa/pve-exe-runner/internal/script"
	"github.com/kriansa/pve-exe-runner/internal/staging"
	"github.com/kriansa/pve-exe-runner/internal/transport"
)

const (
	DefaultPort        = 22
	DefaultDialTimeout = 15 * time.Second
)

// Config holds the SSH endpoint and password credentials
type Config struct {
	Host        string
	Port        int
	User        string
	Password    string
	DialTimeout time.Duration
}

// Opener dials SSH sessions
type Opener struct {
	cfg Config
}

// NewOpener returns an opener for cfg, filling in default port and timeout
func NewOpener(cfg Config) *Opener {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	return &Opener{cfg: cfg}
}

func (o *Opener) Name() string { return "ssh" }

// Open dials the guest and starts an SFTP subsystem. A rejected password
// is reported as failure.ErrAuthentication; anything else is not ready.
func (o *Opener) Open(ctx context.Context) (transport.Session, error) {
	config := &ssh.ClientConfig{
		User:            o.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.Password(o.cfg.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         o.cfg.DialTimeout,
	}

	addr := net.JoinHostPort(o.cfg.Host, strconv.Itoa(o.cfg.Port))
	dialer := net.Dialer{Timeout: o.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, transport.NotReady(fmt.Errorf("dial %s: %w", addr, err))
	}

	_ = conn.SetDeadline(time.Now().Add(o.cfg.DialTimeout))
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	_ = conn.SetDeadline(time.Time{})
	if err != nil {
		_ = conn.Close()
		if isAuthError(err) {
			return nil, fmt.Errorf("%w: ssh %s@%s: %v", failure.ErrAuthentication, o.cfg.User, addr, err)
		}
		return nil, transport.NotReady(fmt.Errorf("ssh handshake with %s: %w", addr, err))
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		_ = client.Close()
		return nil, transport.NotReady(fmt.Errorf("create sftp client: %w", err))
	}

	return &Session{
		fs:     sftpClient,
		run:    func(ctx context.Context, cmd string) (script.Output, error) { return runCommand(ctx, client, cmd) },
		closer: client,
	}, nil
}

func isAuthError(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}

type commandFunc func(ctx context.Context, cmd string) (script.Output, error)

// Session pushes artifacts over SFTP and runs scripts over SSH exec
type Session struct {
	fs     *sftp.Client
	run    commandFunc
	closer io.Closer
}

func (s *Session) Mode() staging.Mode { return staging.Push }

// Stage creates req.RemoteDir and copies every manifest entry into it
func (s *Session) Stage(ctx context.Context, req transport.StageRequest) error {
	root := SFTPPath(req.RemoteDir)
	if err := s.ensureDir(root); err != nil {
		return err
	}

	for _, a := range req.Manifest.Artifacts {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.upload(a, path.Join(root, a.Name)); err != nil {
			return err
		}
	}

	log.Info("artifacts pushed", "dir", req.RemoteDir, "files", req.Manifest.Len(),
		"size", units.HumanSize(float64(req.Manifest.TotalSize())))
	return nil
}

// ensureDir creates dir one segment at a time, skipping existing ones
func (s *Session) ensureDir(dir string) error {
	segments := strings.Split(strings.Trim(dir, "/"), "/")

	prefix := ""
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		prefix += "/" + seg
		// drive roots always exist
		if i == 0 && strings.HasSuffix(seg, ":") {
			continue
		}

		if _, err := s.fs.Stat(prefix); err == nil {
			continue
		}
		if err := s.fs.Mkdir(prefix); err != nil {
			return fmt.Errorf("%w: create remote directory %s: %v", failure.ErrCommunication, prefix, err)
		}
		log.Debug("created remote directory", "path", prefix)
	}
	return nil
}

func (s *Session) upload(a staging.Artifact, remote string) error {
	local, err := os.Open(a.LocalPath)
	if err != nil {
		return fmt.Errorf("%w: open artifact: %v", failure.ErrPrecondition, err)
	}
	defer func() { _ = local.Close() }()

	log.Debug("uploading artifact", "name", a.Name, "size", units.HumanSize(float64(a.Size)))

	f, err := s.fs.Create(remote)
	if err != nil {
		return fmt.Errorf("%w: create remote file %s: %v", failure.ErrCommunication, remote, err)
	}
	written, err := io.Copy(f, local)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("%w: upload %s: %v", failure.ErrCommunication, a.Name, err)
	}

	info, err := s.fs.Stat(remote)
	if err != nil {
		return fmt.Errorf("%w: stat uploaded %s: %v", failure.ErrCommunication, a.Name, err)
	}
	if info.Size() != a.Size || written != a.Size {
		return fmt.Errorf("%w: %s is %d bytes on the guest, expected %d", failure.ErrCommunication, a.Name, info.Size(), a.Size)
	}
	return nil
}

func (s *Session) Execute(ctx context.Context, inv script.Invocation) (script.RemoteResult, error) {
	return transport.ExecuteScript(ctx, s, inv)
}

// RunPowerShell runs an encoded script through the guest's default shell
func (s *Session) RunPowerShell(ctx context.Context, encoded string) (script.Output, error) {
	return s.run(ctx, script.CommandLine(encoded))
}

func (s *Session) Close() error {
	var errs []error
	if s.fs != nil {
		errs = append(errs, s.fs.Close())
	}
	if s.closer != nil {
		errs = append(errs, s.closer.Close())
	}
	return errors.Join(errs...)
}

// runCommand runs cmd in a fresh SSH session. A non-zero exit status is
// part of the output, not an error.
func runCommand(ctx context.Context, client *ssh.Client, cmd string) (script.Output, error) {
	session, err := client.NewSession()
	if err != nil {
		return script.Output{}, fmt.Errorf("%w: new session: %v", failure.ErrCommunication, err)
	}
	defer func() { _ = session.Close() }()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		_ = session.Close()
		return script.Output{}, ctx.Err()
	case err = <-done:
	}

	out := script.Output{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *ssh.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		out.ExitStatus = exitErr.ExitStatus()
	default:
		return out, fmt.Errorf("%w: run command: %v", failure.ErrCommunication, err)
	}
	return out, nil
}

// SFTPPath converts a Windows path into the form Windows OpenSSH's SFTP
// server expects: C:\Users\x becomes /C:/Users/x
func SFTPPath(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}
