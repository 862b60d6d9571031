package agent

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kriansa/pve-exe-runner/internal/failure"
	"github.com/kriansa/pve-exe-runner/internal/log"
	"github.com/kriansa/pve-exe-runner/internal/proxmox"
	"github.com/kriansa/pve-exe-runner/internal/script"
	"github.com/kriansa/pve-exe-runner/internal/staging"
	"github.com/kriansa/pve-exe-runner/internal/transport"
)

func TestMain(m *testing.M) {
	log.Setup(false)
	os.Exit(m.Run())
}

type execCall struct {
	command string
	args    []string
}

type fakeAgent struct {
	mu       sync.Mutex
	pingErrs []error
	pings    int
	execErr  error
	execs    []execCall
	statuses []proxmox.ExecStatus
	polls    int
}

func (f *fakeAgent) AgentPing(context.Context, string, int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	if f.pings <= len(f.pingErrs) {
		return f.pingErrs[f.pings-1]
	}
	return nil
}

func (f *fakeAgent) AgentExec(_ context.Context, _ string, _ int, command string, args []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.execErr != nil {
		return 0, f.execErr
	}
	f.execs = append(f.execs, execCall{command: command, args: args})
	return 4000 + len(f.execs), nil
}

func (f *fakeAgent) AgentExecStatus(context.Context, string, int, int) (proxmox.ExecStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := min(f.polls, len(f.statuses)-1)
	f.polls++
	return f.statuses[idx], nil
}

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func intPtr(v int) *int { return &v }

func exited(stdout, stderr string, code int) proxmox.ExecStatus {
	return proxmox.ExecStatus{Exited: true, ExitCode: intPtr(code), OutData: b64(stdout), ErrData: b64(stderr)}
}

func testConfig() Config {
	return Config{Node: "pve1", VMID: 100, PollInterval: 5 * time.Millisecond, Grace: 50 * time.Millisecond, MaxWait: time.Second}
}

func TestOpen_PingIsReadiness(t *testing.T) {
	f := &fakeAgent{pingErrs: []error{errors.New("QEMU guest agent is not running"), errors.New("not running")}}
	o := NewOpener(f, testConfig())
	assert.Equal(t, "agent", o.Name())

	sess, err := transport.Open(context.Background(), o, 5*time.Millisecond, time.Second)
	require.NoError(t, err)
	assert.Equal(t, staging.Pull, sess.Mode())
	assert.Equal(t, 3, f.pings)
	assert.NoError(t, sess.Close())
}

func TestOpen_AuthenticationAborts(t *testing.T) {
	f := &fakeAgent{pingErrs: []error{failure.ErrAuthentication}}
	_, err := transport.Open(context.Background(), NewOpener(f, testConfig()), 5*time.Millisecond, time.Second)
	require.ErrorIs(t, err, failure.ErrAuthentication)
	assert.Equal(t, 1, f.pings)
}

func TestNewOpener_Defaults(t *testing.T) {
	o := NewOpener(&fakeAgent{}, Config{Node: "n", VMID: 1})
	assert.Equal(t, DefaultPollInterval, o.cfg.PollInterval)
	assert.Equal(t, DefaultGrace, o.cfg.Grace)
	assert.Equal(t, DefaultMaxWait, o.cfg.MaxWait)
	assert.Equal(t, DefaultStageTimeout, o.cfg.StageTimeout)
}

func openSession(t *testing.T, f *fakeAgent) *Session {
	t.Helper()
	sess, err := NewOpener(f, testConfig()).Open(context.Background())
	require.NoError(t, err)
	return sess.(*Session)
}

func TestExecute_PollsUntilExited(t *testing.T) {
	record := `{"ExitCode":1,"StdOut":"[ERROR] x","StdErr":"","ProcessId":55,"StillRunning":false,"TimedOut":false}`
	f := &fakeAgent{statuses: []proxmox.ExecStatus{
		{Exited: false},
		{Exited: false},
		exited(record+"\r\n", "", 0),
	}}
	sess := openSession(t, f)

	res, err := sess.Execute(context.Background(), script.Invocation{
		RemoteDir:  `C:\PrivacyFirstPipeline`,
		Executable: "App.exe",
		Args:       []string{"--all"},
		Policy:     script.Policy{Timeout: time.Second},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, *res.ExitCode)
	assert.Equal(t, "[ERROR] x", res.StdOut)
	assert.Equal(t, 3, f.polls)

	require.Len(t, f.execs, 1)
	assert.Equal(t, script.PowerShellExe, f.execs[0].command)
	args := f.execs[0].args
	assert.Equal(t, "-EncodedCommand", args[len(args)-2])
	src, err := script.Decode(args[len(args)-1])
	require.NoError(t, err)
	assert.Contains(t, src, "Join-Path $dest 'App.exe'")
}

func TestExecute_PlainTextOutput(t *testing.T) {
	record := `{"ExitCode":0,"StdOut":"","StdErr":"","ProcessId":1,"StillRunning":false,"TimedOut":false}`
	f := &fakeAgent{statuses: []proxmox.ExecStatus{{Exited: true, ExitCode: intPtr(0), OutData: record}}}
	sess := openSession(t, f)

	res, err := sess.Execute(context.Background(), script.Invocation{RemoteDir: `C:\P`, Executable: "a.exe"})
	require.NoError(t, err)
	assert.Equal(t, 0, *res.ExitCode)
}

func TestExecute_NeverExits(t *testing.T) {
	f := &fakeAgent{statuses: []proxmox.ExecStatus{{Exited: false}}}
	sess := openSession(t, f)

	start := time.Now()
	_, err := sess.Execute(context.Background(), script.Invocation{
		RemoteDir:  `C:\P`,
		Executable: "a.exe",
		Policy:     script.Policy{Timeout: 20 * time.Millisecond},
	})
	require.ErrorIs(t, err, failure.ErrTimeout)
	// policy timeout plus grace
	assert.GreaterOrEqual(t, time.Since(start), 70*time.Millisecond)
	assert.Less(t, time.Since(start), time.Second)
}

func TestExecute_ChannelFailure(t *testing.T) {
	f := &fakeAgent{statuses: []proxmox.ExecStatus{exited("", "powershell crashed", 1)}}
	sess := openSession(t, f)

	_, err := sess.Execute(context.Background(), script.Invocation{RemoteDir: `C:\P`, Executable: "a.exe"})
	assert.ErrorIs(t, err, failure.ErrCommunication)
}

func TestExecute_ExecRejected(t *testing.T) {
	f := &fakeAgent{execErr: &proxmox.APIError{Code: 500, Message: "agent not running"}}
	sess := openSession(t, f)

	_, err := sess.Execute(context.Background(), script.Invocation{RemoteDir: `C:\P`, Executable: "a.exe"})
	assert.ErrorIs(t, err, failure.ErrCommunication)
	var apiErr *proxmox.APIError
	assert.ErrorAs(t, err, &apiErr)
}

func TestWaitLimit(t *testing.T) {
	s := &Session{cfg: Config{Grace: 10 * time.Second, MaxWait: time.Hour}}

	assert.Equal(t, 310*time.Second, s.waitLimit(script.Policy{Timeout: 300 * time.Second}))
	assert.Equal(t, 20*time.Second, s.waitLimit(script.Policy{Detach: true, PostLaunchWait: 10 * time.Second, Timeout: 300 * time.Second}))
	assert.Equal(t, time.Duration(0), s.waitLimit(script.Policy{}), "unbounded waits for the context")
	assert.Equal(t, time.Duration(0), s.waitLimit(script.Policy{Timeout: -time.Second}))
}

func TestExecute_UnboundedOutlivesMaxWait(t *testing.T) {
	record := `{"ExitCode":0,"StdOut":"","StdErr":"","ProcessId":3,"StillRunning":false,"TimedOut":false}`
	statuses := make([]proxmox.ExecStatus, 30)
	statuses[len(statuses)-1] = exited(record, "", 0)
	f := &fakeAgent{statuses: statuses}

	cfg := testConfig()
	cfg.MaxWait = 20 * time.Millisecond
	sess, err := NewOpener(f, cfg).Open(context.Background())
	require.NoError(t, err)

	// 30 polls at 5ms run well past MaxWait
	res, err := sess.Execute(context.Background(), script.Invocation{RemoteDir: `C:\P`, Executable: "a.exe"})
	require.NoError(t, err)
	assert.Equal(t, 0, *res.ExitCode)
	assert.Equal(t, 30, f.polls)
}

func TestExecute_UnboundedStopsWithContext(t *testing.T) {
	f := &fakeAgent{statuses: []proxmox.ExecStatus{{Exited: false}}}
	cfg := testConfig()
	cfg.MaxWait = 10 * time.Millisecond
	sess, err := NewOpener(f, cfg).Open(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	_, err = sess.Execute(ctx, script.Invocation{RemoteDir: `C:\P`, Executable: "a.exe"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, failure.ErrTimeout)
}

func TestStage_PullsThroughExec(t *testing.T) {
	f := &fakeAgent{statuses: []proxmox.ExecStatus{exited(`{"Downloaded":1}`, "", 0)}}
	sess := openSession(t, f)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.exe"), []byte("x"), 0o644))
	m, err := staging.ResolveManifest([]string{"a.exe"}, dir)
	require.NoError(t, err)

	err = sess.Stage(context.Background(), transport.StageRequest{Manifest: m, RemoteDir: `C:\P`, BaseURL: "http://10.0.0.1:9910"})
	require.NoError(t, err)

	require.Len(t, f.execs, 1)
	src, err := script.Decode(f.execs[0].args[len(f.execs[0].args)-1])
	require.NoError(t, err)
	assert.Contains(t, src, "Invoke-WebRequest")
}

func TestDecodeStream(t *testing.T) {
	assert.Equal(t, "", decodeStream(""))
	assert.Equal(t, "hello\n", decodeStream(b64("hello\n")))
	assert.Equal(t, `{"a":1}`, decodeStream(`{"a":1}`))
}
