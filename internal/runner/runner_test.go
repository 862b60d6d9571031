package runner

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kriansa/pve-exe-runner/internal/failure"
	"github.com/kriansa/pve-exe-runner/internal/log"
	"github.com/kriansa/pve-exe-runner/internal/script"
	"github.com/kriansa/pve-exe-runner/internal/staging"
	"github.com/kriansa/pve-exe-runner/internal/summary"
	"github.com/kriansa/pve-exe-runner/internal/transport"
	"github.com/kriansa/pve-exe-runner/internal/vmlock"
)

func TestMain(m *testing.M) {
	log.Setup(false)
	os.Exit(m.Run())
}

type fakeControlPlane struct {
	mu       sync.Mutex
	calls    []string
	awaitErr error
	shutdown int
}

func (f *fakeControlPlane) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeControlPlane) Authenticate(context.Context) error {
	f.record("authenticate")
	return nil
}

func (f *fakeControlPlane) DefaultNode(context.Context) (string, error) {
	f.record("nodes")
	return "pve-auto", nil
}

func (f *fakeControlPlane) RollbackSnapshot(_ context.Context, node string, _ int, snapshot string) (string, error) {
	f.record("rollback " + node + " " + snapshot)
	return "UPID:rollback", nil
}

func (f *fakeControlPlane) AwaitTask(_ context.Context, _, upid string, _ time.Duration) error {
	f.record("await " + upid)
	if upid == "UPID:rollback" {
		return f.awaitErr
	}
	return nil
}

func (f *fakeControlPlane) EnsureRunning(context.Context, string, int, time.Duration) error {
	f.record("ensure-running")
	return nil
}

func (f *fakeControlPlane) Shutdown(context.Context, string, int) (string, error) {
	f.record("shutdown")
	f.mu.Lock()
	f.shutdown++
	f.mu.Unlock()
	return "UPID:shutdown", nil
}

type fakeSession struct {
	mode       staging.Mode
	result     script.RemoteResult
	executeErr error

	staged  transport.StageRequest
	fetched map[string][]byte
	baseURL string
	closed  bool
}

func (s *fakeSession) Mode() staging.Mode { return s.mode }

func (s *fakeSession) Stage(_ context.Context, req transport.StageRequest) error {
	s.staged = req
	s.baseURL = req.BaseURL
	if s.mode == staging.Push {
		return nil
	}
	s.fetched = map[string][]byte{}
	for _, name := range req.Manifest.Names() {
		resp, err := http.Get(req.BaseURL + "/" + staging.EscapedPath(name))
		if err != nil {
			return err
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return err
		}
		s.fetched[name] = data
	}
	return nil
}

func (s *fakeSession) Execute(context.Context, script.Invocation) (script.RemoteResult, error) {
	return s.result, s.executeErr
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

type fakeOpener struct {
	sess  *fakeSession
	opens int
	node  string
}

func (o *fakeOpener) Open(context.Context) (transport.Session, error) {
	o.opens++
	return o.sess, nil
}

func (o *fakeOpener) Name() string { return "fake" }

func (o *fakeOpener) factory() OpenerFunc {
	return func(node string) transport.Opener {
		o.node = node
		return o
	}
}

func intPtr(v int) *int { return &v }

func buildDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func testOptions(t *testing.T, dir string) Options {
	return Options{
		VMID:             105,
		Node:             "pve1",
		Snapshot:         "clean",
		RouteTarget:      "127.0.0.1",
		BuildPath:        dir,
		Files:            []string{"App.exe", "App.dll"},
		Executable:       "App.exe",
		RemoteDir:        `C:\PrivacyFirstPipeline`,
		Args:             []string{"--all"},
		Policy:           script.Policy{Timeout: time.Minute},
		LockDir:          t.TempDir(),
		RollbackTimeout:  time.Second,
		BootTimeout:      time.Second,
		TransportTimeout: time.Second,
		OpenInterval:     5 * time.Millisecond,
		CountdownStep:    5 * time.Millisecond,
	}
}

func passed() script.RemoteResult {
	return script.RemoteResult{
		ExitCode:  intPtr(0),
		StdOut:    "Execution complete: 4 succeeded, 0 failed",
		ProcessID: intPtr(77),
	}
}

func TestRun_EmptyManifestNeverTouchesNetwork(t *testing.T) {
	cp := &fakeControlPlane{}
	o := &fakeOpener{sess: &fakeSession{mode: staging.Push}}

	rep, err := New(cp, o.factory(), testOptions(t, buildDir(t, nil))).Run(context.Background())
	require.ErrorIs(t, err, failure.ErrPrecondition)
	assert.Nil(t, rep)
	assert.Empty(t, cp.calls)
	assert.Zero(t, o.opens)
}

func TestRun_PushFlow(t *testing.T) {
	dir := buildDir(t, map[string]string{"App.exe": "exe", "App.dll": "dll"})
	cp := &fakeControlPlane{}
	sess := &fakeSession{mode: staging.Push, result: passed()}
	o := &fakeOpener{sess: sess}

	rep, err := New(cp, o.factory(), testOptions(t, dir)).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"authenticate",
		"rollback pve1 clean",
		"await UPID:rollback",
		"ensure-running",
	}, cp.calls)
	assert.Equal(t, "pve1", o.node)
	assert.Equal(t, []string{"App.exe", "App.dll"}, sess.staged.Manifest.Names())
	assert.Empty(t, sess.baseURL, "push sessions get no artifact server")
	assert.True(t, sess.closed)

	require.NotNil(t, rep)
	assert.NotEmpty(t, rep.RunID)
	assert.Equal(t, "fake", rep.Transport)
	assert.Equal(t, summary.StatusPass, rep.Summary.OverallStatus)
	assert.False(t, IsTargetFailure(rep))
}

func TestRun_RunIDScopedToRun(t *testing.T) {
	var buf bytes.Buffer
	log.SetupWriter(&buf, true)
	defer log.Setup(false)

	dir := buildDir(t, map[string]string{"App.exe": "exe", "App.dll": "dll"})
	var ids []string
	for range 2 {
		o := &fakeOpener{sess: &fakeSession{mode: staging.Push, result: passed()}}
		rep, err := New(&fakeControlPlane{}, o.factory(), testOptions(t, dir)).Run(context.Background())
		require.NoError(t, err)
		ids = append(ids, rep.RunID)
	}
	log.Info("after runs")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.NotEmpty(t, lines)
	for _, line := range lines[:len(lines)-1] {
		assert.Equal(t, 1, strings.Count(line, " run="), "line %q", line)
	}
	assert.Contains(t, buf.String(), "run="+ids[0])
	assert.Contains(t, buf.String(), "run="+ids[1])
	assert.NotContains(t, lines[len(lines)-1], "run=")
}

func TestRun_DiscoversNode(t *testing.T) {
	dir := buildDir(t, map[string]string{"App.exe": "exe"})
	cp := &fakeControlPlane{}
	o := &fakeOpener{sess: &fakeSession{mode: staging.Push, result: passed()}}

	opts := testOptions(t, dir)
	opts.Node = ""
	_, err := New(cp, o.factory(), opts).Run(context.Background())
	require.NoError(t, err)
	assert.Contains(t, cp.calls, "nodes")
	assert.Contains(t, cp.calls, "rollback pve-auto clean")
	assert.Equal(t, "pve-auto", o.node)
}

func TestRun_PullServesManifestThenStops(t *testing.T) {
	dir := buildDir(t, map[string]string{"App.exe": "exe-bytes", "App.dll": "dll-bytes"})
	sess := &fakeSession{mode: staging.Pull, result: passed()}
	o := &fakeOpener{sess: sess}

	_, err := New(&fakeControlPlane{}, o.factory(), testOptions(t, dir)).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []byte("exe-bytes"), sess.fetched["App.exe"])
	assert.Equal(t, []byte("dll-bytes"), sess.fetched["App.dll"])
	require.NotEmpty(t, sess.baseURL)
	assertClosed(t, sess.baseURL)
}

func TestRun_ExecuteFailureReleasesEverything(t *testing.T) {
	dir := buildDir(t, map[string]string{"App.exe": "exe"})
	sess := &fakeSession{mode: staging.Pull, executeErr: failure.ErrCommunication}
	o := &fakeOpener{sess: sess}
	opts := testOptions(t, dir)

	rep, err := New(&fakeControlPlane{}, o.factory(), opts).Run(context.Background())
	require.ErrorIs(t, err, failure.ErrCommunication)
	assert.Nil(t, rep)

	assert.True(t, sess.closed)
	assertClosed(t, sess.baseURL)

	lock, err := vmlock.Acquire(opts.LockDir, opts.VMID)
	require.NoError(t, err, "lock is released")
	require.NoError(t, lock.Release())
}

func TestRun_TargetFailureIsNotAnError(t *testing.T) {
	dir := buildDir(t, map[string]string{"App.exe": "exe"})
	sess := &fakeSession{mode: staging.Push, result: script.RemoteResult{
		ExitCode: intPtr(2),
		StdOut:   "[ERROR] scan failed\nExecution complete: 3 succeeded, 1 failed",
	}}

	rep, err := New(&fakeControlPlane{}, (&fakeOpener{sess: sess}).factory(), testOptions(t, dir)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, summary.StatusFail, rep.Summary.OverallStatus)
	assert.Equal(t, 1, *rep.Summary.Failed)
	assert.True(t, IsTargetFailure(rep))
}

func TestRun_TimedOutWithoutMarkersFails(t *testing.T) {
	dir := buildDir(t, map[string]string{"App.exe": "exe"})
	sess := &fakeSession{mode: staging.Push, result: script.RemoteResult{ExitCode: intPtr(-1), TimedOut: true}}

	rep, err := New(&fakeControlPlane{}, (&fakeOpener{sess: sess}).factory(), testOptions(t, dir)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, summary.StatusFail, rep.Summary.OverallStatus)
	assert.True(t, rep.Summary.TimedOut)
}

func TestRun_RollbackFailureStopsBeforeTransport(t *testing.T) {
	dir := buildDir(t, map[string]string{"App.exe": "exe"})
	cp := &fakeControlPlane{awaitErr: &failure.TaskFailedError{Task: "UPID:rollback", ExitStatus: "snapshot not found"}}
	o := &fakeOpener{sess: &fakeSession{mode: staging.Push}}

	_, err := New(cp, o.factory(), testOptions(t, dir)).Run(context.Background())
	require.ErrorIs(t, err, failure.ErrTaskFailed)
	assert.Zero(t, o.opens)
	assert.NotContains(t, cp.calls, "ensure-running")
}

func TestRun_LockBusy(t *testing.T) {
	dir := buildDir(t, map[string]string{"App.exe": "exe"})
	opts := testOptions(t, dir)
	held, err := vmlock.Acquire(opts.LockDir, opts.VMID)
	require.NoError(t, err)
	defer held.Release()

	cp := &fakeControlPlane{}
	_, err = New(cp, (&fakeOpener{}).factory(), opts).Run(context.Background())
	require.ErrorIs(t, err, failure.ErrPrecondition)
	assert.Empty(t, cp.calls)
}

func TestRun_ShutdownPolicy(t *testing.T) {
	tests := []struct {
		name         string
		autoShutdown time.Duration
		shutdownVM   bool
		keepAlive    time.Duration
		wantShutdown bool
	}{
		{"left running", 0, false, 0, false},
		{"explicit shutdown", 0, true, 0, true},
		{"auto shutdown", 12 * time.Millisecond, false, 0, true},
		{"auto shutdown wins", 12 * time.Millisecond, true, 0, true},
		{"keep alive then leave running", 0, false, 12 * time.Millisecond, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := buildDir(t, map[string]string{"App.exe": "exe"})
			cp := &fakeControlPlane{}
			opts := testOptions(t, dir)
			opts.AutoShutdown = tt.autoShutdown
			opts.ShutdownVM = tt.shutdownVM
			opts.KeepAlive = tt.keepAlive

			start := time.Now()
			_, err := New(cp, (&fakeOpener{sess: &fakeSession{mode: staging.Push, result: passed()}}).factory(), opts).Run(context.Background())
			require.NoError(t, err)
			assert.GreaterOrEqual(t, time.Since(start), tt.autoShutdown+tt.keepAlive)

			if tt.wantShutdown {
				assert.Equal(t, 1, cp.shutdown)
				assert.Contains(t, cp.calls, "await UPID:shutdown")
			} else {
				assert.Zero(t, cp.shutdown)
			}
		})
	}
}

func TestRun_CancelledDuringCountdown(t *testing.T) {
	dir := buildDir(t, map[string]string{"App.exe": "exe"})
	cp := &fakeControlPlane{}
	opts := testOptions(t, dir)
	opts.AutoShutdown = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	rep, err := New(cp, (&fakeOpener{sess: &fakeSession{mode: staging.Push, result: passed()}}).factory(), opts).Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, rep, "report survives a failed teardown")
	assert.Zero(t, cp.shutdown)
}

func TestReport_Print(t *testing.T) {
	dir := buildDir(t, map[string]string{"App.exe": "exe"})
	m, err := staging.ResolveManifest([]string{"App.exe"}, dir)
	require.NoError(t, err)

	rep := &Report{
		RunID:     "run-1",
		VMID:      105,
		Transport: "ssh",
		Manifest:  m,
		Result: script.RemoteResult{
			StdOut:       "booting",
			ProcessID:    intPtr(9),
			StillRunning: true,
		},
		Summary:  summary.Summarize("[WARN] slow disk", ""),
		Started:  time.Now().Add(-2 * time.Minute),
		Finished: time.Now(),
	}

	var buf bytes.Buffer
	require.NoError(t, rep.Print(&buf))
	out := buf.String()

	assert.Contains(t, out, "Run run-1 on VM 105 via ssh (1 artifacts")
	assert.Contains(t, out, "Exit code: null\n")
	assert.Contains(t, out, "STDOUT:\nbooting\n")
	assert.Contains(t, out, "ProcessId: 9\n")
	assert.Contains(t, out, "StillRunning: true\n")
	assert.NotContains(t, out, "TimedOut")
	assert.Contains(t, out, "Parsed Summary:\n{\n")
	assert.Contains(t, out, `"slow disk"`)
}

func TestIsTargetFailure(t *testing.T) {
	assert.False(t, IsTargetFailure(nil))
	assert.False(t, IsTargetFailure(&Report{Result: script.RemoteResult{StillRunning: true}}))
	assert.True(t, IsTargetFailure(&Report{Result: script.RemoteResult{ExitCode: intPtr(1)}}))
	assert.True(t, IsTargetFailure(&Report{Summary: summary.RunSummary{OverallStatus: summary.StatusFail}}))
}

func assertClosed(t *testing.T, baseURL string) {
	t.Helper()
	require.NotEmpty(t, baseURL)
	host := baseURL[len("http://"):]
	conn, err := net.DialTimeout("tcp", host, 200*time.Millisecond)
	if err == nil {
		conn.Close()
	}
	assert.Error(t, err, "artifact server still listening on %s", host)

	var opErr *net.OpError
	assert.True(t, errors.As(err, &opErr))
}
