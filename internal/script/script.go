// Package script builds the PowerShell programs run inside the guest.
//
// A Script is an ordered list of typed steps. Policy decisions (timeout,
// detach, kill) are taken here in Go while compiling, so the emitted
// PowerShell only contains the branch that applies.
package script

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Policy governs how the launched process is awaited
type Policy struct {
	// WorkingDir defaults to the remote staging directory when empty
	WorkingDir string
	// Timeout <= 0 waits for the process indefinitely
	Timeout time.Duration
	// Detach returns after PostLaunchWait without waiting for exit
	Detach         bool
	PostLaunchWait time.Duration
}

// Invocation describes one launch of the staged executable
type Invocation struct {
	RemoteDir  string
	Executable string
	Args       []string
	Policy     Policy
}

// Path returns the Windows path of the executable
func (inv Invocation) Path() string {
	return JoinWindows(inv.RemoteDir, inv.Executable)
}

// Download describes a pull of artifacts from the local artifact server
type Download struct {
	RemoteDir string
	BaseURL   string
	Files     []RemoteFile
}

// RemoteFile is one file fetched by a Download
type RemoteFile struct {
	// Name is the file name written into RemoteDir
	Name string
	// URLPath is the escaped path segment requested from the server
	URLPath string
}

// Step is one unit of a generated script
type Step interface {
	powershell(w *writer)
}

// Script is an ordered list of steps
type Script struct {
	Steps []Step
}

// PowerShell compiles the script
func (s Script) PowerShell() string {
	w := &writer{}
	for _, step := range s.Steps {
		step.powershell(w)
	}
	return w.String()
}

// ForInvocation builds the verify, decode, start, wait and emit sequence
func ForInvocation(inv Invocation) Script {
	workDir := inv.Policy.WorkingDir
	if workDir == "" {
		workDir = inv.RemoteDir
	}

	var launch Step = startProcess{WorkingDir: workDir}
	if inv.Policy.Detach {
		launch = launchDetached{WorkingDir: workDir}
	}

	return Script{Steps: []Step{
		prelude{},
		verifyExecutable{Dir: inv.RemoteDir, Name: inv.Executable},
		decodeArgs{Args: inv.Args},
		launch,
		applyPolicy{Policy: inv.Policy},
		emitResult{},
	}}
}

// ForDownload builds the directory creation and fetch sequence
func ForDownload(d Download) Script {
	return Script{Steps: []Step{
		prelude{},
		ensureDir{Path: d.RemoteDir},
		fetchFiles{Dir: d.RemoteDir, BaseURL: d.BaseURL, Files: d.Files},
	}}
}

// ExitExecutableNotFound is the exit code used when the executable is missing
const ExitExecutableNotFound = 3

type prelude struct{}

func (prelude) powershell(w *writer) {
	w.line("$ErrorActionPreference = 'Stop'")
	w.line("$ProgressPreference = 'SilentlyContinue'")
}

type ensureDir struct {
	Path string
}

func (s ensureDir) powershell(w *writer) {
	w.line("$dest = %s", quote(s.Path))
	w.line("if (-not (Test-Path -LiteralPath $dest)) { New-Item -ItemType Directory -Path $dest -Force | Out-Null }")
}

type fetchFiles struct {
	Dir     string
	BaseURL string
	Files   []RemoteFile
}

func (s fetchFiles) powershell(w *writer) {
	w.line("$baseUrl = %s", quote(strings.TrimRight(s.BaseURL, "/")))
	w.line("$files = @(")
	for _, f := range s.Files {
		w.line("    @{ Name = %s; UrlPath = %s }", quote(f.Name), quote(f.URLPath))
	}
	w.line(")")
	w.line("$count = 0")
	w.line("foreach ($file in $files) {")
	w.line("    Invoke-WebRequest -Uri ($baseUrl + '/' + $file.UrlPath) -OutFile (Join-Path $dest $file.Name) -UseBasicParsing")
	w.line("    $count++")
	w.line("}")
	w.line("[PSCustomObject]@{ Downloaded = $count } | ConvertTo-Json -Compress")
}

type verifyExecutable struct {
	Dir  string
	Name string
}

func (s verifyExecutable) powershell(w *writer) {
	w.line("$dest = %s", quote(s.Dir))
	w.line("$exePath = Join-Path $dest %s", quote(s.Name))
	w.line("if (-not (Test-Path -LiteralPath $exePath -PathType Leaf)) {")
	w.line("    [PSCustomObject]@{ Error = 'ExecutableNotFound'; Path = $exePath } | ConvertTo-Json -Compress")
	w.line("    exit %d", ExitExecutableNotFound)
	w.line("}")
}

type decodeArgs struct {
	Args []string
}

func (s decodeArgs) powershell(w *writer) {
	args := s.Args
	if args == nil {
		args = []string{}
	}
	blob, _ := json.Marshal(args) // []string always marshals

	w.line("$argsJson = [System.Text.Encoding]::UTF8.GetString([System.Convert]::FromBase64String(%s))",
		quote(base64.StdEncoding.EncodeToString(blob)))
	w.line("$argList = @()")
	// assigning first unrolls the array; piping into @() would not
	w.line("$parsed = $argsJson | ConvertFrom-Json")
	w.line("foreach ($item in $parsed) { $argList += [string]$item }")
	// MSVCRT quoting: backslashes are literal unless they precede a quote
	w.line("$quoted = foreach ($a in $argList) {")
	w.line(`    if ($a -ne '' -and $a -notmatch '[\s"]') { $a; continue }`)
	w.line(`    '"' + (($a -replace '(\\*)"', '$1$1\"') -replace '(\\+)$', '$1$1') + '"'`)
	w.line("}")
	w.line("$argumentText = [string]::Join(' ', @($quoted))")
}

type startProcess struct {
	WorkingDir string
}

func (s startProcess) powershell(w *writer) {
	w.line("$psi = New-Object System.Diagnostics.ProcessStartInfo")
	w.line("$psi.FileName = $exePath")
	w.line("if ($argumentText) { $psi.Arguments = $argumentText }")
	w.line("$psi.WorkingDirectory = %s", quote(s.WorkingDir))
	w.line("$psi.UseShellExecute = $false")
	w.line("$psi.CreateNoWindow = $true")
	w.line("$psi.RedirectStandardOutput = $true")
	w.line("$psi.RedirectStandardError = $true")
	w.line("$process = [System.Diagnostics.Process]::Start($psi)")
	// async reads keep full pipes from blocking the child
	w.line("$stdoutTask = $process.StandardOutput.ReadToEndAsync()")
	w.line("$stderrTask = $process.StandardError.ReadToEndAsync()")
}

// launchDetached starts the child through the shell so it inherits none of
// the control channel's handles. A child holding those pipes would keep the
// channel open until it exits.
type launchDetached struct {
	WorkingDir string
}

func (s launchDetached) powershell(w *writer) {
	w.line("$launch = @{ FilePath = $exePath; WorkingDirectory = %s; WindowStyle = 'Hidden'; PassThru = $true }", quote(s.WorkingDir))
	w.line("if ($argumentText) { $launch.ArgumentList = $argumentText }")
	w.line("$process = Start-Process @launch")
	// holding the handle keeps ExitCode readable after the child exits
	w.line("$null = $process.Handle")
}

type applyPolicy struct {
	Policy Policy
}

func (s applyPolicy) powershell(w *writer) {
	p := s.Policy
	if p.Detach {
		if secs := wholeSeconds(p.PostLaunchWait); secs > 0 {
			w.line("Start-Sleep -Seconds %d", secs)
		}
		w.line("$stillRunning = -not $process.HasExited")
		w.line("$exitCode = $null")
		w.line("if (-not $stillRunning) { $exitCode = $process.ExitCode }")
		w.line("$result = [PSCustomObject]@{")
		w.line("    ExitCode = $exitCode")
		w.line("    StdOut = ''")
		w.line("    StdErr = ''")
		w.line("    ProcessId = $process.Id")
		w.line("    StillRunning = $stillRunning")
		w.line("    TimedOut = $false")
		w.line("}")
		return
	}

	w.line("$timedOut = $false")
	if ms := p.Timeout.Milliseconds(); ms > 0 {
		w.line("if (-not $process.WaitForExit(%d)) {", ms)
		w.line("    try { $process.Kill() } catch { }")
		w.line("    $process.WaitForExit()")
		w.line("    $timedOut = $true")
		w.line("}")
	} else {
		w.line("$process.WaitForExit()")
	}
	w.line("$result = [PSCustomObject]@{")
	w.line("    ExitCode = $process.ExitCode")
	w.line("    StdOut = [string]$stdoutTask.Result")
	w.line("    StdErr = [string]$stderrTask.Result")
	w.line("    ProcessId = $process.Id")
	w.line("    StillRunning = $false")
	w.line("    TimedOut = $timedOut")
	w.line("}")
}

type emitResult struct{}

func (emitResult) powershell(w *writer) {
	w.line("try { $process.Dispose() } catch { }")
	w.line("$result | ConvertTo-Json -Compress -Depth 3")
}

type writer struct {
	b strings.Builder
}

func (w *writer) line(format string, args ...any) {
	if len(args) == 0 {
		w.b.WriteString(format)
	} else {
		fmt.Fprintf(&w.b, format, args...)
	}
	w.b.WriteByte('\n')
}

func (w *writer) String() string { return w.b.String() }

// quote renders s as a single-quoted PowerShell literal
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func wholeSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}

// JoinWindows joins a Windows directory and a file name
func JoinWindows(dir, name string) string {
	if dir == "" {
		return name
	}
	return strings.TrimRight(dir, `\/`) + `\` + name
}
