package script

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/unicode"

	"github.com/kriansa/pve-exe-runner/internal/failure"
)

// Output is what a transport observed from running a script
type Output struct {
	Stdout     string
	Stderr     string
	ExitStatus int
}

// RemoteResult is the structured record a launch script emits
type RemoteResult struct {
	// ExitCode is nil while a detached process is still running
	ExitCode     *int   `json:"ExitCode"`
	StdOut       string `json:"StdOut"`
	StdErr       string `json:"StdErr"`
	ProcessID    *int   `json:"ProcessId"`
	StillRunning bool   `json:"StillRunning"`
	TimedOut     bool   `json:"TimedOut"`

	// ExitStatus is the exit status of the control channel, not the target
	ExitStatus int `json:"-"`
}

// StageResult is the record emitted by a download script
type StageResult struct {
	Downloaded int `json:"Downloaded"`
}

var resultFields = []string{"ExitCode", "StdOut", "StdErr", "ProcessId", "StillRunning", "TimedOut"}

// ParseResult decodes the record printed by an invocation script
func ParseResult(out Output) (RemoteResult, error) {
	payload, err := payloadOf(out)
	if err != nil {
		return RemoteResult{}, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payload), &fields); err != nil {
		return RemoteResult{}, fmt.Errorf("%w: decode result: %v", failure.ErrProtocol, err)
	}

	if raw, ok := fields["Error"]; ok {
		var notFound struct {
			Error string `json:"Error"`
			Path  string `json:"Path"`
		}
		if err := json.Unmarshal([]byte(payload), &notFound); err != nil {
			return RemoteResult{}, fmt.Errorf("%w: decode error record: %v", failure.ErrProtocol, err)
		}
		if notFound.Error == "ExecutableNotFound" {
			return RemoteResult{}, fmt.Errorf("%w: %s", failure.ErrExecutableNotFound, notFound.Path)
		}
		return RemoteResult{}, fmt.Errorf("%w: remote error %s", failure.ErrProtocol, raw)
	}

	for _, name := range resultFields {
		if _, ok := fields[name]; !ok {
			return RemoteResult{}, fmt.Errorf("%w: result lacks %q", failure.ErrProtocol, name)
		}
	}

	var res RemoteResult
	if err := json.Unmarshal([]byte(payload), &res); err != nil {
		return RemoteResult{}, fmt.Errorf("%w: decode result: %v", failure.ErrProtocol, err)
	}
	res.ExitStatus = out.ExitStatus

	if res.StillRunning && res.ExitCode != nil {
		return RemoteResult{}, fmt.Errorf("%w: running process reported an exit code", failure.ErrProtocol)
	}
	if !res.StillRunning && res.ExitCode == nil {
		return RemoteResult{}, fmt.Errorf("%w: finished process reported no exit code", failure.ErrProtocol)
	}
	return res, nil
}

// ParseStaged decodes the record printed by a download script and checks
// every expected file was fetched
func ParseStaged(out Output, expected int) (StageResult, error) {
	payload, err := payloadOf(out)
	if err != nil {
		return StageResult{}, err
	}

	var res StageResult
	if err := json.Unmarshal([]byte(payload), &res); err != nil {
		return StageResult{}, fmt.Errorf("%w: decode download record: %v", failure.ErrProtocol, err)
	}
	if res.Downloaded != expected {
		return res, fmt.Errorf("%w: downloaded %d of %d files", failure.ErrProtocol, res.Downloaded, expected)
	}
	return res, nil
}

// payloadOf returns the last JSON object line printed on stdout
func payloadOf(out Output) (string, error) {
	lines := strings.Split(strings.TrimSpace(out.Stdout), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if strings.HasPrefix(line, "{") {
			return line, nil
		}
	}

	if out.ExitStatus != 0 {
		msg := CleanStderr(out.Stderr)
		if msg == "" {
			msg = "no output"
		}
		return "", fmt.Errorf("%w: exit status %d: %s", failure.ErrCommunication, out.ExitStatus, msg)
	}
	return "", fmt.Errorf("%w: no result record in output", failure.ErrProtocol)
}

var (
	clixmlString = regexp.MustCompile(`<S S="Error">(.*?)</S>`)
	clixmlEscape = regexp.MustCompile(`_x([0-9A-Fa-f]{4})_`)
)

// CleanStderr turns the CLIXML error stream PowerShell prints for
// non-interactive sessions into plain text
func CleanStderr(stderr string) string {
	stderr = strings.TrimSpace(stderr)
	if !strings.HasPrefix(stderr, "#< CLIXML") {
		return stderr
	}

	var b strings.Builder
	for _, m := range clixmlString.FindAllStringSubmatch(stderr, -1) {
		text := clixmlEscape.ReplaceAllStringFunc(m[1], func(s string) string {
			code, err := strconv.ParseUint(s[2:6], 16, 32)
			if err != nil {
				return s
			}
			return string(rune(code))
		})
		b.WriteString(html.UnescapeString(text))
	}
	return strings.TrimSpace(b.String())
}

// PowerShellArgs are the interpreter arguments preceding the encoded script
var PowerShellArgs = []string{"-NoLogo", "-NoProfile", "-NonInteractive", "-ExecutionPolicy", "Bypass", "-EncodedCommand"}

// PowerShellExe is the interpreter launched in the guest
const PowerShellExe = "powershell.exe"

// Encode returns the base64 UTF-16LE form accepted by -EncodedCommand
func Encode(src string) (string, error) {
	enc := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
	raw, err := enc.Bytes([]byte(src))
	if err != nil {
		return "", fmt.Errorf("encode script: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Decode reverses Encode
func Decode(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode script: %w", err)
	}
	dec := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	src, err := dec.Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("decode script: %w", err)
	}
	return string(src), nil
}

// CommandLine renders the full interpreter command for an encoded script
func CommandLine(encoded string) string {
	return PowerShellExe + " " + strings.Join(PowerShellArgs, " ") + " " + encoded
}

// Argv returns the interpreter arguments for an encoded script
func Argv(encoded string) []string {
	return append(append([]string{}, PowerShellArgs...), encoded)
}

// ErrEmptyScript is returned when compiling a script without steps
var ErrEmptyScript = errors.New("script has no steps")

// Compile compiles and encodes s
func Compile(s Script) (string, error) {
	if len(s.Steps) == 0 {
		return "", ErrEmptyScript
	}
	return Encode(s.PowerShell())
}
