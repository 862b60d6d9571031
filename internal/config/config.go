package config

import (
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/kriansa/pve-exe-runner/internal/validation"
)

const (
	// DefaultConfigPath is the default location for the config file
	DefaultConfigPath = "/etc/pve-exe-runner/config.toml"
	// DefaultTransport is the default way to reach the guest
	DefaultTransport = TransportSSH
	// DefaultSnapshot is the snapshot the VM is rolled back to
	DefaultSnapshot = "baseline"
	// DefaultBuildPath is where the Windows build drops its output
	DefaultBuildPath = `c:\repos\privacyfirst\x64\Release`
	// DefaultExecutable is the program launched in the guest
	DefaultExecutable = "PrivacyFirst.exe"
	// DefaultHTTPPort is the artifact server port for pull transports
	DefaultHTTPPort = 9910

	DefaultCommandTimeout      = 300
	DefaultPostLaunchWait      = 10
	DefaultAutoShutdownSeconds = 120

	DefaultRollbackTimeout  = 600
	DefaultBootTimeout      = 180
	DefaultTransportTimeout = 300
	DefaultAgentTimeout     = 90

	pipelineDirName = "PrivacyFirstPipeline"
)

// Transport names
const (
	TransportSSH   = "ssh"
	TransportWinRM = "winrm"
	TransportAgent = "agent"
)

// Transports lists every supported transport
var Transports = []string{TransportSSH, TransportWinRM, TransportAgent}

// DefaultFiles is the artifact set of a framework-dependent .NET build
var DefaultFiles = []string{
	"PrivacyFirst.exe",
	"PrivacyFirst.dll",
	"PrivacyCore.dll",
	"PrivacyFirst.deps.json",
	"PrivacyFirst.runtimeconfig.json",
}

// Config holds the runner configuration
type Config struct {
	Proxmox   Proxmox   `toml:"proxmox"`
	VM        VM        `toml:"vm"`
	Artifacts Artifacts `toml:"artifacts"`
	Execution Execution `toml:"execution"`
	Lifecycle Lifecycle `toml:"lifecycle"`
	Timeouts  Timeouts  `toml:"timeouts"`

	// Transport is one of "ssh", "winrm" or "agent"
	Transport string `toml:"transport"`
	// HTTPPort is the artifact server port used by pull transports
	HTTPPort int `toml:"http_port"`
	// LockDir holds the per-VM lock files
	LockDir string `toml:"lock_dir"`
}

// Proxmox holds the control-plane endpoint and credentials
type Proxmox struct {
	Host     string `toml:"host"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	// Node is discovered from the cluster when empty
	Node      string `toml:"node"`
	VerifyTLS bool   `toml:"verify_tls"`
}

// VM identifies the guest and how to log into it
type VM struct {
	ID       int    `toml:"id"`
	Snapshot string `toml:"snapshot"`
	IP       string `toml:"ip"`
	User     string `toml:"user"`
	Password string `toml:"password"`
}

// Artifacts describes what is staged and where
type Artifacts struct {
	BuildPath  string   `toml:"build_path"`
	Files      []string `toml:"files"`
	Executable string   `toml:"executable"`
	RemoteDir  string   `toml:"remote_dir"`
	// Strict fails the run when a requested file is missing instead of
	// skipping it
	Strict bool `toml:"strict"`
}

// Execution is the launch policy. Times are in seconds.
type Execution struct {
	ProgramArgs []string `toml:"program_args"`
	// CommandTimeout of 0 waits forever
	CommandTimeout *int `toml:"command_timeout"`
	Detach         bool `toml:"detach"`
	PostLaunchWait *int `toml:"post_launch_wait"`
}

// Lifecycle controls what happens to the VM after the run. Times are in seconds.
type Lifecycle struct {
	KeepAliveSeconds int `toml:"keep_alive_seconds"`
	// AutoShutdownSeconds of 0 disables the automatic shutdown
	AutoShutdownSeconds *int `toml:"auto_shutdown_seconds"`
	ShutdownVM          bool `toml:"shutdown_vm"`
}

// Timeouts bound each waiting phase, in seconds
type Timeouts struct {
	Rollback  int `toml:"rollback"`
	Boot      int `toml:"boot"`
	Transport int `toml:"transport"`
}

// Overrides carries CLI values. Empty strings, nil slices and nil pointers
// leave the config file value untouched.
type Overrides struct {
	ProxmoxHost      string
	ProxmoxUser      string
	ProxmoxPassword  string
	ProxmoxNode      string
	ProxmoxVerifyTLS *bool

	VMID       *int
	Snapshot   string
	VMIP       string
	VMUser     string
	VMPassword string

	Transport string
	HTTPPort  *int
	LockDir   string

	BuildPath  string
	Files      []string
	Executable string
	RemoteDir  string
	Strict     *bool

	ProgramArgs    []string
	CommandTimeout *int
	Detach         *bool
	PostLaunchWait *int

	KeepAliveSeconds    *int
	AutoShutdownSeconds *int
	ShutdownVM          *bool
}

// Load loads configuration from a TOML file
// Returns an empty config if the file doesn't exist
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return cfg, nil
}

// Merge merges CLI flags into the config, with CLI flags taking precedence
// over config file values
func (c *Config) Merge(o Overrides) {
	setString(&c.Proxmox.Host, o.ProxmoxHost)
	setString(&c.Proxmox.User, o.ProxmoxUser)
	setString(&c.Proxmox.Password, o.ProxmoxPassword)
	setString(&c.Proxmox.Node, o.ProxmoxNode)
	if o.ProxmoxVerifyTLS != nil {
		c.Proxmox.VerifyTLS = *o.ProxmoxVerifyTLS
	}

	if o.VMID != nil {
		c.VM.ID = *o.VMID
	}
	setString(&c.VM.Snapshot, o.Snapshot)
	setString(&c.VM.IP, o.VMIP)
	setString(&c.VM.User, o.VMUser)
	setString(&c.VM.Password, o.VMPassword)

	setString(&c.Transport, o.Transport)
	if o.HTTPPort != nil {
		c.HTTPPort = *o.HTTPPort
	}
	setString(&c.LockDir, o.LockDir)

	setString(&c.Artifacts.BuildPath, o.BuildPath)
	if o.Files != nil {
		c.Artifacts.Files = o.Files
	}
	setString(&c.Artifacts.Executable, o.Executable)
	setString(&c.Artifacts.RemoteDir, o.RemoteDir)
	if o.Strict != nil {
		c.Artifacts.Strict = *o.Strict
	}

	if o.ProgramArgs != nil {
		c.Execution.ProgramArgs = o.ProgramArgs
	}
	if o.CommandTimeout != nil {
		c.Execution.CommandTimeout = o.CommandTimeout
	}
	if o.Detach != nil {
		c.Execution.Detach = *o.Detach
	}
	if o.PostLaunchWait != nil {
		c.Execution.PostLaunchWait = o.PostLaunchWait
	}

	if o.KeepAliveSeconds != nil {
		c.Lifecycle.KeepAliveSeconds = *o.KeepAliveSeconds
	}
	if o.AutoShutdownSeconds != nil {
		c.Lifecycle.AutoShutdownSeconds = o.AutoShutdownSeconds
	}
	if o.ShutdownVM != nil {
		c.Lifecycle.ShutdownVM = *o.ShutdownVM
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// ApplyDefaults applies default values for any unset fields
func (c *Config) ApplyDefaults() {
	if c.Transport == "" {
		c.Transport = DefaultTransport
	}
	if c.HTTPPort == 0 {
		c.HTTPPort = DefaultHTTPPort
	}
	if c.LockDir == "" {
		c.LockDir = os.TempDir()
	}
	if c.VM.Snapshot == "" {
		c.VM.Snapshot = DefaultSnapshot
	}

	if c.Artifacts.BuildPath == "" {
		c.Artifacts.BuildPath = DefaultBuildPath
	}
	if len(c.Artifacts.Files) == 0 {
		c.Artifacts.Files = slices.Clone(DefaultFiles)
	}
	if c.Artifacts.Executable == "" {
		c.Artifacts.Executable = DefaultExecutable
	}
	if c.Artifacts.RemoteDir == "" {
		c.Artifacts.RemoteDir = c.defaultRemoteDir()
	}

	if c.Execution.CommandTimeout == nil {
		c.Execution.CommandTimeout = intPtr(DefaultCommandTimeout)
	}
	if c.Execution.PostLaunchWait == nil {
		c.Execution.PostLaunchWait = intPtr(DefaultPostLaunchWait)
	}
	if c.Lifecycle.AutoShutdownSeconds == nil {
		c.Lifecycle.AutoShutdownSeconds = intPtr(DefaultAutoShutdownSeconds)
	}

	if c.Timeouts.Rollback == 0 {
		c.Timeouts.Rollback = DefaultRollbackTimeout
	}
	if c.Timeouts.Boot == 0 {
		c.Timeouts.Boot = DefaultBootTimeout
	}
	if c.Timeouts.Transport == 0 {
		c.Timeouts.Transport = DefaultTransportTimeout
		if c.Transport == TransportAgent {
			c.Timeouts.Transport = DefaultAgentTimeout
		}
	}
}

// defaultRemoteDir stages into the user profile for SSH sessions, which
// may lack rights on the drive root
func (c *Config) defaultRemoteDir() string {
	if c.Transport == TransportSSH && c.VM.User != "" {
		return `C:\Users\` + c.VM.User + `\Documents\` + pipelineDirName
	}
	return `C:\` + pipelineDirName
}

// Validate validates the configuration
// Note: snapshot and artifact existence are checked at runtime
func (c *Config) Validate() error {
	if c.Proxmox.Host == "" {
		return fmt.Errorf("proxmox host is required (use --proxmox-host or set 'proxmox.host' in config file)")
	}
	if c.Proxmox.User == "" {
		return fmt.Errorf("proxmox user is required (use --proxmox-user or set 'proxmox.user' in config file)")
	}

	if err := validation.ValidateVMID(c.VM.ID); err != nil {
		return err
	}
	if err := validation.ValidateSnapshotName(c.VM.Snapshot); err != nil {
		return err
	}

	if !slices.Contains(Transports, c.Transport) {
		return fmt.Errorf("transport must be one of %v, got %q", Transports, c.Transport)
	}
	if c.Transport != TransportAgent {
		if c.VM.IP == "" {
			return fmt.Errorf("vm ip is required for the %s transport (use --vm-ip)", c.Transport)
		}
		if c.VM.User == "" {
			return fmt.Errorf("vm user is required for the %s transport (use --vm-user)", c.Transport)
		}
	}

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http port must be between 1 and 65535, got %d", c.HTTPPort)
	}

	if err := validation.ValidateArtifactName(c.Artifacts.Executable); err != nil {
		return fmt.Errorf("executable: %w", err)
	}
	if !slices.Contains(c.Artifacts.Files, c.Artifacts.Executable) {
		return fmt.Errorf("executable %q must be one of the staged files %v", c.Artifacts.Executable, c.Artifacts.Files)
	}

	for name, v := range map[string]int{
		"command timeout":       valueOf(c.Execution.CommandTimeout),
		"post launch wait":      valueOf(c.Execution.PostLaunchWait),
		"keep alive seconds":    c.Lifecycle.KeepAliveSeconds,
		"auto shutdown seconds": valueOf(c.Lifecycle.AutoShutdownSeconds),
	} {
		if v < 0 {
			return fmt.Errorf("%s must not be negative, got %d", name, v)
		}
	}

	return nil
}

// CommandTimeout is the launch timeout; zero waits forever
func (c *Config) CommandTimeout() time.Duration {
	return seconds(c.Execution.CommandTimeout)
}

// PostLaunchWait is how long a detached launch is observed
func (c *Config) PostLaunchWait() time.Duration {
	return seconds(c.Execution.PostLaunchWait)
}

// AutoShutdown is the delay before powering off; zero disables it
func (c *Config) AutoShutdown() time.Duration {
	return seconds(c.Lifecycle.AutoShutdownSeconds)
}

// KeepAlive is how long the VM is left running before teardown
func (c *Config) KeepAlive() time.Duration {
	return time.Duration(c.Lifecycle.KeepAliveSeconds) * time.Second
}

func seconds(v *int) time.Duration {
	return time.Duration(valueOf(v)) * time.Second
}

func valueOf(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}

func intPtr(v int) *int { return &v }
