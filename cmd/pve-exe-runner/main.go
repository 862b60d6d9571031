package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/kriansa/pve-exe-runner/internal/config"
	"github.com/kriansa/pve-exe-runner/internal/log"
	"github.com/kriansa/pve-exe-runner/internal/proxmox"
	"github.com/kriansa/pve-exe-runner/internal/runner"
	"github.com/kriansa/pve-exe-runner/internal/version"
)

func main() {
	cmd := &cli.Command{
		Name:      version.Name,
		Usage:     "Roll a Proxmox VM back to a snapshot, deploy a build into it and run it",
		ArgsUsage: "[-- program args...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Configuration file path",
				Value:   config.DefaultConfigPath,
			},
			&cli.StringFlag{Name: "proxmox-host", Usage: "Proxmox VE host or URL"},
			&cli.StringFlag{Name: "proxmox-user", Usage: "Proxmox user, e.g. root@pam"},
			&cli.StringFlag{Name: "proxmox-password", Usage: "Proxmox password (prompted when empty)", Sources: cli.EnvVars("PROXMOX_PASSWORD")},
			&cli.StringFlag{Name: "proxmox-node", Usage: "Proxmox node (discovered when empty)"},
			&cli.BoolFlag{Name: "proxmox-verify-tls", Usage: "Verify the Proxmox TLS certificate"},
			&cli.IntFlag{Name: "vmid", Usage: "VM id"},
			&cli.StringFlag{Name: "snapshot", Usage: "Snapshot to roll back to"},
			&cli.StringFlag{Name: "vm-ip", Usage: "Guest address"},
			&cli.StringFlag{Name: "vm-user", Usage: "Guest login"},
			&cli.StringFlag{Name: "vm-password", Usage: "Guest password (prompted when empty)", Sources: cli.EnvVars("VM_PASSWORD")},
			&cli.StringFlag{
				Name:    "transport",
				Aliases: []string{"t"},
				Usage:   "How to reach the guest: ssh, winrm or agent",
			},
			&cli.StringFlag{Name: "build-path", Usage: "Local build output directory"},
			&cli.StringSliceFlag{Name: "files", Usage: "Artifact to stage (repeatable)"},
			&cli.BoolFlag{Name: "strict", Usage: "Fail when a requested artifact is missing"},
			&cli.StringFlag{Name: "executable", Usage: "Artifact to launch"},
			&cli.StringFlag{Name: "remote-dir", Usage: "Guest staging directory"},
			&cli.StringSliceFlag{Name: "program-args", Usage: "Argument for the program (repeatable)"},
			&cli.IntFlag{Name: "command-timeout", Usage: "Seconds to wait for the program; 0 waits forever"},
			&cli.BoolFlag{Name: "detach", Usage: "Return shortly after launch"},
			&cli.IntFlag{Name: "post-launch-wait", Usage: "Seconds to observe a detached program"},
			&cli.IntFlag{Name: "keep-alive-seconds", Usage: "Seconds to keep the VM running after the run"},
			&cli.IntFlag{Name: "auto-shutdown-seconds", Usage: "Seconds before powering the VM off; 0 disables"},
			&cli.BoolFlag{Name: "shutdown-vm", Usage: "Power the VM off after the run"},
			&cli.IntFlag{Name: "http-port", Usage: "Artifact server port for pull transports"},
			&cli.StringFlag{Name: "lock-dir", Usage: "Directory for per-VM lock files"},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable debug logging",
			},
			&cli.BoolFlag{
				Name:    "version",
				Aliases: []string{"V"},
				Usage:   "Print version information",
			},
		},
		Action: run,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	// Handle version flag
	if cmd.Bool("version") {
		fmt.Println(version.String())
		return nil
	}

	// Setup logging
	log.Setup(cmd.Bool("verbose"))

	// Load config file
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Merge CLI flags (CLI takes precedence)
	cfg.Merge(overrides(cmd))

	// Apply defaults
	cfg.ApplyDefaults()

	// Validate config
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if err := promptPasswords(cfg); err != nil {
		return err
	}

	client, err := proxmox.NewClient(proxmox.Config{
		Host:      cfg.Proxmox.Host,
		User:      cfg.Proxmox.User,
		Password:  cfg.Proxmox.Password,
		VerifyTLS: cfg.Proxmox.VerifyTLS,
	})
	if err != nil {
		return fmt.Errorf("create proxmox client: %w", err)
	}

	log.Info("starting run",
		"vmid", cfg.VM.ID,
		"snapshot", cfg.VM.Snapshot,
		"transport", cfg.Transport,
		"build_path", cfg.Artifacts.BuildPath,
		"remote_dir", cfg.Artifacts.RemoteDir,
	)

	r := runner.New(client, runner.OpenerFor(cfg, client), runner.OptionsFromConfig(cfg))
	report, err := r.Run(ctx)
	if report != nil {
		if perr := report.Print(os.Stdout); perr != nil {
			log.Warn("failed to print report", "error", perr)
		}
		if runner.IsTargetFailure(report) {
			log.Warn("program reported failure", "status", report.Summary.OverallStatus)
		}
	}
	return err
}

// overrides collects only the flags given on the command line
func overrides(cmd *cli.Command) config.Overrides {
	o := config.Overrides{
		ProxmoxHost:     cmd.String("proxmox-host"),
		ProxmoxUser:     cmd.String("proxmox-user"),
		ProxmoxPassword: cmd.String("proxmox-password"),
		ProxmoxNode:     cmd.String("proxmox-node"),
		Snapshot:        cmd.String("snapshot"),
		VMIP:            cmd.String("vm-ip"),
		VMUser:          cmd.String("vm-user"),
		VMPassword:      cmd.String("vm-password"),
		Transport:       cmd.String("transport"),
		LockDir:         cmd.String("lock-dir"),
		BuildPath:       cmd.String("build-path"),
		Executable:      cmd.String("executable"),
		RemoteDir:       cmd.String("remote-dir"),

		ProxmoxVerifyTLS:    boolFlag(cmd, "proxmox-verify-tls"),
		VMID:                intFlag(cmd, "vmid"),
		HTTPPort:            intFlag(cmd, "http-port"),
		CommandTimeout:      intFlag(cmd, "command-timeout"),
		Detach:              boolFlag(cmd, "detach"),
		PostLaunchWait:      intFlag(cmd, "post-launch-wait"),
		KeepAliveSeconds:    intFlag(cmd, "keep-alive-seconds"),
		AutoShutdownSeconds: intFlag(cmd, "auto-shutdown-seconds"),
		ShutdownVM:          boolFlag(cmd, "shutdown-vm"),
		Strict:              boolFlag(cmd, "strict"),
	}
	if cmd.IsSet("files") {
		o.Files = cmd.StringSlice("files")
	}

	args := cmd.StringSlice("program-args")
	args = append(args, cmd.Args().Slice()...)
	if len(args) > 0 {
		o.ProgramArgs = args
	}
	return o
}

func intFlag(cmd *cli.Command, name string) *int {
	if !cmd.IsSet(name) {
		return nil
	}
	v := cmd.Int(name)
	return &v
}

func boolFlag(cmd *cli.Command, name string) *bool {
	if !cmd.IsSet(name) {
		return nil
	}
	v := cmd.Bool(name)
	return &v
}

func promptPasswords(cfg *config.Config) error {
	if cfg.Proxmox.Password == "" {
		pw, err := readPassword(fmt.Sprintf("Proxmox password for %s: ", cfg.Proxmox.User))
		if err != nil {
			return err
		}
		cfg.Proxmox.Password = pw
	}
	if cfg.Transport != config.TransportAgent && cfg.VM.Password == "" {
		pw, err := readPassword(fmt.Sprintf("Password for %s@%s: ", cfg.VM.User, cfg.VM.IP))
		if err != nil {
			return err
		}
		cfg.VM.Password = pw
	}
	return nil
}

func readPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("cannot prompt for %q without a terminal; set it in the config file or flags", strings.TrimSuffix(prompt, ": "))
	}
	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(pw), nil
}
