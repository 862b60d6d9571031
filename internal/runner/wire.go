package runner

import (
	"time"

	"github.com/kriansa/pve-exe-runner/internal/config"
	"github.com/kriansa/pve-exe-runner/internal/script"
	"github.com/kriansa/pve-exe-runner/internal/transport"
	"github.com/kriansa/pve-exe-runner/internal/transport/agent"
	"github.com/kriansa/pve-exe-runner/internal/transport/sshpush"
	"github.com/kriansa/pve-exe-runner/internal/transport/winrm"
)

// OpenerFor picks the transport named by a validated config. The guest
// agent is only used by the agent transport.
func OpenerFor(cfg *config.Config, ga agent.GuestAgent) OpenerFunc {
	return func(node string) transport.Opener {
		switch cfg.Transport {
		case config.TransportWinRM:
			return winrm.NewOpener(winrm.Config{
				Host:     cfg.VM.IP,
				User:     cfg.VM.User,
				Password: cfg.VM.Password,
			})
		case config.TransportAgent:
			return agent.NewOpener(ga, agent.Config{Node: node, VMID: cfg.VM.ID})
		default:
			return sshpush.NewOpener(sshpush.Config{
				Host:     cfg.VM.IP,
				User:     cfg.VM.User,
				Password: cfg.VM.Password,
			})
		}
	}
}

// OptionsFromConfig translates a validated config into run options
func OptionsFromConfig(cfg *config.Config) Options {
	// the guest pulls from whichever local address routes to it
	route := cfg.VM.IP
	if route == "" {
		route = cfg.Proxmox.Host
	}

	return Options{
		VMID:        cfg.VM.ID,
		Node:        cfg.Proxmox.Node,
		Snapshot:    cfg.VM.Snapshot,
		RouteTarget: route,

		BuildPath:  cfg.Artifacts.BuildPath,
		Files:      cfg.Artifacts.Files,
		Strict:     cfg.Artifacts.Strict,
		Executable: cfg.Artifacts.Executable,
		RemoteDir:  cfg.Artifacts.RemoteDir,
		Args:       cfg.Execution.ProgramArgs,
		Policy: script.Policy{
			Timeout:        cfg.CommandTimeout(),
			Detach:         cfg.Execution.Detach,
			PostLaunchWait: cfg.PostLaunchWait(),
		},

		HTTPPort: cfg.HTTPPort,
		LockDir:  cfg.LockDir,

		RollbackTimeout:  time.Duration(cfg.Timeouts.Rollback) * time.Second,
		BootTimeout:      time.Duration(cfg.Timeouts.Boot) * time.Second,
		TransportTimeout: time.Duration(cfg.Timeouts.Transport) * time.Second,

		KeepAlive:    cfg.KeepAlive(),
		AutoShutdown: cfg.AutoShutdown(),
		ShutdownVM:   cfg.Lifecycle.ShutdownVM,
	}
}
