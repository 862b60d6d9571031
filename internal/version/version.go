// Package version carries the build identity stamped in by the linker
package version

import (
	"fmt"
	"runtime"
)

// Name is the program name used in output and request headers
const Name = "pve-exe-runner"

// Set via ldflags at build time
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func String() string {
	return fmt.Sprintf("%s %s (commit: %s, built: %s, go: %s)",
		Name, Version, Commit, BuildTime, runtime.Version())
}

// UserAgent identifies the runner to the Proxmox API
func UserAgent() string {
	return Name + "/" + Version
}
