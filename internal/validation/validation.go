package validation

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// MinSnapshotNameLength is the minimum length for a snapshot name
	MinSnapshotNameLength = 2
	// MaxSnapshotNameLength is the maximum length for a snapshot name
	MaxSnapshotNameLength = 40

	// MaxArtifactNameLength is the longest file name NTFS accepts
	MaxArtifactNameLength = 255

	// MinVMID and MaxVMID bound Proxmox guest ids
	MinVMID = 100
	MaxVMID = 999999999
)

// snapshotNamePattern matches Proxmox's snapshot naming requirements:
// Must start with a letter, followed by letters, digits, underscore or hyphen
// See: https://pve.proxmox.com/pve-docs/api-viewer/#/nodes/{node}/qemu/{vmid}/snapshot
var snapshotNamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

// windowsReserved are characters NTFS rejects in file names
const windowsReserved = `<>:"/\|?*`

// ValidateSnapshotName validates that a snapshot name meets all requirements:
// - Starts with a letter, continues with letters, digits, underscore or hyphen
// - Between 2 and 40 characters
func ValidateSnapshotName(name string) error {
	if len(name) < MinSnapshotNameLength {
		return fmt.Errorf("snapshot name must be at least %d characters", MinSnapshotNameLength)
	}

	if len(name) > MaxSnapshotNameLength {
		return fmt.Errorf("snapshot name must be at most %d characters", MaxSnapshotNameLength)
	}

	if !snapshotNamePattern.MatchString(name) {
		return fmt.Errorf("snapshot name must start with a letter and contain only letters, digits, underscore, or hyphen characters")
	}

	return nil
}

// ValidateArtifactName checks that name is a bare file name usable on both
// the controller and a Windows guest
func ValidateArtifactName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("artifact name %q is not a file name", name)
	}

	if len(name) > MaxArtifactNameLength {
		return fmt.Errorf("artifact name must be at most %d characters", MaxArtifactNameLength)
	}

	if i := strings.IndexAny(name, windowsReserved); i >= 0 {
		return fmt.Errorf("artifact name %q contains reserved character %q", name, name[i])
	}

	for _, r := range name {
		if r < 0x20 {
			return fmt.Errorf("artifact name %q contains a control character", name)
		}
	}

	if strings.HasSuffix(name, " ") || strings.HasSuffix(name, ".") {
		return fmt.Errorf("artifact name %q must not end with a space or dot", name)
	}

	return nil
}

// ValidateVMID checks the guest id range Proxmox accepts
func ValidateVMID(id int) error {
	if id < MinVMID || id > MaxVMID {
		return fmt.Errorf("vmid must be between %d and %d, got %d", MinVMID, MaxVMID, id)
	}
	return nil
}
