// Package staging resolves build artifacts and makes them available to the
// guest, either pushed by the transport or pulled from a short-lived HTTP
// server on the controller.
package staging

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/docker/go-units"

	"github.com/kriansa/pve-exe-runner/internal/failure"
	"github.com/kriansa/pve-exe-runner/internal/log"
	"github.com/kriansa/pve-exe-runner/internal/validation"
)

// Mode is how artifacts reach the guest
type Mode int

const (
	// Push means the transport copies files itself
	Push Mode = iota
	// Pull means the guest downloads files from the artifact server
	Pull
)

func (m Mode) String() string {
	switch m {
	case Push:
		return "push"
	case Pull:
		return "pull"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Artifact is one file to stage
type Artifact struct {
	Name      string
	LocalPath string
	Size      int64
}

// Manifest is the ordered, non-empty set of artifacts for a run
type Manifest struct {
	Dir       string
	Artifacts []Artifact
}

// ErrNoArtifacts is returned when none of the requested files exist
var ErrNoArtifacts = fmt.Errorf("%w: no artifacts to stage", failure.ErrPrecondition)

// MissingArtifactError names a requested file absent from the build directory
type MissingArtifactError struct {
	Name string
	Dir  string
}

func (e *MissingArtifactError) Error() string {
	return fmt.Sprintf("artifact %s not found in %s", e.Name, e.Dir)
}

// Is reports ErrPrecondition as a match
func (e *MissingArtifactError) Is(target error) bool {
	return target == failure.ErrPrecondition
}

// ResolveManifest intersects names with the regular files in buildDir,
// keeping input order and dropping duplicates. Missing names are skipped.
func ResolveManifest(names []string, buildDir string) (Manifest, error) {
	return resolve(names, buildDir, false)
}

// ResolveManifestStrict is ResolveManifest failing on the first missing name
func ResolveManifestStrict(names []string, buildDir string) (Manifest, error) {
	return resolve(names, buildDir, true)
}

func resolve(names []string, buildDir string, strict bool) (Manifest, error) {
	info, err := os.Stat(buildDir)
	if err != nil {
		return Manifest{}, fmt.Errorf("%w: build directory: %v", failure.ErrPrecondition, err)
	}
	if !info.IsDir() {
		return Manifest{}, fmt.Errorf("%w: build path %s is not a directory", failure.ErrPrecondition, buildDir)
	}

	m := Manifest{Dir: buildDir}
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true

		if err := validation.ValidateArtifactName(name); err != nil {
			return Manifest{}, fmt.Errorf("%w: %v", failure.ErrPrecondition, err)
		}

		path := filepath.Join(buildDir, name)
		info, err := os.Stat(path)
		switch {
		case err == nil && info.Mode().IsRegular():
			m.Artifacts = append(m.Artifacts, Artifact{Name: name, LocalPath: path, Size: info.Size()})
			continue
		case err != nil && !errors.Is(err, fs.ErrNotExist):
			return Manifest{}, fmt.Errorf("%w: stat artifact %s: %v", failure.ErrPrecondition, name, err)
		}

		if strict {
			return Manifest{}, &MissingArtifactError{Name: name, Dir: buildDir}
		}
		log.Warn("skipping missing artifact", "name", name, "dir", buildDir)
	}

	if len(m.Artifacts) == 0 {
		return Manifest{}, ErrNoArtifacts
	}

	log.Info("resolved artifacts", "count", len(m.Artifacts), "size", units.HumanSize(float64(m.TotalSize())))
	return m, nil
}

// Names returns artifact names in manifest order
func (m Manifest) Names() []string {
	names := make([]string, len(m.Artifacts))
	for i, a := range m.Artifacts {
		names[i] = a.Name
	}
	return names
}

// TotalSize is the sum of artifact sizes in bytes
func (m Manifest) TotalSize() int64 {
	var total int64
	for _, a := range m.Artifacts {
		total += a.Size
	}
	return total
}

// Lookup finds an artifact by exact name
func (m Manifest) Lookup(name string) (Artifact, bool) {
	for _, a := range m.Artifacts {
		if a.Name == name {
			return a, true
		}
	}
	return Artifact{}, false
}

// Len returns the number of artifacts
func (m Manifest) Len() int { return len(m.Artifacts) }
