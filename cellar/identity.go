package cellar

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// A PackageRef names a package together with the source able to provide it
// and the source-specific description of where it lives. Two refs are equal
// iff name, source, and source-normalized descriptions are equal.
type PackageRef struct {
	Name        string
	Source      string
	Description interface{}
}

func (r PackageRef) String() string {
	return fmt.Sprintf("%s from %s", r.Name, r.Source)
}

// A PackageID is a PackageRef pinned to a concrete version. For git the
// resolved commit SHA travels in the description.
type PackageID struct {
	Ref     PackageRef
	Version Version
}

func (id PackageID) String() string {
	return fmt.Sprintf("%s %s", id.Ref.Name, id.Version)
}

// A Dependency is a requirement one package places on another: the target
// ref plus the admissible version constraint.
type Dependency struct {
	Ref        PackageRef
	Constraint Constraint
}

// A Package is a loaded manifest plus the directory it was loaded from: a
// cache entry, a path-source directory, or the root project itself.
type Package struct {
	Pubspec *Pubspec
	Dir     string
	Root    bool
}

// HostedDescription locates a package on a hosted index: the name the index
// knows it by, and the index base URL.
type HostedDescription struct {
	Name string
	URL  string
}

// GitDescription locates a package in a git repository. ResolvedRef, once
// set, takes precedence over Ref for fetch operations but does not
// participate in description equality of unresolved specs.
type GitDescription struct {
	URL         string
	Ref         string
	ResolvedRef string
}

// effectiveRef is what fetch operations should check out.
func (d GitDescription) effectiveRef() string {
	if d.ResolvedRef != "" {
		return d.ResolvedRef
	}
	if d.Ref != "" {
		return d.Ref
	}
	return "HEAD"
}

// PathDescription locates a package on the local filesystem. Path is always
// absolute after parsing; Relative records whether the original spec was
// relative, which controls how it serializes back out.
type PathDescription struct {
	Path     string
	Relative bool
}

// hashKey produces the stable key a registry-backed map or the system
// cache's single-flight table uses for a ref.
func (reg *Registry) hashKey(ref PackageRef) uint64 {
	src, err := reg.Get(ref.Source)
	if err != nil {
		// An unregistered source never reaches keyed maps; the registry
		// rejects it at parse time.
		panic(fmt.Sprintf("hashKey on unregistered source %q", ref.Source))
	}

	h := xxhash.New()
	h.WriteString(ref.Name)
	h.Write([]byte{0})
	h.WriteString(src.Name())
	h.Write([]byte{0})
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], src.HashDescription(ref.Description))
	h.Write(b[:])
	return h.Sum64()
}

// RefsEqual reports source-aware equality of two refs.
func (reg *Registry) RefsEqual(a, b PackageRef) bool {
	if a.Name != b.Name || a.Source != b.Source {
		return false
	}
	src, err := reg.Get(a.Source)
	if err != nil {
		return false
	}
	return src.DescriptionsEqual(a.Description, b.Description)
}

// IDsEqual reports source-aware equality of two ids.
func (reg *Registry) IDsEqual(a, b PackageID) bool {
	return a.Version.Equal(b.Version) && reg.RefsEqual(a.Ref, b.Ref)
}
