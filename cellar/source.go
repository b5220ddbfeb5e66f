package cellar

import (
	"context"

	"github.com/pkg/errors"
)

// A Source is a pluggable provider of package metadata and content. The
// three shipped implementations are hosted, git and path; they share no
// code, only this contract.
type Source interface {
	// Name is the stable identifier recorded in lockfiles.
	Name() string

	// ShouldCache reports whether resolved packages are materialized into
	// the system cache (hosted, git) or installed directly (path).
	ShouldCache() bool

	// ParseDescription validates and normalizes a raw description from a
	// pubspec or lockfile. containingDir anchors relative paths. With
	// fromLock set, the description must already be in canonical map form.
	ParseDescription(containingDir string, raw interface{}, fromLock bool) (interface{}, error)

	// SerializeDescription is the inverse of ParseDescription, producing
	// the value written into a lockfile.
	SerializeDescription(containingDir string, desc interface{}) (interface{}, error)

	// DescriptionsEqual applies source-defined equivalence.
	DescriptionsEqual(a, b interface{}) bool

	// HashDescription folds the description into a stable hash key,
	// consistent with DescriptionsEqual.
	HashDescription(desc interface{}) uint64

	// Describe fetches the manifest for id without necessarily
	// materializing the full package.
	Describe(ctx context.Context, id PackageID) (*Pubspec, error)

	// ListVersions enumerates candidate versions of ref for the solver.
	ListVersions(ctx context.Context, ref PackageRef) ([]Version, error)

	// DownloadToCache materializes id into the system cache. Only valid
	// when ShouldCache is true.
	DownloadToCache(ctx context.Context, id PackageID) (*Package, error)

	// Get installs id directly at dest. Only valid when ShouldCache is
	// false. A false return means the package does not exist.
	Get(ctx context.Context, id PackageID, dest string) (bool, error)

	// Directory is where the materialized package for id lives.
	Directory(id PackageID) (string, error)

	// ResolveID attaches disambiguating data (such as a git commit SHA)
	// to id before it is locked.
	ResolveID(ctx context.Context, id PackageID) (PackageID, error)
}

// Registry maps source names to Sources and designates the default source
// used for bare dependency specs.
type Registry struct {
	sources map[string]Source
	def     string
}

func NewRegistry(defaultName string) *Registry {
	return &Registry{
		sources: make(map[string]Source),
		def:     defaultName,
	}
}

// Register adds s. Registering two sources with the same name is rejected.
func (reg *Registry) Register(s Source) error {
	if _, has := reg.sources[s.Name()]; has {
		return errors.Errorf("source %q is already registered", s.Name())
	}
	reg.sources[s.Name()] = s
	return nil
}

// Get returns the source registered under name; the empty name resolves to
// the default source.
func (reg *Registry) Get(name string) (Source, error) {
	if name == "" {
		name = reg.def
	}
	s, has := reg.sources[name]
	if !has {
		return nil, errors.Errorf("unknown source %q", name)
	}
	return s, nil
}

// Contains reports whether a source is registered under name.
func (reg *Registry) Contains(name string) bool {
	_, has := reg.sources[name]
	return has
}

// Default returns the default source.
func (reg *Registry) Default() Source {
	s, err := reg.Get("")
	if err != nil {
		panic("registry has no default source: " + err.Error())
	}
	return s
}

// DefaultName returns the name of the default source.
func (reg *Registry) DefaultName() string { return reg.def }
