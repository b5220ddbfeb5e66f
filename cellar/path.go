package cellar

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	shutil "github.com/termie/go-shutil"
)

// PathSource serves packages straight from the local filesystem. It never
// touches the system cache; installation links (or copies) the target
// directly into the project.
type PathSource struct {
	reg *Registry
}

func NewPathSource(reg *Registry) *PathSource {
	return &PathSource{reg: reg}
}

func (s *PathSource) Name() string      { return "path" }
func (s *PathSource) ShouldCache() bool { return false }

func (s *PathSource) ParseDescription(containingDir string, raw interface{}, fromLock bool) (interface{}, error) {
	switch t := raw.(type) {
	case string:
		if fromLock {
			return nil, &ParseError{What: "path description", Raw: t,
				Err: errors.New("lockfile descriptions must be in map form")}
		}
		return s.anchor(containingDir, t)

	case map[string]interface{}:
		p, _ := t["path"].(string)
		if p == "" {
			return nil, &ParseError{What: "path description", Raw: fmt.Sprint(raw),
				Err: errors.New("missing path")}
		}
		relative, _ := t["relative"].(bool)
		if relative && !filepath.IsAbs(p) {
			return s.anchor(containingDir, p)
		}
		return PathDescription{Path: filepath.Clean(p)}, nil
	}

	return nil, &ParseError{What: "path description", Raw: fmt.Sprint(raw),
		Err: errors.New("expected a path or a {path, relative} map")}
}

// anchor resolves a possibly-relative path against the directory of the
// pubspec that declared it, remembering the original form.
func (s *PathSource) anchor(containingDir, p string) (interface{}, error) {
	if filepath.IsAbs(p) {
		return PathDescription{Path: filepath.Clean(p)}, nil
	}
	abs, err := filepath.Abs(filepath.Join(containingDir, p))
	if err != nil {
		return nil, &ParseError{What: "path description", Raw: p, Err: err}
	}
	return PathDescription{Path: abs, Relative: true}, nil
}

func (s *PathSource) SerializeDescription(containingDir string, desc interface{}) (interface{}, error) {
	d, ok := desc.(PathDescription)
	if !ok {
		return nil, InvalidArgumentError(fmt.Sprintf("not a path description: %T", desc))
	}
	if d.Relative {
		rel, err := filepath.Rel(containingDir, d.Path)
		if err == nil {
			return map[string]interface{}{"path": filepath.ToSlash(rel), "relative": true}, nil
		}
	}
	return map[string]interface{}{"path": filepath.ToSlash(d.Path), "relative": false}, nil
}

// DescriptionsEqual resolves symlinks and normalizes both sides before
// comparing, so two spellings of one directory unify.
func (s *PathSource) DescriptionsEqual(a, b interface{}) bool {
	da, ok1 := a.(PathDescription)
	db, ok2 := b.(PathDescription)
	if !ok1 || !ok2 {
		return false
	}
	return canonicalPath(da.Path) == canonicalPath(db.Path)
}

func (s *PathSource) HashDescription(desc interface{}) uint64 {
	d, ok := desc.(PathDescription)
	if !ok {
		return 0
	}
	return xxhash.Sum64String(canonicalPath(d.Path))
}

func canonicalPath(p string) string {
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		return filepath.Clean(resolved)
	}
	return filepath.Clean(p)
}

func (s *PathSource) Describe(ctx context.Context, id PackageID) (*Pubspec, error) {
	return s.describeRef(id.Ref)
}

func (s *PathSource) describeRef(ref PackageRef) (*Pubspec, error) {
	d := ref.Description.(PathDescription)
	if fi, err := os.Stat(d.Path); err != nil || !fi.IsDir() {
		return nil, &PackageNotFoundError{Name: ref.Name, Source: s.Name(),
			Detail: fmt.Sprintf("%s is not a directory", d.Path)}
	}
	ps, err := LoadPubspec(d.Path, s.reg)
	if err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			return nil, &PackageNotFoundError{Name: ref.Name, Source: s.Name(),
				Detail: fmt.Sprintf("no %s in %s", PubspecName, d.Path)}
		}
		return nil, err
	}
	return ps, nil
}

// ListVersions reports the single synthetic version a path package has:
// whatever its pubspec declares, or 0.0.0.
func (s *PathSource) ListVersions(ctx context.Context, ref PackageRef) ([]Version, error) {
	ps, err := s.describeRef(ref)
	if err != nil {
		return nil, err
	}
	return []Version{ps.EffectiveVersion()}, nil
}

func (s *PathSource) DownloadToCache(ctx context.Context, id PackageID) (*Package, error) {
	return nil, InvalidArgumentError("path packages are not materialized into the system cache")
}

// Get installs the package at dest as a symlink to the target's lib
// directory, copying the tree when symlinks are unavailable. A false
// return means the path does not point at a package.
func (s *PathSource) Get(ctx context.Context, id PackageID, dest string) (bool, error) {
	d := id.Ref.Description.(PathDescription)
	if fi, err := os.Stat(d.Path); err != nil || !fi.IsDir() {
		return false, nil
	}

	lib := filepath.Join(d.Path, "lib")
	if fi, err := os.Stat(lib); err != nil || !fi.IsDir() {
		// Nothing to expose; not an error.
		return true, nil
	}

	if err := os.Symlink(lib, dest); err != nil {
		if err := shutil.CopyTree(lib, dest, nil); err != nil {
			return false, errors.Wrapf(err, "installing %s from %s", id.Ref.Name, d.Path)
		}
	}
	return true, nil
}

func (s *PathSource) Directory(id PackageID) (string, error) {
	d, ok := id.Ref.Description.(PathDescription)
	if !ok {
		return "", InvalidArgumentError(fmt.Sprintf("not a path description: %T", id.Ref.Description))
	}
	return d.Path, nil
}

func (s *PathSource) ResolveID(ctx context.Context, id PackageID) (PackageID, error) {
	return id, nil
}
