// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tavern

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/tapted/tavern/cellar"
	"github.com/tapted/tavern/internal/fs"
)

// AcquireOptions steer a resolution run.
type AcquireOptions struct {
	// UseLatest names packages to unlock to their latest satisfying
	// version.
	UseLatest []string

	// UpgradeAll unlocks every package.
	UpgradeAll bool
}

// AcquireDependencies runs the full pipeline: solve the whole graph,
// report the movement against the previous lock, materialize every
// resolved package under packages/, and write the new lockfile. It returns
// the number of changed dependencies.
func (p *Project) AcquireDependencies(ctx context.Context, opts AcquireOptions) (int, error) {
	result, err := cellar.Solve(ctx, p.ctx.Registry, p.ctx.Log, cellar.SolveArgs{
		Root:       &cellar.Package{Pubspec: p.Pubspec, Dir: p.Root, Root: true},
		Lock:       p.lockedIDs(),
		UseLatest:  opts.UseLatest,
		UpgradeAll: opts.UpgradeAll,
		SDK:        p.ctx.SDK,
	})
	if err != nil {
		// The solver error carries the conflicting package chain; pass it
		// through untouched.
		return 0, err
	}

	changes := DiffLocks(p.Lock, result.Packages)
	logReport(p.ctx.Log, changes)

	pkgsDir := p.PackagesDir()
	if err := fs.EmptyDir(pkgsDir); err != nil {
		return 0, err
	}

	for _, id := range result.Packages {
		if err := p.materialize(ctx, id); err != nil {
			return 0, err
		}
	}

	// Resolve ids last so the revision recorded in the lock is the one
	// actually fetched.
	resolved := make([]cellar.PackageID, len(result.Packages))
	for i, id := range result.Packages {
		src, err := p.ctx.Registry.Get(id.Ref.Source)
		if err != nil {
			return 0, err
		}
		rid, err := src.ResolveID(ctx, id)
		if err != nil {
			return 0, err
		}
		resolved[i] = rid
	}

	lf := &LockFile{Packages: make(map[string]cellar.PackageID, len(resolved))}
	for _, id := range resolved {
		lf.Packages[id.Ref.Name] = id
	}
	if p.Pubspec.SDK != nil {
		lf.SDK = p.Pubspec.SDK.String()
	}

	data, err := lf.Marshal(p.Root, p.ctx.Registry)
	if err != nil {
		return 0, err
	}
	if err := fs.WriteAtomic(p.LockFilePath(), data, 0644); err != nil {
		return 0, err
	}
	p.Lock = lf

	// The project sees itself through packages/ like any dependency.
	self := filepath.Join(pkgsDir, p.Pubspec.Name)
	if err := os.Symlink(filepath.Join(p.Root, "lib"), self); err != nil && !os.IsExist(err) {
		return 0, errors.Wrap(err, "creating self link")
	}

	return CountChanged(changes), nil
}

// materialize places one resolved package under packages/. Caching
// sources populate the system cache first and get a symlink to the
// entry's lib directory; path sources install themselves.
func (p *Project) materialize(ctx context.Context, id cellar.PackageID) error {
	src, err := p.ctx.Registry.Get(id.Ref.Source)
	if err != nil {
		return err
	}
	dest := filepath.Join(p.PackagesDir(), id.Ref.Name)

	if !src.ShouldCache() {
		ok, err := src.Get(ctx, id, dest)
		if err != nil {
			return err
		}
		if !ok {
			return &cellar.PackageNotFoundError{Name: id.Ref.Name, Source: id.Ref.Source,
				Detail: "the package disappeared between solving and installing"}
		}
		return nil
	}

	pkg, err := p.ctx.Cache.Download(ctx, id)
	if err != nil {
		return err
	}

	lib := filepath.Join(pkg.Dir, "lib")
	if fi, err := os.Stat(lib); err != nil || !fi.IsDir() {
		// A package without lib exposes nothing; skip silently.
		return nil
	}
	return errors.Wrapf(os.Symlink(lib, dest), "linking %s", id.Ref.Name)
}

// EnsureUpToDate is the short-circuit entry: when the lockfile still
// satisfies the pubspec and everything it names is materialized, nothing
// runs; otherwise the full pipeline does. The returned count is zero on
// the fast path.
func (p *Project) EnsureUpToDate(ctx context.Context) (int, error) {
	if p.lockIsFresh() && p.packagesAreMaterialized() {
		return 0, nil
	}
	return p.AcquireDependencies(ctx, AcquireOptions{})
}

// lockIsFresh checks every direct dependency (dev included - this is the
// root) against the lock: present, same source, description-equal, and the
// locked version allowed.
func (p *Project) lockIsFresh() bool {
	if p.Lock == nil {
		return false
	}

	deps := append(append([]cellar.Dependency(nil), p.Pubspec.Dependencies...), p.Pubspec.DevDependencies...)
	for _, dep := range deps {
		locked, has := p.Lock.Packages[dep.Ref.Name]
		if !has {
			return false
		}
		if locked.Ref.Source != dep.Ref.Source {
			return false
		}
		src, err := p.ctx.Registry.Get(dep.Ref.Source)
		if err != nil {
			return false
		}
		if !src.DescriptionsEqual(locked.Ref.Description, dep.Ref.Description) {
			return false
		}
		if !dep.Constraint.Allows(locked.Version) {
			return false
		}
	}
	return true
}

func (p *Project) packagesAreMaterialized() bool {
	for name, id := range p.Lock.Packages {
		src, err := p.ctx.Registry.Get(id.Ref.Source)
		if err != nil {
			return false
		}
		if src.ShouldCache() {
			dir, err := src.Directory(id)
			if err != nil {
				return false
			}
			if _, err := os.Stat(dir); err != nil {
				return false
			}
		}
		if _, err := os.Lstat(filepath.Join(p.PackagesDir(), name)); err != nil {
			// A cached package with no lib directory legitimately has no
			// link; recheck against the cache entry.
			if !src.ShouldCache() {
				return false
			}
			dir, derr := src.Directory(id)
			if derr != nil {
				return false
			}
			if fi, serr := os.Stat(filepath.Join(dir, "lib")); serr == nil && fi.IsDir() {
				return false
			}
		}
	}
	return true
}
