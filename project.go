// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tavern

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/tapted/tavern/cellar"
)

var errProjectNotFound = errors.Errorf("could not find a project; no %s in this or any parent directory", cellar.PubspecName)

// A Project is the entrypoint's view of the root package: its directory,
// parsed pubspec, and prior lockfile when one exists.
type Project struct {
	// Root is the absolute path to the project root directory.
	Root string

	Pubspec *cellar.Pubspec
	Lock    *LockFile

	ctx *Ctx
}

// findProjectRoot searches from the starting directory upwards looking for
// a pubspec until the root of the filesystem.
func findProjectRoot(from string) (string, error) {
	for {
		mp := filepath.Join(from, cellar.PubspecName)

		_, err := os.Stat(mp)
		if err == nil {
			return from, nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}

		parent := filepath.Dir(from)
		if parent == from {
			return "", errProjectNotFound
		}
		from = parent
	}
}

// LoadProject locates and loads the project containing dir, along with its
// lockfile if one exists.
func (c *Ctx) LoadProject(dir string) (*Project, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	root, err := findProjectRoot(abs)
	if err != nil {
		return nil, err
	}

	ps, err := cellar.LoadPubspec(root, c.Registry)
	if err != nil {
		return nil, err
	}

	lock, err := ReadLockFile(filepath.Join(root, LockFileName), root, c.Registry)
	if err != nil {
		return nil, err
	}

	return &Project{
		Root:    root,
		Pubspec: ps,
		Lock:    lock,
		ctx:     c,
	}, nil
}

// PackagesDir is where resolved packages are linked into the project.
func (p *Project) PackagesDir() string {
	return filepath.Join(p.Root, "packages")
}

// LockFilePath is the project's lockfile location.
func (p *Project) LockFilePath() string {
	return filepath.Join(p.Root, LockFileName)
}

// lockedIDs is the lock as the solver wants it, or an empty map.
func (p *Project) lockedIDs() map[string]cellar.PackageID {
	if p.Lock == nil {
		return map[string]cellar.PackageID{}
	}
	return p.Lock.Packages
}
