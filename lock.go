// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tavern

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/tapted/tavern/cellar"
)

// LockFileName is the lockfile every resolved project carries at its root.
const LockFileName = "pubspec.lock"

// LockFileCorruptError reports a lockfile referencing a missing source or
// carrying malformed entries. Loading is strict; a corrupt lock never
// degrades into a partial one.
type LockFileCorruptError struct {
	Reason string
	Err    error
}

func (e *LockFileCorruptError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("lockfile is corrupt: %s: %s", e.Reason, e.Err)
	}
	return fmt.Sprintf("lockfile is corrupt: %s", e.Reason)
}

func (e *LockFileCorruptError) Unwrap() error { return e.Err }

// A LockFile is the persisted selection from the last successful resolve:
// one concrete PackageID per non-root member of the solved graph, plus the
// root's SDK constraint.
type LockFile struct {
	Packages map[string]cellar.PackageID

	// SDK is the root pubspec's sdk constraint body, or empty.
	SDK string
}

type rawLockFile struct {
	Packages map[string]rawLockedPackage `yaml:"packages"`
	SDK      string                      `yaml:"sdk,omitempty"`
}

type rawLockedPackage struct {
	Description interface{} `yaml:"description"`
	Source      string      `yaml:"source"`
	Version     string      `yaml:"version"`
}

// ReadLockFile loads path, returning (nil, nil) when no lockfile exists.
func ReadLockFile(path, projectRoot string, reg *cellar.Registry) (*LockFile, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	return ParseLockFile(data, projectRoot, reg)
}

// ParseLockFile deserializes a lockfile document. Descriptions must be in
// canonical map form; anything else is corruption, not convenience.
func ParseLockFile(data []byte, projectRoot string, reg *cellar.Registry) (*LockFile, error) {
	var raw rawLockFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &LockFileCorruptError{Reason: "not a valid document", Err: err}
	}

	lf := &LockFile{
		Packages: make(map[string]cellar.PackageID, len(raw.Packages)),
		SDK:      raw.SDK,
	}

	for name, entry := range raw.Packages {
		if entry.Source == "" {
			return nil, &LockFileCorruptError{Reason: fmt.Sprintf("package %q has no source", name)}
		}
		if !reg.Contains(entry.Source) {
			return nil, &LockFileCorruptError{Reason: fmt.Sprintf("package %q references unknown source %q", name, entry.Source)}
		}
		src, err := reg.Get(entry.Source)
		if err != nil {
			return nil, &LockFileCorruptError{Reason: fmt.Sprintf("package %q", name), Err: err}
		}

		if entry.Version == "" {
			return nil, &LockFileCorruptError{Reason: fmt.Sprintf("package %q has no version", name)}
		}
		v, err := cellar.NewVersion(entry.Version)
		if err != nil {
			return nil, &LockFileCorruptError{Reason: fmt.Sprintf("package %q version", name), Err: err}
		}

		if entry.Description == nil {
			return nil, &LockFileCorruptError{Reason: fmt.Sprintf("package %q has no description", name)}
		}
		desc, err := src.ParseDescription(projectRoot, entry.Description, true)
		if err != nil {
			return nil, &LockFileCorruptError{Reason: fmt.Sprintf("package %q description", name), Err: err}
		}

		lf.Packages[name] = cellar.PackageID{
			Ref: cellar.PackageRef{
				Name:        name,
				Source:      entry.Source,
				Description: desc,
			},
			Version: v,
		}
	}

	return lf, nil
}

// Marshal serializes the lockfile in its stable text form: one block per
// package, ordered by name.
func (lf *LockFile) Marshal(projectRoot string, reg *cellar.Registry) ([]byte, error) {
	raw := rawLockFile{
		Packages: make(map[string]rawLockedPackage, len(lf.Packages)),
		SDK:      lf.SDK,
	}

	for name, id := range lf.Packages {
		src, err := reg.Get(id.Ref.Source)
		if err != nil {
			return nil, err
		}
		desc, err := src.SerializeDescription(projectRoot, id.Ref.Description)
		if err != nil {
			return nil, err
		}
		raw.Packages[name] = rawLockedPackage{
			Description: desc,
			Source:      id.Ref.Source,
			Version:     id.Version.String(),
		}
	}

	return yaml.Marshal(raw)
}
