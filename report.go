// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tavern

import (
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/tapted/tavern/cellar"
)

// ChangeKind classifies how a package moved between two locks.
type ChangeKind int

const (
	Unchanged ChangeKind = iota
	Added
	Removed
	Upgraded
	Downgraded
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Removed:
		return "removed"
	case Upgraded:
		return "upgraded"
	case Downgraded:
		return "downgraded"
	default:
		return "unchanged"
	}
}

// A Change is one package's movement between the previous lock and a new
// resolution.
type Change struct {
	Name string
	Kind ChangeKind
	Old  *cellar.PackageID
	New  *cellar.PackageID
}

// DiffLocks compares the previous lockfile (possibly nil) with the newly
// solved set and classifies every package, sorted by name.
func DiffLocks(old *LockFile, ids []cellar.PackageID) []Change {
	newByName := make(map[string]cellar.PackageID, len(ids))
	for _, id := range ids {
		newByName[id.Ref.Name] = id
	}

	names := make(map[string]bool)
	if old != nil {
		for name := range old.Packages {
			names[name] = true
		}
	}
	for name := range newByName {
		names[name] = true
	}

	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	var changes []Change
	for _, name := range sorted {
		var oldID *cellar.PackageID
		if old != nil {
			if id, has := old.Packages[name]; has {
				oldID = &id
			}
		}
		var newID *cellar.PackageID
		if id, has := newByName[name]; has {
			newID = &id
		}

		ch := Change{Name: name, Old: oldID, New: newID}
		switch {
		case oldID == nil:
			ch.Kind = Added
		case newID == nil:
			ch.Kind = Removed
		case oldID.Version.LessThan(newID.Version):
			ch.Kind = Upgraded
		case newID.Version.LessThan(oldID.Version):
			ch.Kind = Downgraded
		default:
			ch.Kind = Unchanged
		}
		changes = append(changes, ch)
	}
	return changes
}

// CountChanged is the number of non-unchanged entries.
func CountChanged(changes []Change) int {
	n := 0
	for _, ch := range changes {
		if ch.Kind != Unchanged {
			n++
		}
	}
	return n
}

func logReport(log *logrus.Logger, changes []Change) {
	for _, ch := range changes {
		if ch.Kind == Unchanged {
			continue
		}
		fields := logrus.Fields{"package": ch.Name, "change": ch.Kind.String()}
		if ch.Old != nil {
			fields["from"] = ch.Old.Version.String()
		}
		if ch.New != nil {
			fields["to"] = ch.New.Version.String()
		}
		log.WithFields(fields).Info("Dependency changed")
	}
}
