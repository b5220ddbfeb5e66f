// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tavern

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/tapted/tavern/cellar"
)

// PackageGraph is the loaded view of a solved set: every member's pubspec
// plus adjacency by name. Edges are stored as names and resolved on
// lookup, so cyclic graphs never become reference cycles.
type PackageGraph struct {
	root     *cellar.Package
	packages map[string]*cellar.Package
}

// LoadPackageGraph materializes the graph described by the project's
// lockfile, reading each member's pubspec from wherever its source keeps
// the package.
func (p *Project) LoadPackageGraph() (*PackageGraph, error) {
	if p.Lock == nil {
		return nil, errors.New("project has no lockfile; run a resolve first")
	}

	g := &PackageGraph{
		root:     &cellar.Package{Pubspec: p.Pubspec, Dir: p.Root, Root: true},
		packages: make(map[string]*cellar.Package, len(p.Lock.Packages)+1),
	}
	g.packages[p.Pubspec.Name] = g.root

	for name, id := range p.Lock.Packages {
		src, err := p.ctx.Registry.Get(id.Ref.Source)
		if err != nil {
			return nil, err
		}
		dir, err := src.Directory(id)
		if err != nil {
			return nil, err
		}
		ps, err := cellar.LoadPubspec(dir, p.ctx.Registry)
		if err != nil {
			return nil, errors.Wrapf(err, "loading pubspec of locked package %s", name)
		}
		g.packages[name] = &cellar.Package{Pubspec: ps, Dir: dir}
	}

	return g, nil
}

// Package returns the member named name, or nil.
func (g *PackageGraph) Package(name string) *cellar.Package {
	return g.packages[name]
}

// DirectDependencies lists the members name depends on directly. Dev
// dependencies count only for the root.
func (g *PackageGraph) DirectDependencies(name string) []*cellar.Package {
	pkg := g.packages[name]
	if pkg == nil {
		return nil
	}

	var out []*cellar.Package
	for _, depName := range g.edgeNames(pkg) {
		if dep := g.packages[depName]; dep != nil {
			out = append(out, dep)
		}
	}
	return out
}

// TransitiveDependencies walks the closure below name. Traversal tracks
// visited names, so dependency cycles terminate.
func (g *PackageGraph) TransitiveDependencies(name string) []*cellar.Package {
	start := g.packages[name]
	if start == nil {
		return nil
	}

	visited := map[string]bool{name: true}
	queue := g.edgeNames(start)

	var names []string
	for len(queue) > 0 {
		var next string
		next, queue = queue[0], queue[1:]
		if visited[next] {
			continue
		}
		visited[next] = true

		pkg := g.packages[next]
		if pkg == nil {
			continue
		}
		names = append(names, next)
		queue = append(queue, g.edgeNames(pkg)...)
	}

	sort.Strings(names)
	out := make([]*cellar.Package, 0, len(names))
	for _, n := range names {
		out = append(out, g.packages[n])
	}
	return out
}

func (g *PackageGraph) edgeNames(pkg *cellar.Package) []string {
	deps := pkg.Pubspec.Dependencies
	if pkg.Root {
		deps = append(append([]cellar.Dependency(nil), deps...), pkg.Pubspec.DevDependencies...)
	}
	names := make([]string, 0, len(deps))
	for _, d := range deps {
		names = append(names, d.Ref.Name)
	}
	return names
}
