// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tavern

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackageGraph(t *testing.T) {
	workspace := t.TempDir()

	// app → a → b, and b depends back on a: a cycle the traversal must
	// survive.
	writePathPackage(t, filepath.Join(workspace, "b"), "b", "0.1.0",
		"dependencies:\n  a:\n    path: ../a\n")
	writePathPackage(t, filepath.Join(workspace, "a"), "a", "0.1.0",
		"dependencies:\n  b:\n    path: ../b\n")
	writePathPackage(t, filepath.Join(workspace, "app"), "app", "1.0.0",
		"dependencies:\n  a:\n    path: ../a\n")

	ctx := newTestCtx(t)
	project, err := ctx.LoadProject(filepath.Join(workspace, "app"))
	require.NoError(t, err)
	_, err = project.AcquireDependencies(context.Background(), AcquireOptions{})
	require.NoError(t, err)

	g, err := project.LoadPackageGraph()
	require.NoError(t, err)

	require.NotNil(t, g.Package("app"))
	require.NotNil(t, g.Package("a"))
	require.NotNil(t, g.Package("b"))
	assert.Nil(t, g.Package("ghost"))

	direct := g.DirectDependencies("app")
	require.Len(t, direct, 1)
	assert.Equal(t, "a", direct[0].Pubspec.Name)

	var names []string
	for _, pkg := range g.TransitiveDependencies("app") {
		names = append(names, pkg.Pubspec.Name)
	}
	assert.Equal(t, []string{"a", "b"}, names)

	// From inside the cycle, the closure still terminates. The start node
	// itself is not a member of its own closure.
	names = nil
	for _, pkg := range g.TransitiveDependencies("a") {
		names = append(names, pkg.Pubspec.Name)
	}
	assert.Equal(t, []string{"b"}, names)
}

func TestPackageGraphNeedsLock(t *testing.T) {
	workspace := t.TempDir()
	writePathPackage(t, filepath.Join(workspace, "app"), "app", "1.0.0", "")

	ctx := newTestCtx(t)
	project, err := ctx.LoadProject(filepath.Join(workspace, "app"))
	require.NoError(t, err)

	_, err = project.LoadPackageGraph()
	assert.Error(t, err)
}
