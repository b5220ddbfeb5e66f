package cellar

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePackage(t *testing.T, dir, name, version string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "lib"), 0755))
	body := "name: " + name + "\n"
	if version != "" {
		body += "version: " + version + "\n"
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, PubspecName), []byte(body), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lib", name+".src"), []byte("// "+name), 0644))
}

func pathRef(name, dir string) PackageRef {
	return PackageRef{Name: name, Source: "path", Description: PathDescription{Path: dir}}
}

func TestPathListVersions(t *testing.T) {
	reg, _ := newTestRegistry(t)
	src, err := reg.Get("path")
	require.NoError(t, err)

	dir := t.TempDir()
	writePackage(t, dir, "local", "0.3.0")

	vs, err := src.ListVersions(context.Background(), pathRef("local", dir))
	require.NoError(t, err)
	require.Len(t, vs, 1)
	assert.True(t, vs[0].Equal(mustVersion("0.3.0")))

	// A version-less pubspec yields the synthetic 0.0.0.
	bare := t.TempDir()
	writePackage(t, bare, "bare", "")
	vs, err = src.ListVersions(context.Background(), pathRef("bare", bare))
	require.NoError(t, err)
	require.Len(t, vs, 1)
	assert.True(t, vs[0].Equal(mustVersion("0.0.0")))
}

func TestPathMissingTarget(t *testing.T) {
	reg, _ := newTestRegistry(t)
	src, err := reg.Get("path")
	require.NoError(t, err)

	var nf *PackageNotFoundError

	_, err = src.ListVersions(context.Background(), pathRef("ghost", filepath.Join(t.TempDir(), "nope")))
	require.ErrorAs(t, err, &nf)

	// A directory without a pubspec is just as missing.
	empty := t.TempDir()
	_, err = src.ListVersions(context.Background(), pathRef("empty", empty))
	require.ErrorAs(t, err, &nf)
}

func TestPathDescriptionsEqualResolvesSymlinks(t *testing.T) {
	reg, _ := newTestRegistry(t)
	src, err := reg.Get("path")
	require.NoError(t, err)

	real := t.TempDir()
	writePackage(t, real, "local", "1.0.0")

	linkParent := t.TempDir()
	link := filepath.Join(linkParent, "alias")
	require.NoError(t, os.Symlink(real, link))

	a := PathDescription{Path: real}
	b := PathDescription{Path: link}
	assert.True(t, src.DescriptionsEqual(a, b), "a symlinked spelling of the same directory must unify")
	assert.Equal(t, src.HashDescription(a), src.HashDescription(b))

	other := t.TempDir()
	assert.False(t, src.DescriptionsEqual(a, PathDescription{Path: other}))
}

func TestPathParseAndSerialize(t *testing.T) {
	reg, _ := newTestRegistry(t)
	src, err := reg.Get("path")
	require.NoError(t, err)

	desc, err := src.ParseDescription("/proj/app", "../shared", false)
	require.NoError(t, err)
	pd := desc.(PathDescription)
	assert.True(t, pd.Relative)
	assert.Equal(t, filepath.Clean("/proj/shared"), pd.Path)

	raw, err := src.SerializeDescription("/proj/app", desc)
	require.NoError(t, err)
	m := raw.(map[string]interface{})
	assert.Equal(t, "../shared", m["path"])
	assert.Equal(t, true, m["relative"])

	back, err := src.ParseDescription("/proj/app", raw, true)
	require.NoError(t, err)
	assert.True(t, src.DescriptionsEqual(desc, back))

	_, err = src.ParseDescription("/proj/app", "../shared", true)
	assert.Error(t, err, "lockfile descriptions must be maps")
}

func TestPathGetLinksLib(t *testing.T) {
	reg, _ := newTestRegistry(t)
	src, err := reg.Get("path")
	require.NoError(t, err)

	pkgDir := t.TempDir()
	writePackage(t, pkgDir, "local", "1.0.0")

	dest := filepath.Join(t.TempDir(), "local")
	id := PackageID{Ref: pathRef("local", pkgDir), Version: mustVersion("1.0.0")}

	ok, err := src.Get(context.Background(), id, dest)
	require.NoError(t, err)
	require.True(t, ok)

	target, err := os.Readlink(dest)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(pkgDir, "lib"), target)

	// A vanished target reports false, the pipeline's hard-failure signal.
	gone := PackageID{Ref: pathRef("gone", filepath.Join(pkgDir, "missing")), Version: mustVersion("1.0.0")}
	ok, err = src.Get(context.Background(), gone, filepath.Join(t.TempDir(), "gone"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTarballStripsTopLevelDir(t *testing.T) {
	archive := makeTarGz(t, "pkg-1.0.0", map[string]string{
		"pubspec.yaml": "name: pkg\nversion: 1.0.0\n",
		"lib/pkg.src":  "// pkg",
	})

	dest := t.TempDir()
	require.NoError(t, extractTarGz(bytes.NewReader(archive), dest))

	_, err := os.Stat(filepath.Join(dest, "pubspec.yaml"))
	require.NoError(t, err, "top-level directory should be stripped")
	_, err = os.Stat(filepath.Join(dest, "lib", "pkg.src"))
	require.NoError(t, err)
}

func TestTarballWithoutTopLevelDir(t *testing.T) {
	archive := makeTarGz(t, "", map[string]string{
		"pubspec.yaml": "name: pkg\n",
		"lib/pkg.src":  "// pkg",
	})

	dest := t.TempDir()
	require.NoError(t, extractTarGz(bytes.NewReader(archive), dest))

	_, err := os.Stat(filepath.Join(dest, "pubspec.yaml"))
	require.NoError(t, err)
}
