// Copyright 2016 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tavern

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapted/tavern/cellar"
)

func newTestCtx(t *testing.T) *Ctx {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	ctx, err := NewContext(Config{
		CacheRoot:        t.TempDir(),
		DefaultHostedURL: "https://pub.example.com",
	}, log)
	require.NoError(t, err)
	return ctx
}

func mustV(t *testing.T, body string) cellar.Version {
	t.Helper()
	v, err := cellar.NewVersion(body)
	require.NoError(t, err)
	return v
}

func TestLockFileRoundTrip(t *testing.T) {
	ctx := newTestCtx(t)

	lf := &LockFile{
		SDK: ">=1.0.0 <2.0.0",
		Packages: map[string]cellar.PackageID{
			"alpha": {
				Ref: cellar.PackageRef{Name: "alpha", Source: "hosted",
					Description: cellar.HostedDescription{Name: "alpha", URL: "https://pub.example.com"}},
				Version: mustV(t, "1.2.3"),
			},
			"bravo": {
				Ref: cellar.PackageRef{Name: "bravo", Source: "git",
					Description: cellar.GitDescription{URL: "https://example.com/bravo.git", Ref: "main",
						ResolvedRef: "0123456789abcdef0123456789abcdef01234567"}},
				Version: mustV(t, "0.4.0"),
			},
			"charlie": {
				Ref: cellar.PackageRef{Name: "charlie", Source: "path",
					Description: cellar.PathDescription{Path: "/elsewhere/charlie"}},
				Version: mustV(t, "0.0.0"),
			},
		},
	}

	data, err := lf.Marshal("/proj", ctx.Registry)
	require.NoError(t, err)

	parsed, err := ParseLockFile(data, "/proj", ctx.Registry)
	require.NoError(t, err)

	assert.Equal(t, lf.SDK, parsed.SDK)
	require.Len(t, parsed.Packages, 3)
	for name, want := range lf.Packages {
		got, has := parsed.Packages[name]
		require.True(t, has, "round trip lost %s", name)
		assert.True(t, ctx.Registry.IDsEqual(want, got), "round trip changed %s", name)
	}

	// Serialization is stable: marshal of the parse equals the original.
	again, err := parsed.Marshal("/proj", ctx.Registry)
	require.NoError(t, err)
	assert.Equal(t, string(data), string(again))
}

func TestParseLockFileCorrupt(t *testing.T) {
	ctx := newTestCtx(t)

	cases := map[string]string{
		"unknown source": `
packages:
  foo:
    description: {name: foo, url: "https://pub.example.com"}
    source: warehouse
    version: "1.0.0"
`,
		"missing source": `
packages:
  foo:
    description: {name: foo, url: "https://pub.example.com"}
    version: "1.0.0"
`,
		"missing version": `
packages:
  foo:
    description: {name: foo, url: "https://pub.example.com"}
    source: hosted
`,
		"bad version": `
packages:
  foo:
    description: {name: foo, url: "https://pub.example.com"}
    source: hosted
    version: "banana"
`,
		"missing description": `
packages:
  foo:
    source: hosted
    version: "1.0.0"
`,
		"non-canonical description": `
packages:
  foo:
    description: foo
    source: hosted
    version: "1.0.0"
`,
		"git without resolved-ref": `
packages:
  foo:
    description: {url: "https://example.com/foo.git", ref: main}
    source: git
    version: "1.0.0"
`,
		"not yaml": "\t{{{",
	}

	for label, doc := range cases {
		_, err := ParseLockFile([]byte(doc), "/proj", ctx.Registry)
		require.Error(t, err, label)
		var corrupt *LockFileCorruptError
		assert.ErrorAs(t, err, &corrupt, label)
	}
}

func TestReadLockFileMissingIsNil(t *testing.T) {
	ctx := newTestCtx(t)
	lf, err := ReadLockFile(t.TempDir()+"/pubspec.lock", "/proj", ctx.Registry)
	require.NoError(t, err)
	assert.Nil(t, lf)
}
