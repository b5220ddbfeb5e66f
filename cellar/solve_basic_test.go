package cellar

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// depspec is one package the fake source can serve: "name version" plus
// its dependency declarations.
type depspec struct {
	name    string
	version Version
	sdk     Constraint
	deps    []Dependency
	devdeps []Dependency
}

// nsvSplit splits "name version" and panics on malformed fixture data.
func nsvSplit(info string) (name, version string) {
	s := strings.SplitN(info, " ", 2)
	if len(s) < 2 {
		panic(fmt.Sprintf("malformed name/version info string %q", info))
	}
	return s[0], s[1]
}

// dsv makes a depspec: the first string is "name version" of the package,
// the rest are dependencies as "name constraint", with a "(dev) " prefix
// for dev dependencies and an "(sdk) " prefix for the sdk constraint.
func dsv(pi string, deps ...string) depspec {
	name, v := nsvSplit(pi)
	ds := depspec{
		name:    name,
		version: mustVersion(v),
	}

	for _, dep := range deps {
		if body, ok := strings.CutPrefix(dep, "(sdk) "); ok {
			ds.sdk = MustParseConstraint(body)
			continue
		}

		var sl *[]Dependency
		if body, ok := strings.CutPrefix(dep, "(dev) "); ok {
			dep = body
			sl = &ds.devdeps
		} else {
			sl = &ds.deps
		}

		dname, dbody := nsvSplit(dep)
		*sl = append(*sl, Dependency{
			Ref:        PackageRef{Name: dname, Source: "mem", Description: dname},
			Constraint: MustParseConstraint(dbody),
		})
	}
	return ds
}

// memSource serves depspecs from memory. It satisfies the full Source
// contract so solver and cache tests run against the real machinery.
type memSource struct {
	specs []depspec

	// downloads counts DownloadToCache calls, for single-flight tests.
	downloads map[string]int

	// block, when non-nil, is closed to release in-flight downloads.
	block chan struct{}

	// started, when non-nil, is closed once the first download begins.
	started   chan struct{}
	startOnce sync.Once

	mu sync.Mutex
}

func newMemSource(specs ...depspec) *memSource {
	return &memSource{specs: specs, downloads: make(map[string]int)}
}

func (m *memSource) Name() string      { return "mem" }
func (m *memSource) ShouldCache() bool { return true }

func (m *memSource) ParseDescription(containingDir string, raw interface{}, fromLock bool) (interface{}, error) {
	s, ok := raw.(string)
	if !ok {
		return nil, &ParseError{What: "mem description", Raw: fmt.Sprint(raw)}
	}
	return s, nil
}

func (m *memSource) SerializeDescription(containingDir string, desc interface{}) (interface{}, error) {
	return desc, nil
}

func (m *memSource) DescriptionsEqual(a, b interface{}) bool { return a == b }

func (m *memSource) HashDescription(desc interface{}) uint64 {
	return xxhash.Sum64String(fmt.Sprint(desc))
}

func (m *memSource) find(name string, v Version) *depspec {
	for i := range m.specs {
		if m.specs[i].name == name && m.specs[i].version.Equal(v) {
			return &m.specs[i]
		}
	}
	return nil
}

func (m *memSource) pubspecOf(ds *depspec) *Pubspec {
	return &Pubspec{
		Name:            ds.name,
		Version:         ds.version,
		SDK:             ds.sdk,
		Dependencies:    ds.deps,
		DevDependencies: ds.devdeps,
	}
}

func (m *memSource) Describe(ctx context.Context, id PackageID) (*Pubspec, error) {
	ds := m.find(id.Ref.Name, id.Version)
	if ds == nil {
		return nil, &PackageNotFoundError{Name: id.Ref.Name, Source: m.Name(),
			Detail: fmt.Sprintf("no version %s", id.Version)}
	}
	return m.pubspecOf(ds), nil
}

func (m *memSource) ListVersions(ctx context.Context, ref PackageRef) ([]Version, error) {
	var out []Version
	for _, ds := range m.specs {
		if ds.name == ref.Name {
			out = append(out, ds.version)
		}
	}
	if len(out) == 0 {
		return nil, &PackageNotFoundError{Name: ref.Name, Source: m.Name(), Detail: "unknown package"}
	}
	return out, nil
}

func (m *memSource) DownloadToCache(ctx context.Context, id PackageID) (*Package, error) {
	m.mu.Lock()
	m.downloads[id.String()]++
	m.mu.Unlock()
	if m.started != nil {
		m.startOnce.Do(func() { close(m.started) })
	}
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	ds := m.find(id.Ref.Name, id.Version)
	if ds == nil {
		return nil, &PackageNotFoundError{Name: id.Ref.Name, Source: m.Name(),
			Detail: fmt.Sprintf("no version %s", id.Version)}
	}
	return &Package{Pubspec: m.pubspecOf(ds), Dir: "/mem/" + id.String()}, nil
}

func (m *memSource) Get(ctx context.Context, id PackageID, dest string) (bool, error) {
	return false, InvalidArgumentError("mem packages install through the system cache")
}

func (m *memSource) Directory(id PackageID) (string, error) {
	return "/mem/" + id.String(), nil
}

func (m *memSource) ResolveID(ctx context.Context, id PackageID) (PackageID, error) {
	return id, nil
}

// basicFixture is one solver scenario.
type basicFixture struct {
	n string
	// first spec is the root package
	ds []depspec
	// expected (name → version); nil means the solve must fail
	r map[string]string
	// substring the failure must mention
	errp string
	// lock seeds, as "name version"
	lock []string
	// upgrade controls
	latest     []string
	upgradeAll bool
	// active sdk version; empty means unknown
	sdk string
}

func mklock(specs ...string) map[string]PackageID {
	out := make(map[string]PackageID, len(specs))
	for _, s := range specs {
		name, v := nsvSplit(s)
		out[name] = PackageID{
			Ref:     PackageRef{Name: name, Source: "mem", Description: name},
			Version: mustVersion(v),
		}
	}
	return out
}

var basicFixtures = []basicFixture{
	{
		n: "no dependencies",
		ds: []depspec{
			dsv("root 0.0.0"),
		},
		r: map[string]string{},
	},
	{
		n: "simple dependency tree",
		ds: []depspec{
			dsv("root 0.0.0", "a ^1.0.0", "b ^1.0.0"),
			dsv("a 1.0.0", "aa 1.0.0", "ab 1.0.0"),
			dsv("aa 1.0.0"),
			dsv("ab 1.0.0"),
			dsv("b 1.0.0", "ba 1.0.0", "bb 1.0.0"),
			dsv("ba 1.0.0"),
			dsv("bb 1.0.0"),
		},
		r: map[string]string{
			"a": "1.0.0", "aa": "1.0.0", "ab": "1.0.0",
			"b": "1.0.0", "ba": "1.0.0", "bb": "1.0.0",
		},
	},
	{
		n: "shared dependency with overlapping constraints",
		ds: []depspec{
			dsv("root 0.0.0", "a 1.0.0", "b 1.0.0"),
			dsv("a 1.0.0", "shared >=2.0.0 <4.0.0"),
			dsv("b 1.0.0", "shared >=3.0.0 <5.0.0"),
			dsv("shared 2.0.0"),
			dsv("shared 3.0.0"),
			dsv("shared 3.6.9"),
			dsv("shared 4.0.0"),
			dsv("shared 5.0.0"),
		},
		r: map[string]string{
			"a": "1.0.0", "b": "1.0.0", "shared": "3.6.9",
		},
	},
	{
		n: "newest version picked",
		ds: []depspec{
			dsv("root 0.0.0", "foo ^1.0.0"),
			dsv("foo 1.0.0"),
			dsv("foo 1.1.0"),
			dsv("foo 2.0.0"),
		},
		r: map[string]string{"foo": "1.1.0"},
	},
	{
		n: "backtracks to older version on disjoint shared dep",
		ds: []depspec{
			dsv("root 0.0.0", "foo any", "bar any"),
			dsv("foo 2.0.0", "baz ^2.0.0"),
			dsv("foo 1.0.0", "baz ^1.0.0"),
			dsv("bar 1.0.0", "baz ^1.0.0"),
			dsv("baz 2.0.0"),
			dsv("baz 1.1.0"),
			dsv("baz 1.0.0"),
		},
		r: map[string]string{"foo": "1.0.0", "bar": "1.0.0", "baz": "1.1.0"},
	},
	{
		n: "unsolvable disjoint constraints",
		ds: []depspec{
			dsv("root 0.0.0", "foo any", "bar any"),
			dsv("foo 1.0.0", "baz ^1.0.0"),
			dsv("bar 1.0.0", "baz ^2.0.0"),
			dsv("baz 1.0.0"),
			dsv("baz 2.0.0"),
		},
		errp: "baz",
	},
	{
		n: "lock preserved when satisfying",
		ds: []depspec{
			dsv("root 0.0.0", "foo ^1.0.0"),
			dsv("foo 1.0.0"),
			dsv("foo 1.1.0"),
		},
		lock: []string{"foo 1.0.0"},
		r:    map[string]string{"foo": "1.0.0"},
	},
	{
		n: "lock ignored when constraint moved on",
		ds: []depspec{
			dsv("root 0.0.0", "foo ^2.0.0"),
			dsv("foo 1.0.0"),
			dsv("foo 2.0.0"),
		},
		lock: []string{"foo 1.0.0"},
		r:    map[string]string{"foo": "2.0.0"},
	},
	{
		n: "upgradeAll ignores lock",
		ds: []depspec{
			dsv("root 0.0.0", "foo ^1.0.0"),
			dsv("foo 1.0.0"),
			dsv("foo 1.1.0"),
		},
		lock:       []string{"foo 1.0.0"},
		upgradeAll: true,
		r:          map[string]string{"foo": "1.1.0"},
	},
	{
		n: "useLatest unlocks only named packages",
		ds: []depspec{
			dsv("root 0.0.0", "foo ^1.0.0", "bar ^1.0.0"),
			dsv("foo 1.0.0"),
			dsv("foo 1.1.0"),
			dsv("bar 1.0.0"),
			dsv("bar 1.1.0"),
		},
		lock:   []string{"foo 1.0.0", "bar 1.0.0"},
		latest: []string{"foo"},
		r:      map[string]string{"foo": "1.1.0", "bar": "1.0.0"},
	},
	{
		n: "root dev dependencies constrain the graph",
		ds: []depspec{
			dsv("root 0.0.0", "foo ^1.0.0", "(dev) bar ^1.0.0"),
			dsv("foo 1.0.0"),
			dsv("bar 1.0.0"),
		},
		r: map[string]string{"foo": "1.0.0", "bar": "1.0.0"},
	},
	{
		n: "transitive dev dependencies ignored",
		ds: []depspec{
			dsv("root 0.0.0", "foo ^1.0.0"),
			dsv("foo 1.0.0", "(dev) bar ^1.0.0"),
			// bar does not exist; ignoring foo's dev deps is what makes
			// this solvable.
		},
		r: map[string]string{"foo": "1.0.0"},
	},
	{
		n: "sdk constraint skips incompatible candidate",
		ds: []depspec{
			dsv("root 0.0.0", "foo any"),
			dsv("foo 2.0.0", "(sdk) ^2.0.0"),
			dsv("foo 1.0.0", "(sdk) ^1.0.0"),
		},
		sdk: "1.4.0",
		r:   map[string]string{"foo": "1.0.0"},
	},
	{
		n: "sdk constraint unsolvable",
		ds: []depspec{
			dsv("root 0.0.0", "foo any"),
			dsv("foo 1.0.0", "(sdk) ^2.0.0"),
		},
		sdk:  "1.4.0",
		errp: "SDK",
	},
	{
		n: "root sdk constraint fails fast",
		ds: []depspec{
			dsv("root 0.0.0", "(sdk) ^2.0.0"),
		},
		sdk:  "1.4.0",
		errp: "SDK",
	},
	{
		n: "unknown dependency fails",
		ds: []depspec{
			dsv("root 0.0.0", "missing any"),
		},
		errp: "missing",
	},
	{
		n: "deeper backtracking across two levels",
		ds: []depspec{
			dsv("root 0.0.0", "a any", "b any"),
			dsv("a 2.0.0", "c ^2.0.0"),
			dsv("a 1.0.0", "c ^1.0.0"),
			dsv("b 2.0.0", "c >=1.5.0 <2.0.0"),
			dsv("b 1.0.0", "c ^1.0.0"),
			dsv("c 2.0.0"),
			dsv("c 1.5.0"),
			dsv("c 1.0.0"),
		},
		r: map[string]string{"a": "1.0.0", "b": "2.0.0", "c": "1.5.0"},
	},
}

func solveFixture(t *testing.T, fix basicFixture) (*SolveResult, error) {
	t.Helper()

	src := newMemSource(fix.ds[1:]...)
	reg := NewRegistry("mem")
	require.NoError(t, reg.Register(src))

	rootSpec := fix.ds[0]
	args := SolveArgs{
		Root: &Package{
			Pubspec: src.pubspecOf(&rootSpec),
			Dir:     "/dev/null",
			Root:    true,
		},
		UseLatest:  fix.latest,
		UpgradeAll: fix.upgradeAll,
	}
	if fix.lock != nil {
		args.Lock = mklock(fix.lock...)
	}
	if fix.sdk != "" {
		args.SDK = SDKInfo{Version: mustVersion(fix.sdk), Known: true}
	}

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return Solve(context.Background(), reg, log, args)
}

func TestBasicSolves(t *testing.T) {
	for _, fix := range basicFixtures {
		t.Run(fix.n, func(t *testing.T) {
			result, err := solveFixture(t, fix)

			if fix.r == nil {
				require.Error(t, err)
				if fix.errp != "" {
					assert.Contains(t, err.Error(), fix.errp)
				}
				return
			}

			require.NoError(t, err)
			require.NotNil(t, result)

			got := make(map[string]string, len(result.Packages))
			for _, id := range result.Packages {
				got[id.Ref.Name] = id.Version.String()
			}
			assert.Equal(t, fix.r, got)
			assert.GreaterOrEqual(t, result.Attempts, 1)
		})
	}
}

// Solver soundness: every constraint any member places on another is
// satisfied by the chosen version.
func TestSolveResultIsSound(t *testing.T) {
	for _, fix := range basicFixtures {
		if fix.r == nil {
			continue
		}
		t.Run(fix.n, func(t *testing.T) {
			result, err := solveFixture(t, fix)
			require.NoError(t, err)

			chosen := make(map[string]Version)
			for _, id := range result.Packages {
				chosen[id.Ref.Name] = id.Version
			}

			check := func(owner string, deps []Dependency) {
				for _, dep := range deps {
					v, has := chosen[dep.Ref.Name]
					require.True(t, has, "%s depends on %s which was not selected", owner, dep.Ref.Name)
					assert.True(t, dep.Constraint.Allows(v),
						"%s constrains %s to %s but %s was chosen", owner, dep.Ref.Name, dep.Constraint, v)
				}
			}

			root := fix.ds[0]
			check(root.name, root.deps)
			check(root.name, root.devdeps)
			for _, ds := range fix.ds[1:] {
				if v, has := chosen[ds.name]; has && v.Equal(ds.version) {
					check(ds.name, ds.deps)
				}
			}
		})
	}
}

// Determinism: repeated runs against a frozen registry produce identical
// selections in identical order.
func TestSolveIsDeterministic(t *testing.T) {
	fix := basicFixtures[4] // the backtracking fixture

	first, err := solveFixture(t, fix)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		again, err := solveFixture(t, fix)
		require.NoError(t, err)
		require.Equal(t, len(first.Packages), len(again.Packages))
		for k := range first.Packages {
			assert.Equal(t, first.Packages[k].Ref.Name, again.Packages[k].Ref.Name)
			assert.True(t, first.Packages[k].Version.Equal(again.Packages[k].Version))
		}
	}
}

func TestSolveSourceMismatch(t *testing.T) {
	// a and b want shared from different mem descriptions.
	src := newMemSource(
		dsv("a 1.0.0"),
		dsv("b 1.0.0"),
		dsv("shared 1.0.0"),
	)
	// Manufacture the mismatch directly: a's dep description differs.
	src.specs[0].deps = []Dependency{{
		Ref:        PackageRef{Name: "shared", Source: "mem", Description: "shared-from-elsewhere"},
		Constraint: Any(),
	}}
	src.specs[1].deps = []Dependency{{
		Ref:        PackageRef{Name: "shared", Source: "mem", Description: "shared"},
		Constraint: Any(),
	}}

	reg := NewRegistry("mem")
	require.NoError(t, reg.Register(src))

	root := &Pubspec{
		Name: "root",
		Dependencies: []Dependency{
			{Ref: PackageRef{Name: "a", Source: "mem", Description: "a"}, Constraint: Any()},
			{Ref: PackageRef{Name: "b", Source: "mem", Description: "b"}, Constraint: Any()},
		},
	}

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	_, err := Solve(context.Background(), reg, log, SolveArgs{
		Root: &Package{Pubspec: root, Root: true},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shared")
}
