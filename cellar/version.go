package cellar

import (
	"sort"

	"github.com/Masterminds/semver/v3"
)

// Version is a single semantic version of a package: a (major, minor, patch)
// triple plus optional pre-release and build identifiers. Ordering is strict
// semver - pre-releases sort below their release - and equality ignores build
// metadata.
type Version struct {
	sv *semver.Version
}

var zeroVersion = mustVersion("0.0.0")

// NewVersion parses body as a semantic version.
func NewVersion(body string) (Version, error) {
	sv, err := semver.NewVersion(body)
	if err != nil {
		return Version{}, &ParseError{What: "version", Raw: body, Err: err}
	}
	return Version{sv: sv}, nil
}

func mustVersion(body string) Version {
	v, err := NewVersion(body)
	if err != nil {
		panic(err)
	}
	return v
}

func (v Version) String() string {
	if v.sv == nil {
		return ""
	}
	return v.sv.Original()
}

// IsZero reports whether v is the unparsed zero value, as distinct from the
// version 0.0.0.
func (v Version) IsZero() bool {
	return v.sv == nil
}

func (v Version) Major() uint64 { return v.sv.Major() }
func (v Version) Minor() uint64 { return v.sv.Minor() }
func (v Version) Patch() uint64 { return v.sv.Patch() }

func (v Version) IsPreRelease() bool {
	return v.sv.Prerelease() != ""
}

// Compare returns -1, 0 or 1 as v sorts below, equal to, or above o. Build
// metadata does not participate in precedence.
func (v Version) Compare(o Version) int {
	return v.sv.Compare(o.sv)
}

func (v Version) Equal(o Version) bool {
	if v.sv == nil || o.sv == nil {
		return v.sv == o.sv
	}
	return v.Compare(o) == 0
}

func (v Version) LessThan(o Version) bool {
	return v.Compare(o) < 0
}

// nextBreaking is the smallest version that is incompatible with v under
// caret semantics: the first non-zero element is incremented and everything
// after it zeroed.
func (v Version) nextBreaking() Version {
	switch {
	case v.Major() > 0:
		return Version{sv: semver.New(v.Major()+1, 0, 0, "", "")}
	case v.Minor() > 0:
		return Version{sv: semver.New(0, v.Minor()+1, 0, "", "")}
	default:
		return Version{sv: semver.New(0, 0, v.Patch()+1, "", "")}
	}
}

// sortVersionsDescending orders vs newest-first, in place.
func sortVersionsDescending(vs []Version) {
	sort.SliceStable(vs, func(i, j int) bool {
		return vs[j].LessThan(vs[i])
	})
}
