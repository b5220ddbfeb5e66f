package cellar

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionOrdering(t *testing.T) {
	ordered := []string{
		"0.0.1",
		"0.1.0",
		"1.0.0-alpha",
		"1.0.0-alpha.1",
		"1.0.0-beta",
		"1.0.0",
		"1.0.1",
		"1.1.0",
		"2.0.0",
	}

	for i := 0; i < len(ordered)-1; i++ {
		lo := mustVersion(ordered[i])
		hi := mustVersion(ordered[i+1])
		assert.True(t, lo.LessThan(hi), "%s should sort below %s", lo, hi)
		assert.False(t, hi.LessThan(lo), "%s should not sort below %s", hi, lo)
	}
}

func TestVersionEqualityIgnoresBuildMetadata(t *testing.T) {
	a := mustVersion("1.2.3+build.1")
	b := mustVersion("1.2.3+build.2")
	c := mustVersion("1.2.3")

	assert.True(t, a.Equal(b))
	assert.True(t, a.Equal(c))
	assert.Zero(t, a.Compare(b))
}

func TestVersionParseRejectsGarbage(t *testing.T) {
	for _, bad := range []string{"", "banana", "1.x.0"} {
		_, err := NewVersion(bad)
		require.Error(t, err, "parsing %q", bad)
		var perr *ParseError
		require.ErrorAs(t, err, &perr)
	}
}

func TestNextBreaking(t *testing.T) {
	cases := map[string]string{
		"1.2.3": "2.0.0",
		"0.4.2": "0.5.0",
		"0.0.7": "0.0.8",
	}
	for in, want := range cases {
		got := mustVersion(in).nextBreaking()
		assert.True(t, got.Equal(mustVersion(want)), "nextBreaking(%s) = %s, want %s", in, got, want)
	}
}

func TestSortVersionsDescending(t *testing.T) {
	vs := []Version{
		mustVersion("1.0.0"),
		mustVersion("2.0.0-rc.1"),
		mustVersion("2.0.0"),
		mustVersion("0.9.0"),
	}
	sortVersionsDescending(vs)

	var got []string
	for _, v := range vs {
		got = append(got, v.String())
	}
	assert.Equal(t, []string{"2.0.0", "2.0.0-rc.1", "1.0.0", "0.9.0"}, got)
}
