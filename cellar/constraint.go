package cellar

import (
	"fmt"
	"sort"
	"strings"
)

var (
	anyC  = anyConstraint{}
	noneC = noneConstraint{}
)

// A Constraint is a structured limitation on the versions admissible for a
// package. The concrete shapes are any, none, a single range, and a union of
// disjoint ranges; every operation is closed over those four.
type Constraint interface {
	fmt.Stringer

	// Allows indicates whether v is admitted.
	Allows(v Version) bool

	// AllowsAny indicates whether the intersection with c admits at least
	// one version.
	AllowsAny(c Constraint) bool

	// Intersect produces the constraint admitting exactly the versions both
	// admit. It is total, commutative and associative.
	Intersect(c Constraint) Constraint

	// Union produces the constraint admitting the versions either admits,
	// normalized to a minimal sorted list of non-overlapping ranges.
	Union(c Constraint) Constraint

	IsEmpty() bool
}

// Any returns the constraint admitting every version.
func Any() Constraint { return anyC }

// None returns the empty constraint.
func None() Constraint { return noneC }

// Exact returns the constraint admitting only v.
func Exact(v Version) Constraint {
	return VersionRange{Min: &v, Max: &v, IncludeMin: true, IncludeMax: true}
}

type anyConstraint struct{}

func (anyConstraint) String() string                    { return "any" }
func (anyConstraint) Allows(Version) bool               { return true }
func (anyConstraint) AllowsAny(c Constraint) bool       { return !c.IsEmpty() }
func (anyConstraint) Intersect(c Constraint) Constraint { return c }
func (anyConstraint) Union(Constraint) Constraint       { return anyC }
func (anyConstraint) IsEmpty() bool                     { return false }

type noneConstraint struct{}

func (noneConstraint) String() string                  { return "<none>" }
func (noneConstraint) Allows(Version) bool             { return false }
func (noneConstraint) AllowsAny(Constraint) bool       { return false }
func (noneConstraint) Intersect(Constraint) Constraint { return noneC }
func (noneConstraint) Union(c Constraint) Constraint   { return c }
func (noneConstraint) IsEmpty() bool                   { return true }

// VersionRange is the interval [Min, Max], unbounded on either side when the
// corresponding pointer is nil, with per-endpoint inclusivity.
type VersionRange struct {
	Min, Max               *Version
	IncludeMin, IncludeMax bool
}

func (r VersionRange) String() string {
	if r.Min != nil && r.Max != nil && r.IncludeMin && r.IncludeMax && r.Min.Equal(*r.Max) {
		return r.Min.String()
	}

	var parts []string
	if r.Min != nil {
		op := ">"
		if r.IncludeMin {
			op = ">="
		}
		parts = append(parts, op+r.Min.String())
	}
	if r.Max != nil {
		op := "<"
		if r.IncludeMax {
			op = "<="
		}
		parts = append(parts, op+r.Max.String())
	}
	if len(parts) == 0 {
		return "any"
	}
	return strings.Join(parts, " ")
}

func (r VersionRange) Allows(v Version) bool {
	if r.Min != nil {
		c := v.Compare(*r.Min)
		if c < 0 || (c == 0 && !r.IncludeMin) {
			return false
		}
	}
	if r.Max != nil {
		c := v.Compare(*r.Max)
		if c > 0 || (c == 0 && !r.IncludeMax) {
			return false
		}
	}
	return true
}

func (r VersionRange) AllowsAny(c Constraint) bool {
	return !r.Intersect(c).IsEmpty()
}

func (r VersionRange) Intersect(c Constraint) Constraint {
	switch tc := c.(type) {
	case anyConstraint:
		return r
	case noneConstraint:
		return noneC
	case VersionRange:
		return r.intersectRange(tc)
	case unionConstraint:
		return tc.Intersect(r)
	}
	panic(fmt.Sprintf("unknown constraint type %T", c))
}

func (r VersionRange) intersectRange(o VersionRange) Constraint {
	min, incMin := r.Min, r.IncludeMin
	if minBoundLess(min, incMin, o.Min, o.IncludeMin) {
		min, incMin = o.Min, o.IncludeMin
	}
	max, incMax := r.Max, r.IncludeMax
	if maxBoundLess(o.Max, o.IncludeMax, max, incMax) {
		max, incMax = o.Max, o.IncludeMax
	}

	if min != nil && max != nil {
		c := min.Compare(*max)
		if c > 0 {
			return noneC
		}
		if c == 0 && !(incMin && incMax) {
			return noneC
		}
	}
	return VersionRange{Min: min, Max: max, IncludeMin: incMin, IncludeMax: incMax}
}

func (r VersionRange) Union(c Constraint) Constraint {
	switch tc := c.(type) {
	case anyConstraint:
		return anyC
	case noneConstraint:
		return r
	case VersionRange:
		return normalizeRanges([]VersionRange{r, tc})
	case unionConstraint:
		return normalizeRanges(append([]VersionRange{r}, tc...))
	}
	panic(fmt.Sprintf("unknown constraint type %T", c))
}

func (r VersionRange) IsEmpty() bool { return false }

// unionConstraint is a sorted list of non-overlapping, non-adjacent ranges.
// It is only ever produced by normalizeRanges, which maintains the minimal
// form invariant.
type unionConstraint []VersionRange

func (u unionConstraint) String() string {
	var parts []string
	for _, r := range u {
		parts = append(parts, r.String())
	}
	return strings.Join(parts, " or ")
}

func (u unionConstraint) Allows(v Version) bool {
	for _, r := range u {
		if r.Allows(v) {
			return true
		}
	}
	return false
}

func (u unionConstraint) AllowsAny(c Constraint) bool {
	return !u.Intersect(c).IsEmpty()
}

func (u unionConstraint) Intersect(c Constraint) Constraint {
	switch tc := c.(type) {
	case anyConstraint:
		return u
	case noneConstraint:
		return noneC
	case VersionRange:
		var out []VersionRange
		for _, r := range u {
			if ir, ok := r.intersectRange(tc).(VersionRange); ok {
				out = append(out, ir)
			}
		}
		return normalizeRanges(out)
	case unionConstraint:
		var out []VersionRange
		for _, r := range u {
			for _, o := range tc {
				if ir, ok := r.intersectRange(o).(VersionRange); ok {
					out = append(out, ir)
				}
			}
		}
		return normalizeRanges(out)
	}
	panic(fmt.Sprintf("unknown constraint type %T", c))
}

func (u unionConstraint) Union(c Constraint) Constraint {
	switch tc := c.(type) {
	case anyConstraint:
		return anyC
	case noneConstraint:
		return u
	case VersionRange:
		return normalizeRanges(append(append([]VersionRange(nil), u...), tc))
	case unionConstraint:
		return normalizeRanges(append(append([]VersionRange(nil), u...), tc...))
	}
	panic(fmt.Sprintf("unknown constraint type %T", c))
}

func (u unionConstraint) IsEmpty() bool { return len(u) == 0 }

// minBoundLess reports whether min bound (av, ai) sits strictly below
// (bv, bi). A nil version is the open lower bound.
func minBoundLess(av *Version, ai bool, bv *Version, bi bool) bool {
	if av == nil {
		return bv != nil
	}
	if bv == nil {
		return false
	}
	c := av.Compare(*bv)
	if c != 0 {
		return c < 0
	}
	return ai && !bi
}

// maxBoundLess reports whether max bound (av, ai) sits strictly below
// (bv, bi). A nil version is the open upper bound.
func maxBoundLess(av *Version, ai bool, bv *Version, bi bool) bool {
	if av == nil {
		return false
	}
	if bv == nil {
		return true
	}
	c := av.Compare(*bv)
	if c != 0 {
		return c < 0
	}
	return !ai && bi
}

// rangesTouch reports whether a (sorted before b by min bound) overlaps or is
// directly adjacent to b, so the two can merge into one range.
func rangesTouch(a, b VersionRange) bool {
	if a.Max == nil || b.Min == nil {
		return true
	}
	c := a.Max.Compare(*b.Min)
	if c != 0 {
		return c > 0
	}
	return a.IncludeMax || b.IncludeMin
}

// normalizeRanges collapses rs into minimal form: none for an empty list, the
// single range when everything merges, or a union of the disjoint remainder
// sorted by lower bound.
func normalizeRanges(rs []VersionRange) Constraint {
	if len(rs) == 0 {
		return noneC
	}

	sort.SliceStable(rs, func(i, j int) bool {
		return minBoundLess(rs[i].Min, rs[i].IncludeMin, rs[j].Min, rs[j].IncludeMin)
	})

	merged := []VersionRange{rs[0]}
	for _, r := range rs[1:] {
		last := &merged[len(merged)-1]
		if rangesTouch(*last, r) {
			if maxBoundLess(last.Max, last.IncludeMax, r.Max, r.IncludeMax) {
				last.Max, last.IncludeMax = r.Max, r.IncludeMax
			}
			continue
		}
		merged = append(merged, r)
	}

	if len(merged) == 1 {
		r := merged[0]
		if r.Min == nil && r.Max == nil {
			return anyC
		}
		return r
	}
	return unionConstraint(merged)
}

// ParseConstraint parses the constraint grammar: "any" (or the empty
// string), an exact version, the caret shorthand ^x.y.z, the comparison
// operators >= <= > < =, and space-separated conjunctions of the above.
func ParseConstraint(body string) (Constraint, error) {
	body = strings.TrimSpace(body)
	if body == "" || body == "any" {
		return anyC, nil
	}

	result := Constraint(anyC)
	for _, tok := range strings.Fields(body) {
		c, err := parseConstraintToken(tok)
		if err != nil {
			return nil, err
		}
		result = result.Intersect(c)
	}
	return result, nil
}

func parseConstraintToken(tok string) (Constraint, error) {
	if strings.HasPrefix(tok, "^") {
		v, err := NewVersion(tok[1:])
		if err != nil {
			return nil, &ParseError{What: "version constraint", Raw: tok, Err: err}
		}
		max := v.nextBreaking()
		return VersionRange{Min: &v, Max: &max, IncludeMin: true}, nil
	}

	for _, op := range []string{">=", "<=", ">", "<", "="} {
		if !strings.HasPrefix(tok, op) {
			continue
		}
		v, err := NewVersion(tok[len(op):])
		if err != nil {
			return nil, &ParseError{What: "version constraint", Raw: tok, Err: err}
		}
		switch op {
		case ">=":
			return VersionRange{Min: &v, IncludeMin: true}, nil
		case ">":
			return VersionRange{Min: &v}, nil
		case "<=":
			return VersionRange{Max: &v, IncludeMax: true}, nil
		case "<":
			return VersionRange{Max: &v}, nil
		default:
			return Exact(v), nil
		}
	}

	v, err := NewVersion(tok)
	if err != nil {
		return nil, &ParseError{What: "version constraint", Raw: tok, Err: err}
	}
	return Exact(v), nil
}

// MustParseConstraint is ParseConstraint for statically-known inputs.
func MustParseConstraint(body string) Constraint {
	c, err := ParseConstraint(body)
	if err != nil {
		panic(err)
	}
	return c
}
