package cellar

import (
	"bytes"
	"fmt"
)

// ParseError reports a malformed pubspec, lockfile entry, constraint or
// source description. It is fatal to the operation that encountered it.
type ParseError struct {
	What string
	Raw  string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid %s %q: %s", e.What, e.Raw, e.Err)
	}
	return fmt.Sprintf("invalid %s %q", e.What, e.Raw)
}

func (e *ParseError) Unwrap() error { return e.Err }

// PackageNotFoundError reports a package unknown to its source: a hosted
// name the index has never seen, or a path pointing nowhere.
type PackageNotFoundError struct {
	Name   string
	Source string
	Detail string
}

func (e *PackageNotFoundError) Error() string {
	return fmt.Sprintf("could not find package %q in %s source: %s", e.Name, e.Source, e.Detail)
}

// NetworkError reports an HTTP failure, carrying the URL and status where
// available. Timeout marks request-deadline elapse.
type NetworkError struct {
	URL     string
	Status  int
	Timeout bool
	Err     error
}

func (e *NetworkError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("request to %s timed out", e.URL)
	case e.Status != 0:
		return fmt.Sprintf("request to %s failed with status %d", e.URL, e.Status)
	default:
		return fmt.Sprintf("request to %s failed: %s", e.URL, e.Err)
	}
}

func (e *NetworkError) Unwrap() error { return e.Err }

// GitError reports a git subprocess exiting non-zero, or a missing git
// binary with no applicable fallback.
type GitError struct {
	Args   []string
	Output string
	Err    error
}

func (e *GitError) Error() string {
	if len(e.Args) == 0 {
		return fmt.Sprintf("git is unavailable: %s", e.Err)
	}
	return fmt.Sprintf("git %v failed: %s\n%s", e.Args, e.Err, e.Output)
}

func (e *GitError) Unwrap() error { return e.Err }

// InvalidArgumentError reports misuse of a component, such as asking the
// system cache to download a package from a source that does not cache.
type InvalidArgumentError string

func (e InvalidArgumentError) Error() string { return string(e) }

// solveFailure marks the failures the solver may recover from by
// backtracking. Everything else aborts the solve.
type solveFailure interface {
	error
	traceString() string
}

type failedVersion struct {
	v Version
	f error
}

// noVersionError is the terminal solve failure: every candidate version of
// a package was eliminated within the current constraints. It carries the
// chain of per-version eliminations.
type noVersionError struct {
	name  string
	fails []failedVersion
}

func (e *noVersionError) Error() string {
	if len(e.fails) == 0 {
		return fmt.Sprintf("no versions could be found for package %q", e.name)
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "could not find a version of %s that met constraints:", e.name)
	for _, f := range e.fails {
		fmt.Fprintf(&buf, "\n\t%s: %s", f.v, f.f.Error())
	}
	return buf.String()
}

func (e *noVersionError) traceString() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "no versions of %s met constraints:", e.name)
	for _, f := range e.fails {
		if te, ok := f.f.(solveFailure); ok {
			fmt.Fprintf(&buf, "\n  %s: %s", f.v, te.traceString())
		} else {
			fmt.Fprintf(&buf, "\n  %s: %s", f.v, f.f.Error())
		}
	}
	return buf.String()
}

// versionNotAllowedFailure: the candidate atom itself is rejected by the
// constraints its dependers have placed on it.
type versionNotAllowedFailure struct {
	goal       PackageID
	failparent []dependencyOn
	c          Constraint
}

func (e *versionNotAllowedFailure) Error() string {
	if len(e.failparent) == 1 {
		return fmt.Sprintf(
			"could not introduce %s at %s, as it is not allowed by constraint %s from %s",
			e.goal.Ref.Name, e.goal.Version, e.failparent[0].dep.Constraint, e.failparent[0].depender.Ref.Name,
		)
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "could not introduce %s at %s, as it is not allowed by constraints from:\n", e.goal.Ref.Name, e.goal.Version)
	for _, f := range e.failparent {
		fmt.Fprintf(&buf, "\t%s from %s at %s\n", f.dep.Constraint, f.depender.Ref.Name, f.depender.Version)
	}
	return buf.String()
}

func (e *versionNotAllowedFailure) traceString() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s at %s not allowed by constraint %s:\n", e.goal.Ref.Name, e.goal.Version, e.c)
	for _, f := range e.failparent {
		fmt.Fprintf(&buf, "  %s from %s at %s\n", f.dep.Constraint, f.depender.Ref.Name, f.depender.Version)
	}
	return buf.String()
}

// disjointConstraintFailure: a dependency the candidate introduces has no
// overlap with the constraints already placed on the same package.
type disjointConstraintFailure struct {
	goal      dependencyOn
	failsib   []dependencyOn
	nofailsib []dependencyOn
	c         Constraint
}

func (e *disjointConstraintFailure) Error() string {
	if len(e.failsib) == 1 {
		return fmt.Sprintf(
			"could not introduce %s at %s, as it depends on %s with constraint %s, which has no overlap with constraint %s from %s at %s",
			e.goal.depender.Ref.Name, e.goal.depender.Version, e.goal.dep.Ref.Name, e.goal.dep.Constraint,
			e.failsib[0].dep.Constraint, e.failsib[0].depender.Ref.Name, e.failsib[0].depender.Version,
		)
	}

	var buf bytes.Buffer
	sibs := e.failsib
	if len(sibs) == 0 {
		sibs = e.nofailsib
	}
	fmt.Fprintf(
		&buf, "could not introduce %s at %s, as it depends on %s with constraint %s, which has no overlap with existing constraints:\n",
		e.goal.depender.Ref.Name, e.goal.depender.Version, e.goal.dep.Ref.Name, e.goal.dep.Constraint,
	)
	for _, c := range sibs {
		fmt.Fprintf(&buf, "\t%s from %s at %s\n", c.dep.Constraint, c.depender.Ref.Name, c.depender.Version)
	}
	return buf.String()
}

func (e *disjointConstraintFailure) traceString() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "constraint %s on %s disjoint with other dependers:\n", e.goal.dep.Constraint, e.goal.dep.Ref.Name)
	for _, f := range e.failsib {
		fmt.Fprintf(&buf, "%s from %s at %s (no overlap)\n", f.dep.Constraint, f.depender.Ref.Name, f.depender.Version)
	}
	for _, f := range e.nofailsib {
		fmt.Fprintf(&buf, "%s from %s at %s (some overlap)\n", f.dep.Constraint, f.depender.Ref.Name, f.depender.Version)
	}
	return buf.String()
}

// constraintNotAllowedFailure: a dependency the candidate introduces does
// not admit the already-selected version of its target.
type constraintNotAllowedFailure struct {
	goal dependencyOn
	v    Version
}

func (e *constraintNotAllowedFailure) Error() string {
	return fmt.Sprintf(
		"could not introduce %s at %s, as it depends on %s with constraint %s, which does not allow the currently selected version %s",
		e.goal.depender.Ref.Name, e.goal.depender.Version, e.goal.dep.Ref.Name, e.goal.dep.Constraint, e.v,
	)
}

func (e *constraintNotAllowedFailure) traceString() string {
	return fmt.Sprintf(
		"%s at %s depends on %s with %s, but that's already selected at %s",
		e.goal.depender.Ref.Name, e.goal.depender.Version, e.goal.dep.Ref.Name, e.goal.dep.Constraint, e.v,
	)
}

// sourceMismatchFailure: two dependers want the same package name from
// different sources or incompatible descriptions.
type sourceMismatchFailure struct {
	shared   string
	sel      []dependencyOn
	current  string
	mismatch string
	prob     PackageID
}

func (e *sourceMismatchFailure) Error() string {
	return fmt.Sprintf(
		"could not introduce %s at %s, as it requires %s from %s, but %s is already marked as coming from %s",
		e.prob.Ref.Name, e.prob.Version, e.shared, e.mismatch, e.shared, e.current,
	)
}

func (e *sourceMismatchFailure) traceString() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "disagreement on source for %s:\n", e.shared)
	fmt.Fprintf(&buf, "  %s from %s\n", e.mismatch, e.prob.Ref.Name)
	for _, dep := range e.sel {
		fmt.Fprintf(&buf, "  %s from %s\n", e.current, dep.depender.Ref.Name)
	}
	return buf.String()
}

// sdkConstraintFailure: a candidate's pubspec requires an SDK outside the
// active version.
type sdkConstraintFailure struct {
	goal PackageID
	c    Constraint
	sdk  Version
}

func (e *sdkConstraintFailure) Error() string {
	return fmt.Sprintf(
		"could not introduce %s at %s, as it requires SDK version %s and the active SDK is %s",
		e.goal.Ref.Name, e.goal.Version, e.c, e.sdk,
	)
}

func (e *sdkConstraintFailure) traceString() string {
	return fmt.Sprintf("%s at %s needs SDK %s, active is %s", e.goal.Ref.Name, e.goal.Version, e.c, e.sdk)
}
