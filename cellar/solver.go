package cellar

import (
	"container/heap"
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
)

// SolveArgs are the inputs to a whole-graph resolution.
type SolveArgs struct {
	// Root is the project whose dependency graph is being solved.
	Root *Package

	// Lock maps package names to the ids selected by the previous solve,
	// if any.
	Lock map[string]PackageID

	// UseLatest names packages whose locked versions are ignored.
	UseLatest []string

	// UpgradeAll ignores the lock entirely.
	UpgradeAll bool

	// SDK is the active SDK version, checked against every candidate's
	// sdk constraint.
	SDK SDKInfo
}

// Solve runs the backtracking search. The returned error, when non-nil, is
// either the typed failure chain describing why no assignment exists or
// the non-recoverable source error (network, parse, unknown package) that
// aborted the search.
func Solve(ctx context.Context, reg *Registry, log *logrus.Logger, args SolveArgs) (*SolveResult, error) {
	if log == nil {
		log = logrus.New()
	}
	s := &solver{
		ctx:          ctx,
		reg:          reg,
		log:          log,
		args:         args,
		latest:       make(map[string]bool),
		lastConflict: make(map[string]int),
		knownCounts:  make(map[string]int),
		pubspecs:     make(map[string]*Pubspec),
	}
	return s.run()
}

// solver is a backtracking solver over lazily-discovered version spaces.
// It is single-goroutine; every suspension point is a source call.
type solver struct {
	ctx  context.Context
	reg  *Registry
	log  *logrus.Logger
	args SolveArgs

	sel      *selection
	unsel    *unselected
	versions []*versionQueue

	latest       map[string]bool
	lastConflict map[string]int
	knownCounts  map[string]int
	conflictSeq  int
	attempts     int

	rootID   PackageID
	pubspecs map[string]*Pubspec
}

func (s *solver) run() (*SolveResult, error) {
	root := s.args.Root
	if root == nil || root.Pubspec == nil {
		return nil, InvalidArgumentError("solve requires a root package")
	}

	// An SDK the root itself cannot run under fails before any search.
	if !s.args.SDK.Allows(root.Pubspec.SDK) {
		return nil, &sdkConstraintFailure{
			goal: PackageID{Ref: PackageRef{Name: root.Pubspec.Name}},
			c:    root.Pubspec.SDK,
			sdk:  s.args.SDK.Version,
		}
	}

	for _, name := range s.args.UseLatest {
		s.latest[name] = true
	}

	s.sel = &selection{deps: make(map[string][]dependencyOn)}
	s.unsel = &unselected{cmp: s.unselectedComparator}
	heap.Init(s.unsel)

	s.rootID = PackageID{
		Ref:     PackageRef{Name: root.Pubspec.Name},
		Version: root.Pubspec.EffectiveVersion(),
	}
	if err := s.selectVersion(s.rootID); err != nil {
		return nil, err
	}

	ids, err := s.solve()
	if err != nil {
		return nil, err
	}
	return &SolveResult{Packages: ids, Attempts: s.attempts + 1}, nil
}

func (s *solver) solve() ([]PackageID, error) {
	for {
		name, has := s.nextUnselected()
		if !has {
			break
		}

		if s.log.Level >= logrus.DebugLevel {
			s.log.WithFields(logrus.Fields{
				"attempts": s.attempts,
				"name":     name,
				"selcount": len(s.sel.atoms),
			}).Debug("Beginning step in solve loop")
		}

		queue, err := s.createVersionQueue(name)
		if err != nil {
			if _, recoverable := err.(solveFailure); recoverable && s.backtrack() {
				continue
			}
			return nil, err
		}

		cur, ok := queue.current()
		if !ok {
			panic("canary - queue is empty, but flow indicates success")
		}

		if s.log.Level >= logrus.InfoLevel {
			s.log.WithFields(logrus.Fields{
				"name":    queue.ref.Name,
				"version": cur.String(),
			}).Info("Accepted package atom")
		}

		if err := s.selectVersion(PackageID{Ref: queue.ref, Version: cur}); err != nil {
			return nil, err
		}
		s.versions = append(s.versions, queue)
	}

	var ids []PackageID
	for _, a := range s.sel.atoms {
		if a.Ref.Name == s.rootID.Ref.Name {
			continue
		}
		ids = append(ids, a)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Ref.Name < ids[j].Ref.Name })
	return ids, nil
}

func (s *solver) createVersionQueue(name string) (*versionQueue, error) {
	deps := s.sel.getDependenciesOn(name)
	if len(deps) == 0 {
		panic(fmt.Sprintf("canary - creating queue for %q with no incoming deps", name))
	}
	ref := deps[0].dep.Ref

	lockv := s.getLockVersionIfValid(name)

	q, err := newVersionQueue(ref, lockv, s)
	if err != nil {
		if s.log.Level >= logrus.WarnLevel {
			s.log.WithFields(logrus.Fields{
				"name": name,
				"err":  err,
			}).Warn("Failed to create a version queue")
		}
		return nil, err
	}
	if q.allLoaded {
		s.knownCounts[name] = len(q.pi)
	}

	return q, s.findValidVersion(q)
}

// findValidVersion walks q until a version satisfies the current solver
// state. Non-recoverable errors (network, parse) abort; constraint
// failures accumulate into the queue's failure memory.
func (s *solver) findValidVersion(q *versionQueue) error {
	if _, ok := q.current(); !ok {
		panic("canary - version queue is empty, should not happen")
	}

	faillen := len(q.fails)

	for {
		cur, ok := q.current()
		if !ok {
			break
		}

		err := s.satisfiable(PackageID{Ref: q.ref, Version: cur})
		if err == nil {
			return nil
		}
		if _, recoverable := err.(solveFailure); !recoverable {
			return err
		}

		if aerr := q.advance(err); aerr != nil {
			if s.log.Level >= logrus.WarnLevel {
				s.log.WithFields(logrus.Fields{
					"name": q.ref.Name,
					"err":  aerr,
				}).Warn("Advancing version queue failed, marking package as failed")
			}
			return aerr
		}
		if q.isExhausted() {
			if s.log.Level >= logrus.InfoLevel {
				s.log.WithField("name", q.ref.Name).Info("Version queue exhausted, marking package as failed")
			}
			break
		}
	}

	if deps := s.sel.getDependenciesOn(q.ref.Name); len(deps) > 0 {
		s.fail(deps[0].depender.Ref.Name)
	}

	return &noVersionError{
		name:  q.ref.Name,
		fails: q.fails[faillen:],
	}
}

// getLockVersionIfValid returns the locked version for name when it should
// seed the queue: present, not forced to latest, and still allowed by the
// current constraint.
func (s *solver) getLockVersionIfValid(name string) *Version {
	if s.args.UpgradeAll || s.latest[name] {
		return nil
	}

	locked, has := s.args.Lock[name]
	if !has {
		return nil
	}

	constraint := s.sel.getConstraint(name)
	if !constraint.Allows(locked.Version) {
		if s.log.Level >= logrus.InfoLevel {
			s.log.WithFields(logrus.Fields{
				"name":    name,
				"version": locked.Version.String(),
			}).Info("Package found in lock, but version not allowed by current constraints")
		}
		return nil
	}

	v := locked.Version
	return &v
}

// satisfiable determines whether introducing the atom keeps every current
// requirement satisfied.
func (s *solver) satisfiable(id PackageID) error {
	constraint := s.sel.getConstraint(id.Ref.Name)
	if !constraint.Allows(id.Version) {
		deps := s.sel.getDependenciesOn(id.Ref.Name)
		var failparent []dependencyOn
		for _, dep := range deps {
			if !dep.dep.Constraint.Allows(id.Version) {
				s.fail(dep.depender.Ref.Name)
				failparent = append(failparent, dep)
			}
		}
		return &versionNotAllowedFailure{goal: id, failparent: failparent, c: constraint}
	}

	ps, err := s.pubspecFor(id)
	if err != nil {
		return err
	}

	if !s.args.SDK.Allows(ps.SDK) {
		for _, dep := range s.sel.getDependenciesOn(id.Ref.Name) {
			s.fail(dep.depender.Ref.Name)
		}
		return &sdkConstraintFailure{goal: id, c: ps.SDK, sdk: s.args.SDK.Version}
	}

	for _, dep := range s.depsOf(id, ps) {
		siblings := s.sel.getDependenciesOn(dep.Ref.Name)

		// Same name from a different source or an incompatible
		// description is irreconcilable for this candidate.
		for _, sibling := range siblings {
			if !s.refsCompatible(sibling.dep.Ref, dep.Ref) {
				s.fail(sibling.depender.Ref.Name)
				return &sourceMismatchFailure{
					shared:   dep.Ref.Name,
					sel:      siblings,
					current:  sibling.dep.Ref.Source,
					mismatch: dep.Ref.Source,
					prob:     id,
				}
			}
		}

		constraint = s.sel.getConstraint(dep.Ref.Name)
		if !constraint.AllowsAny(dep.Constraint) {
			var failsib, nofailsib []dependencyOn
			for _, sibling := range siblings {
				if !sibling.dep.Constraint.AllowsAny(dep.Constraint) {
					s.fail(sibling.depender.Ref.Name)
					failsib = append(failsib, sibling)
				} else {
					nofailsib = append(nofailsib, sibling)
				}
			}
			return &disjointConstraintFailure{
				goal:      dependencyOn{depender: id, dep: dep},
				failsib:   failsib,
				nofailsib: nofailsib,
				c:         constraint,
			}
		}

		if selected, exists := s.sel.selected(dep.Ref.Name); exists && !dep.Constraint.Allows(selected.Version) {
			s.fail(dep.Ref.Name)
			return &constraintNotAllowedFailure{
				goal: dependencyOn{depender: id, dep: dep},
				v:    selected.Version,
			}
		}
	}

	return nil
}

// refsCompatible reports whether two refs for one name can coexist: they
// must name the same source, and that source must judge their
// descriptions equal.
func (s *solver) refsCompatible(a, b PackageRef) bool {
	if a.Source != b.Source {
		return false
	}
	src, err := s.reg.Get(a.Source)
	if err != nil {
		return false
	}
	return src.DescriptionsEqual(a.Description, b.Description)
}

// depsOf returns the constraint-relevant dependencies of an atom: runtime
// deps always, dev deps only for the root.
func (s *solver) depsOf(id PackageID, ps *Pubspec) []Dependency {
	if id.Ref.Name == s.rootID.Ref.Name {
		deps := append([]Dependency(nil), ps.Dependencies...)
		return append(deps, ps.DevDependencies...)
	}
	return ps.Dependencies
}

// pubspecFor fetches (and memoizes) the manifest of an atom.
func (s *solver) pubspecFor(id PackageID) (*Pubspec, error) {
	if id.Ref.Name == s.rootID.Ref.Name {
		return s.args.Root.Pubspec, nil
	}

	key := fmt.Sprintf("%s\x00%s\x00%s", id.Ref.Name, id.Ref.Source, id.Version)
	if ps, has := s.pubspecs[key]; has {
		return ps, nil
	}

	src, err := s.reg.Get(id.Ref.Source)
	if err != nil {
		return nil, err
	}
	ps, err := src.Describe(s.ctx, id)
	if err != nil {
		return nil, err
	}
	if ps.Name != id.Ref.Name {
		return nil, &ParseError{What: "pubspec name", Raw: ps.Name,
			Err: fmt.Errorf("expected %q", id.Ref.Name)}
	}

	s.pubspecs[key] = ps
	return ps, nil
}

// listVersions implements versionLister for the queues.
func (s *solver) listVersions(ref PackageRef) ([]Version, error) {
	src, err := s.reg.Get(ref.Source)
	if err != nil {
		return nil, err
	}
	return src.ListVersions(s.ctx, ref)
}

// backtrack works backwards from a failed state to the next candidate
// worth trying: pop non-failed queues, advance the deepest failed queue
// past its bad version, and resume from there. Cells above the unwind
// point keep their state.
func (s *solver) backtrack() bool {
	if len(s.versions) == 0 {
		return false
	}

	if s.log.Level >= logrus.DebugLevel {
		s.log.WithFields(logrus.Fields{
			"selcount":   len(s.sel.atoms),
			"queuecount": len(s.versions),
			"attempts":   s.attempts,
		}).Debug("Beginning backtracking")
	}

	for {
		for {
			if len(s.versions) == 0 {
				return false
			}
			if s.versions[len(s.versions)-1].failed {
				break
			}

			s.versions, s.versions[len(s.versions)-1] = s.versions[:len(s.versions)-1], nil
			s.unselectLast()
		}

		q := s.versions[len(s.versions)-1]

		if s.log.Level >= logrus.DebugLevel {
			cur, _ := q.current()
			s.log.WithFields(logrus.Fields{
				"name":    q.ref.Name,
				"failver": cur.String(),
			}).Debug("Trying failed queue with next version")
		}

		s.unselectLast()

		if q.advance(nil) == nil && !q.isExhausted() {
			err := s.findValidVersion(q)
			if err == nil {
				cur, _ := q.current()
				if s.log.Level >= logrus.InfoLevel {
					s.log.WithFields(logrus.Fields{
						"name":    q.ref.Name,
						"version": cur.String(),
					}).Info("Backtracking found valid version, attempting next solution")
				}

				if serr := s.selectVersion(PackageID{Ref: q.ref, Version: cur}); serr != nil {
					return false
				}
				break
			}
			if _, recoverable := err.(solveFailure); !recoverable {
				return false
			}
		}

		// Nothing left in this queue; pop it and keep unwinding.
		s.versions, s.versions[len(s.versions)-1] = s.versions[:len(s.versions)-1], nil
	}

	if len(s.versions) == 0 {
		return false
	}
	s.attempts++
	return true
}

func (s *solver) nextUnselected() (string, bool) {
	if len(s.unsel.sl) > 0 {
		return s.unsel.sl[0], true
	}
	return "", false
}

// unselectedComparator orders dependency cells: cells already known to
// have no candidates fail fastest, then single-candidate cells, then the
// cell most recently involved in a conflict, then fewest candidates, then
// name for determinism. The root always sorts first.
func (s *solver) unselectedComparator(i, j int) bool {
	iname, jname := s.unsel.sl[i], s.unsel.sl[j]
	if iname == jname {
		return false
	}

	rname := s.rootID.Ref.Name
	if iname == rname {
		return true
	}
	if jname == rname {
		return false
	}

	icount, iknown := s.knownCounts[iname]
	jcount, jknown := s.knownCounts[jname]

	if iknown && icount == 0 && (!jknown || jcount != 0) {
		return true
	}
	if jknown && jcount == 0 && (!iknown || icount != 0) {
		return false
	}

	if iknown && icount == 1 && (!jknown || jcount != 1) {
		return true
	}
	if jknown && jcount == 1 && (!iknown || icount != 1) {
		return false
	}

	ic, jc := s.lastConflict[iname], s.lastConflict[jname]
	if ic != jc {
		return ic > jc
	}

	if iknown && jknown && icount != jcount {
		return icount < jcount
	}
	if iknown != jknown {
		return iknown
	}

	return iname < jname
}

// fail marks the oldest queue for name as failed and records the conflict
// for the selection heuristic. The root never fails.
func (s *solver) fail(name string) {
	if name == s.rootID.Ref.Name {
		return
	}

	s.conflictSeq++
	s.lastConflict[name] = s.conflictSeq

	for _, vq := range s.versions {
		if vq.ref.Name == name {
			vq.failed = true
			return
		}
	}
}

func (s *solver) selectVersion(id PackageID) error {
	s.unsel.remove(id.Ref.Name)
	s.sel.atoms = append(s.sel.atoms, id)

	ps, err := s.pubspecFor(id)
	if err != nil {
		// satisfiable vetted this atom already; an error here is a bug.
		panic("canary - selected atom's pubspec became unavailable")
	}

	for _, dep := range s.depsOf(id, ps) {
		siblingsAndSelf := append(s.sel.getDependenciesOn(dep.Ref.Name), dependencyOn{depender: id, dep: dep})
		s.sel.deps[dep.Ref.Name] = siblingsAndSelf

		if _, chosen := s.sel.selected(dep.Ref.Name); !chosen && len(siblingsAndSelf) == 1 {
			heap.Push(s.unsel, dep.Ref.Name)
		}
	}
	return nil
}

func (s *solver) unselectLast() {
	var id PackageID
	id, s.sel.atoms = s.sel.atoms[len(s.sel.atoms)-1], s.sel.atoms[:len(s.sel.atoms)-1]
	heap.Push(s.unsel, id.Ref.Name)

	ps, err := s.pubspecFor(id)
	if err != nil {
		panic("canary - unselected atom's pubspec became unavailable")
	}

	for _, dep := range s.depsOf(id, ps) {
		siblings := s.sel.getDependenciesOn(dep.Ref.Name)
		siblings = siblings[:len(siblings)-1]
		s.sel.deps[dep.Ref.Name] = siblings

		if len(siblings) == 0 {
			s.unsel.remove(dep.Ref.Name)
		}
	}
}
