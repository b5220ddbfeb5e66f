package cellar

// dependencyOn is one edge into a dependency cell: the atom that placed the
// requirement, and the requirement itself.
type dependencyOn struct {
	depender PackageID
	dep      Dependency
}

// selection is the solver's partial assignment: the ordered list of chosen
// atoms plus, per package name, every constraint currently incoming.
type selection struct {
	atoms []PackageID
	deps  map[string][]dependencyOn
}

func (s *selection) getDependenciesOn(name string) []dependencyOn {
	return s.deps[name]
}

// getConstraint combines the incoming constraints on a cell: the
// intersection of every depender's requirement.
func (s *selection) getConstraint(name string) Constraint {
	deps := s.deps[name]
	if len(deps) == 0 {
		return Any()
	}
	c := Constraint(anyC)
	for _, d := range deps {
		c = c.Intersect(d.dep.Constraint)
	}
	return c
}

func (s *selection) selected(name string) (PackageID, bool) {
	for _, a := range s.atoms {
		if a.Ref.Name == name {
			return a, true
		}
	}
	return PackageID{}, false
}

// unselected is the heap of dependency cells awaiting a decision, ordered
// by the solver's cell-selection heuristic.
type unselected struct {
	sl  []string
	cmp func(i, j int) bool
}

func (u unselected) Len() int           { return len(u.sl) }
func (u unselected) Less(i, j int) bool { return u.cmp(i, j) }
func (u unselected) Swap(i, j int)      { u.sl[i], u.sl[j] = u.sl[j], u.sl[i] }

func (u *unselected) Push(x interface{}) {
	u.sl = append(u.sl, x.(string))
}

func (u *unselected) Pop() (v interface{}) {
	v, u.sl = u.sl[len(u.sl)-1], u.sl[:len(u.sl)-1]
	return v
}

// remove takes a specific name out of the heap wherever it sits.
func (u *unselected) remove(name string) {
	for k, p := range u.sl {
		if p == name {
			u.sl = append(u.sl[:k], u.sl[k+1:]...)
			return
		}
	}
}
