package cellar

// SolveResult is a successful whole-graph resolution: the concrete id
// chosen for every non-root package, ordered by name, plus the number of
// assignment attempts the search made.
type SolveResult struct {
	Packages []PackageID
	Attempts int
}

// Get returns the id selected for name.
func (r *SolveResult) Get(name string) (PackageID, bool) {
	for _, id := range r.Packages {
		if id.Ref.Name == name {
			return id, true
		}
	}
	return PackageID{}, false
}
