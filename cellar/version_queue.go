package cellar

import (
	"fmt"
	"strings"
)

// versionLister is the narrow slice of the solver the queue needs: listing
// a ref's candidates in the current solve.
type versionLister interface {
	listVersions(ref PackageRef) ([]Version, error)
}

// versionQueue walks the candidate versions of one dependency cell,
// newest-first, remembering why each rejected version failed. When the
// cell has a usable locked version the queue tries it alone first and only
// loads the full list on exhaustion.
type versionQueue struct {
	ref       PackageRef
	pi        []Version
	lockv     *Version
	fails     []failedVersion
	b         versionLister
	failed    bool
	allLoaded bool
}

func newVersionQueue(ref PackageRef, lockv *Version, b versionLister) (*versionQueue, error) {
	vq := &versionQueue{
		ref: ref,
		b:   b,
	}

	if lockv != nil {
		vq.lockv = lockv
		vq.pi = append(vq.pi, *lockv)
		return vq, nil
	}

	var err error
	vq.pi, err = vq.b.listVersions(vq.ref)
	if err != nil {
		return nil, err
	}
	sortVersionsDescending(vq.pi)
	vq.allLoaded = true
	return vq, nil
}

func (vq *versionQueue) current() (Version, bool) {
	if len(vq.pi) > 0 {
		return vq.pi[0], true
	}
	return Version{}, false
}

// advance moves the queue to the next candidate, recording the failure
// that eliminated the current one.
func (vq *versionQueue) advance(fail error) error {
	if len(vq.pi) == 0 {
		return nil
	}

	if fail != nil {
		vq.fails = append(vq.fails, failedVersion{v: vq.pi[0], f: fail})
	}
	vq.pi = vq.pi[1:]

	if len(vq.pi) == 0 {
		if vq.allLoaded {
			return nil
		}

		vq.allLoaded = true
		all, err := vq.b.listVersions(vq.ref)
		if err != nil {
			return err
		}
		sortVersionsDescending(all)
		for _, v := range all {
			if vq.lockv != nil && v.Equal(*vq.lockv) {
				continue
			}
			vq.pi = append(vq.pi, v)
		}
		if len(vq.pi) == 0 {
			return nil
		}
	}

	// The next candidate hasn't failed yet.
	vq.failed = false
	return nil
}

// isExhausted reports whether the queue is definitely out of candidates.
func (vq *versionQueue) isExhausted() bool {
	return vq.allLoaded && len(vq.pi) == 0
}

func (vq *versionQueue) String() string {
	var vs []string
	for _, v := range vq.pi {
		vs = append(vs, v.String())
	}
	return fmt.Sprintf("[%s]", strings.Join(vs, ", "))
}
