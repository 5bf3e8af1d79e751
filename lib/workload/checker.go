package workload

import (
	"fmt"
	"slices"

	"github.com/ValentinKolb/dCache/lib/topology"
	"github.com/ValentinKolb/dCache/rpc/common"
)

// Violation is a cached item that differs from the database
type Violation struct {
	Cache    common.NodeRef
	Key      int
	Cached   int
	Expected int
	Missing  bool // the database does not hold the key at all
}

// String returns a one-line description of the violation
func (v Violation) String() string {
	if v.Missing {
		return fmt.Sprintf("%s holds key %d = %d, unknown to the database", v.Cache, v.Key, v.Cached)
	}
	return fmt.Sprintf("%s holds key %d = %d, database has %d", v.Cache, v.Key, v.Cached, v.Expected)
}

// Report is the result of a consistency check of a quiescent topology
type Report struct {
	Violations []Violation
	// keys still marked invalid, per cache
	StuckInvalid map[common.NodeRef][]int
	// caches that were down at the time of the check
	Crashed []common.NodeRef
	// database keys with a critical write in progress
	OpenCritWrites []int
}

// OK reports whether the check found nothing
func (r Report) OK() bool {
	return len(r.Violations) == 0 && len(r.StuckInvalid) == 0 && len(r.OpenCritWrites) == 0
}

// String returns a multi-line description of the report
func (r Report) String() string {
	if r.OK() {
		return fmt.Sprintf("consistent (%d caches down)", len(r.Crashed))
	}
	s := fmt.Sprintf("%d violations, %d caches with invalid keys, critical writes open on %v",
		len(r.Violations), len(r.StuckInvalid), r.OpenCritWrites)
	for _, v := range r.Violations {
		s += "\n  " + v.String()
	}
	for ref, keys := range r.StuckInvalid {
		s += fmt.Sprintf("\n  %s still has invalid keys %v", ref, keys)
	}
	return s
}

// Check compares every cached item with the database. Items of keys that are
// still invalid are skipped, those keys are reported separately. Crashed
// caches hold no items and are only listed.
func Check(st topology.State) Report {
	r := Report{
		StuckInvalid:   make(map[common.NodeRef][]int),
		OpenCritWrites: st.DB.CritWrites,
	}
	for _, c := range st.Caches {
		if c.Crashed {
			r.Crashed = append(r.Crashed, c.Ref)
			continue
		}
		if len(c.Invalid) > 0 {
			r.StuckInvalid[c.Ref] = c.Invalid
		}

		keys := make([]int, 0, len(c.Items))
		for k := range c.Items {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			if slices.Contains(c.Invalid, k) {
				continue
			}
			cached := c.Items[k]
			expected, ok := st.DB.Items[k]
			if !ok || cached != expected {
				r.Violations = append(r.Violations, Violation{
					Cache:    c.Ref,
					Key:      k,
					Cached:   cached,
					Expected: expected,
					Missing:  !ok,
				})
			}
		}
	}
	if len(r.StuckInvalid) == 0 {
		r.StuckInvalid = nil
	}
	return r
}
