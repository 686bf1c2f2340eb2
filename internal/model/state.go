package model

import (
	"cmp"
	"slices"

	"originlock/internal/scope"
)

type lockRecord struct {
	id    int64
	scope scope.Set
	mode  Mode
	done  Completion
}

func (r *lockRecord) info() LockInfo {
	return LockInfo{ID: r.id, Scope: r.scope.Tokens(), Mode: r.mode}
}

// originState is the per-origin bookkeeping. held token membership is kept
// as reference counts so a grant check costs O(len(scope)) instead of a
// rebuild of the unions over every held record.
type originState struct {
	requested []*lockRecord
	held      map[int64]*lockRecord

	sharedRefs    map[string]int
	exclusiveRefs map[string]int
}

func newOriginState() *originState {
	return &originState{
		held:          make(map[int64]*lockRecord),
		sharedRefs:    make(map[string]int),
		exclusiveRefs: make(map[string]int),
	}
}

func (st *originState) empty() bool {
	return len(st.requested) == 0 && len(st.held) == 0
}

func (st *originState) refs(m Mode) map[string]int {
	if m == Exclusive {
		return st.exclusiveRefs
	}
	return st.sharedRefs
}

// grantableAgainstHeld applies the grant rule against held records only.
func (st *originState) grantableAgainstHeld(s scope.Set, m Mode) bool {
	ok := true
	s.Each(func(tok string) {
		if st.exclusiveRefs[tok] > 0 {
			ok = false
		}
		if m == Exclusive && st.sharedRefs[tok] > 0 {
			ok = false
		}
	})
	return ok
}

func (st *originState) addHeld(r *lockRecord) {
	st.held[r.id] = r
	refs := st.refs(r.mode)
	r.scope.Each(func(tok string) { refs[tok]++ })
}

func (st *originState) removeHeld(id int64) (*lockRecord, bool) {
	r, ok := st.held[id]
	if !ok {
		return nil, false
	}
	delete(st.held, id)
	refs := st.refs(r.mode)
	r.scope.Each(func(tok string) {
		if refs[tok] <= 1 {
			delete(refs, tok)
		} else {
			refs[tok]--
		}
	})
	return r, true
}

func (st *originState) removeRequested(id int64) (*lockRecord, bool) {
	i := slices.IndexFunc(st.requested, func(r *lockRecord) bool { return r.id == id })
	if i < 0 {
		return nil, false
	}
	r := st.requested[i]
	st.requested = slices.Delete(st.requested, i, i+1)
	return r, true
}

func (st *originState) heldInfo() []LockInfo {
	out := make([]LockInfo, 0, len(st.held))
	for _, r := range st.held {
		out = append(out, r.info())
	}
	slices.SortFunc(out, func(a, b LockInfo) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (st *originState) requestedInfo() []LockInfo {
	out := make([]LockInfo, 0, len(st.requested))
	for _, r := range st.requested {
		out = append(out, r.info())
	}
	return out
}
