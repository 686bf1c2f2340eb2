package model

import (
	"fmt"
	"slices"
	"time"
	"weak"

	"originlock/internal/origin"
	"originlock/internal/scope"
)

// Completion receives the handle of a granted request. It is invoked at most
// once, on the manager's sequence, possibly before RequestLock returns.
type Completion func(h *Handle)

// LockRef names a record for release.
type LockRef struct {
	Origin origin.Origin
	ID     int64
}

// Manager grants shared and exclusive locks over scopes, keyed per origin.
//
// A Manager is not safe for concurrent use. All calls must come from one
// sequence (a single goroutine or an actor loop, see Service). Completions
// and subscribers may call back into the manager; a concurrent call from a
// different goroutine panics.
type Manager struct {
	self    weak.Pointer[Manager]
	seq     affinity
	now     func() time.Time
	nextID  int64
	origins map[origin.Origin]*originState
	dirty   map[origin.Origin]struct{}
	events  registry
}

type Option func(*Manager)

// WithClock sets the clock used to stamp events.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		now:     time.Now,
		origins: make(map[origin.Origin]*originState),
		dirty:   make(map[origin.Origin]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.self = weak.Make(m)
	return m
}

// Subscribe registers fn for lifecycle events. The returned func removes
// the subscription and is safe to call more than once.
func (m *Manager) Subscribe(fn func(Event)) (unsubscribe func()) {
	return m.events.subscribe(fn)
}

// RequestLock asks for a lock on scope s of origin o and returns the new
// record id.
//
// With NoWait the request is checked against held records only; if it
// conflicts, ErrNotGrantable is returned and nothing is queued. Otherwise
// the record joins the origin's FIFO queue and done is called once it is
// granted. Calling ReleaseLock with the returned id before the grant
// cancels the request.
func (m *Manager) RequestLock(o origin.Origin, s scope.Set, mode Mode, wait WaitPolicy, done Completion) (int64, error) {
	if !o.IsValid() {
		return 0, ErrInvalidOrigin
	}
	if mode != Shared && mode != Exclusive {
		return 0, fmt.Errorf("%w: invalid mode %v", ErrInvalidRequest, mode)
	}
	if done == nil {
		done = func(*Handle) {}
	}
	re := m.seq.enter()
	defer m.seq.exit(re)

	m.nextID++
	r := &lockRecord{id: m.nextID, scope: s, mode: mode, done: done}

	st := m.origins[o]
	if wait == NoWait {
		if st != nil && !st.grantableAgainstHeld(s, mode) {
			m.publish(EventRejected, o, r)
			return 0, ErrNotGrantable
		}
		// NoWait bypasses the queue: it only has to fit the held set.
		if st == nil {
			st = newOriginState()
			m.origins[o] = st
		}
		m.publish(EventRequested, o, r)
		st.addHeld(r)
		m.grant(o, r)
		if !re {
			m.drain()
		}
		return r.id, nil
	}

	if st == nil {
		st = newOriginState()
		m.origins[o] = st
	}
	st.requested = append(st.requested, r)
	m.publish(EventRequested, o, r)
	m.dirty[o] = struct{}{}
	if !re {
		m.drain()
	}
	return r.id, nil
}

// ReleaseLock releases a held record or cancels a queued one, then
// re-arbitrates the origin. Unknown ids are ignored.
func (m *Manager) ReleaseLock(o origin.Origin, id int64) {
	re := m.seq.enter()
	defer m.seq.exit(re)

	if !m.release(o, id) {
		return
	}
	m.dirty[o] = struct{}{}
	if !re {
		m.drain()
	}
}

// ReleaseLocks applies every release first and then arbitrates each
// affected origin once.
func (m *Manager) ReleaseLocks(refs []LockRef) {
	re := m.seq.enter()
	defer m.seq.exit(re)

	for _, ref := range refs {
		if m.release(ref.Origin, ref.ID) {
			m.dirty[ref.Origin] = struct{}{}
		}
	}
	if !re {
		m.drain()
	}
}

// Blockers returns the ids of held records that keep a request for scope s
// in the given mode from being granted, in id order.
func (m *Manager) Blockers(o origin.Origin, s scope.Set, mode Mode) []int64 {
	re := m.seq.enter()
	defer m.seq.exit(re)

	st := m.origins[o]
	if st == nil {
		return nil
	}
	var ids []int64
	for id, r := range st.held {
		if mode == Shared && r.mode == Shared {
			continue
		}
		if scope.Intersects(r.scope, s) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// OriginSnapshot is a copy of one origin's state.
type OriginSnapshot struct {
	Origin    origin.Origin
	Held      []LockInfo
	Requested []LockInfo
}

func (m *Manager) Snapshot(o origin.Origin) OriginSnapshot {
	re := m.seq.enter()
	defer m.seq.exit(re)

	snap := OriginSnapshot{Origin: o}
	if st := m.origins[o]; st != nil {
		snap.Held = st.heldInfo()
		snap.Requested = st.requestedInfo()
	}
	return snap
}

// HasOriginState reports whether any bookkeeping exists for o.
func (m *Manager) HasOriginState(o origin.Origin) bool {
	re := m.seq.enter()
	defer m.seq.exit(re)

	_, ok := m.origins[o]
	return ok
}

func (m *Manager) Stats() Stats {
	re := m.seq.enter()
	defer m.seq.exit(re)

	s := Stats{Origins: len(m.origins)}
	for _, st := range m.origins {
		s.Held += len(st.held)
		s.Requested += len(st.requested)
	}
	return s
}

func (m *Manager) release(o origin.Origin, id int64) bool {
	st := m.origins[o]
	if st == nil {
		return false
	}
	var kind EventKind
	r, ok := st.removeRequested(id)
	if ok {
		kind = EventCanceled
	} else if r, ok = st.removeHeld(id); ok {
		kind = EventReleased
	} else {
		return false
	}
	if st.empty() {
		delete(m.origins, o)
	}
	m.publish(kind, o, r)
	return true
}

// drain arbitrates dirty origins until none are left. Completions run
// during a pass may release locks and mark origins dirty again.
func (m *Manager) drain() {
	for len(m.dirty) > 0 {
		batch := make([]origin.Origin, 0, len(m.dirty))
		for o := range m.dirty {
			batch = append(batch, o)
		}
		clear(m.dirty)
		slices.SortFunc(batch, origin.Origin.Compare)
		for _, o := range batch {
			m.arbitrate(o)
		}
	}
}

// arbitrate scans the queue in FIFO order. A record is granted when it fits
// the held set and does not intersect an earlier record still waiting, so
// a later request never overtakes an earlier conflicting one.
func (m *Manager) arbitrate(o origin.Origin) {
	st := m.origins[o]
	if st == nil || len(st.requested) == 0 {
		return
	}
	var (
		waitingShared    scope.Set
		waitingExclusive scope.Set
		granted          []*lockRecord
		remaining        = make([]*lockRecord, 0, len(st.requested))
	)
	for _, r := range st.requested {
		blocked := scope.Intersects(waitingExclusive, r.scope) ||
			(r.mode == Exclusive && scope.Intersects(waitingShared, r.scope))
		if !blocked && st.grantableAgainstHeld(r.scope, r.mode) {
			st.addHeld(r)
			granted = append(granted, r)
			continue
		}
		remaining = append(remaining, r)
		if r.mode == Exclusive {
			waitingExclusive = scope.Union(waitingExclusive, r.scope)
		} else {
			waitingShared = scope.Union(waitingShared, r.scope)
		}
	}
	st.requested = remaining

	for _, r := range granted {
		// An earlier completion may already have released this record.
		if cur := m.origins[o]; cur == nil || cur.held[r.id] != r {
			continue
		}
		m.grant(o, r)
	}
}

func (m *Manager) grant(o origin.Origin, r *lockRecord) {
	h := &Handle{mgr: m.self, origin: o, id: r.id}
	m.publish(EventGranted, o, r)
	m.seq.callback(func() { r.done(h) })
}

func (m *Manager) publish(kind EventKind, o origin.Origin, r *lockRecord) {
	subs := m.events.snapshot()
	if len(subs) == 0 {
		return
	}
	ev := Event{Kind: kind, Origin: o, LockID: r.id, Scope: r.scope, Mode: r.mode, At: m.now()}
	m.seq.callback(func() {
		for _, s := range subs {
			s.fn(ev)
		}
	})
}
