package model

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"originlock/internal/origin"
	"originlock/internal/scope"
)

// recorder collects grants in order.
type recorder struct {
	handles map[int64]*Handle
	order   []int64
}

func newRecorder() *recorder {
	return &recorder{handles: make(map[int64]*Handle)}
}

func (r *recorder) done(h *Handle) {
	r.handles[h.id] = h
	r.order = append(r.order, h.id)
}

func (r *recorder) granted(id int64) bool {
	_, ok := r.handles[id]
	return ok
}

func mustOrigin(t *testing.T, raw string) origin.Origin {
	t.Helper()
	o, err := origin.Create(raw)
	require.NoError(t, err)
	return o
}

func request(t *testing.T, m *Manager, o origin.Origin, mode Mode, rec *recorder, tokens ...string) int64 {
	t.Helper()
	id, err := m.RequestLock(o, scope.New(tokens...), mode, Wait, rec.done)
	require.NoError(t, err)
	require.NotZero(t, id)
	return id
}

func TestExclusiveIsMutuallyExclusive(t *testing.T) {
	m := NewManager()
	o := mustOrigin(t, "https://example.com")
	rec := newRecorder()

	a := request(t, m, o, Exclusive, rec, "x")
	b := request(t, m, o, Exclusive, rec, "x")
	assert.True(t, rec.granted(a))
	assert.False(t, rec.granted(b))

	rec.handles[a].Release()
	assert.True(t, rec.granted(b))
	assert.Equal(t, []int64{a, b}, rec.order)
}

func TestSharedHoldersCoexist(t *testing.T) {
	m := NewManager()
	o := mustOrigin(t, "https://example.com")
	rec := newRecorder()

	s1 := request(t, m, o, Shared, rec, "x")
	s2 := request(t, m, o, Shared, rec, "x", "y")
	ex := request(t, m, o, Exclusive, rec, "x")
	assert.True(t, rec.granted(s1))
	assert.True(t, rec.granted(s2))
	assert.False(t, rec.granted(ex))

	rec.handles[s1].Release()
	assert.False(t, rec.granted(ex), "one shared holder is still there")

	rec.handles[s2].Release()
	assert.True(t, rec.granted(ex))
}

func TestQueuedRequestIsNotOvertaken(t *testing.T) {
	m := NewManager()
	o := mustOrigin(t, "https://example.com")
	rec := newRecorder()

	held := request(t, m, o, Shared, rec, "x")
	ex := request(t, m, o, Exclusive, rec, "x")
	late := request(t, m, o, Shared, rec, "x")
	other := request(t, m, o, Exclusive, rec, "y")

	assert.True(t, rec.granted(held))
	assert.False(t, rec.granted(ex))
	assert.False(t, rec.granted(late), "shared request behind a waiting exclusive one must wait")
	assert.True(t, rec.granted(other), "disjoint scope is granted right away")

	rec.handles[held].Release()
	assert.True(t, rec.granted(ex))
	assert.False(t, rec.granted(late))

	rec.handles[ex].Release()
	assert.True(t, rec.granted(late))
}

func TestWaitingSharedRequestsGrantedTogether(t *testing.T) {
	m := NewManager()
	o := mustOrigin(t, "https://example.com")
	rec := newRecorder()

	ex := request(t, m, o, Exclusive, rec, "x")
	s1 := request(t, m, o, Shared, rec, "x")
	s2 := request(t, m, o, Shared, rec, "x")

	rec.handles[ex].Release()
	assert.True(t, rec.granted(s1))
	assert.True(t, rec.granted(s2))
	assert.Equal(t, []int64{ex, s1, s2}, rec.order)
}

func TestNoWaitRejectsWithoutSideEffects(t *testing.T) {
	m := NewManager()
	o := mustOrigin(t, "https://example.com")
	rec := newRecorder()

	ex := request(t, m, o, Exclusive, rec, "x")
	before := m.Stats()

	called := false
	id, err := m.RequestLock(o, scope.New("x"), Shared, NoWait, func(*Handle) { called = true })
	require.ErrorIs(t, err, ErrNotGrantable)
	assert.Zero(t, id)
	assert.False(t, called)
	assert.Equal(t, before, m.Stats())

	y, err := m.RequestLock(o, scope.New("y"), Exclusive, NoWait, rec.done)
	require.NoError(t, err)
	assert.True(t, rec.granted(y))

	// the same request with Wait goes through once the holder leaves
	x := request(t, m, o, Shared, rec, "x")
	assert.False(t, rec.granted(x))
	rec.handles[ex].Release()
	assert.True(t, rec.granted(x))
}

func TestNoWaitIgnoresQueue(t *testing.T) {
	m := NewManager()
	o := mustOrigin(t, "https://example.com")
	rec := newRecorder()

	held := request(t, m, o, Shared, rec, "x")
	waiting := request(t, m, o, Exclusive, rec, "x")
	require.False(t, rec.granted(waiting))

	id, err := m.RequestLock(o, scope.New("x"), Shared, NoWait, rec.done)
	require.NoError(t, err)
	assert.True(t, rec.granted(id), "NoWait is checked against held records only")

	rec.handles[held].Release()
	assert.False(t, rec.granted(waiting))
	rec.handles[id].Release()
	assert.True(t, rec.granted(waiting))
}

func TestReleaseIsIdempotent(t *testing.T) {
	m := NewManager()
	o := mustOrigin(t, "https://example.com")
	rec := newRecorder()

	a := request(t, m, o, Exclusive, rec, "x")
	h := rec.handles[a]
	h.Release()
	assert.NotPanics(t, h.Release)
	assert.NotPanics(t, func() { m.ReleaseLock(o, a) })
	assert.NotPanics(t, func() { m.ReleaseLock(o, 9999) })
	assert.NotPanics(t, func() { m.ReleaseLock(mustOrigin(t, "https://never.example"), 1) })

	var nilHandle *Handle
	assert.NotPanics(t, nilHandle.Release)

	b := request(t, m, o, Exclusive, rec, "x")
	assert.True(t, rec.granted(b))
	h.Release()
	assert.Equal(t, 1, m.Stats().Held, "stale handle must not release the new holder")
}

func TestOriginStateRemovedWhenEmpty(t *testing.T) {
	m := NewManager()
	o := mustOrigin(t, "https://example.com")
	rec := newRecorder()

	assert.False(t, m.HasOriginState(o))
	a := request(t, m, o, Exclusive, rec, "x")
	b := request(t, m, o, Exclusive, rec, "x")
	assert.True(t, m.HasOriginState(o))

	rec.handles[a].Release()
	assert.True(t, m.HasOriginState(o))
	rec.handles[b].Release()
	assert.False(t, m.HasOriginState(o))
	assert.Equal(t, Stats{}, m.Stats())
}

func TestCancelQueuedRequest(t *testing.T) {
	m := NewManager()
	o := mustOrigin(t, "https://example.com")
	rec := newRecorder()

	var events []EventKind
	m.Subscribe(func(ev Event) { events = append(events, ev.Kind) })

	a := request(t, m, o, Exclusive, rec, "x")
	b := request(t, m, o, Exclusive, rec, "x")
	c := request(t, m, o, Exclusive, rec, "x")

	m.ReleaseLock(o, b)
	rec.handles[a].Release()

	assert.False(t, rec.granted(b), "a cancelled request never completes")
	assert.True(t, rec.granted(c))
	assert.Contains(t, events, EventCanceled)

	snap := m.Snapshot(o)
	require.Len(t, snap.Held, 1)
	assert.Equal(t, c, snap.Held[0].ID)
	assert.Empty(t, snap.Requested)
}

func TestReleaseLocksArbitratesOnce(t *testing.T) {
	m := NewManager()
	o := mustOrigin(t, "https://example.com")
	rec := newRecorder()

	s1 := request(t, m, o, Shared, rec, "x")
	s2 := request(t, m, o, Shared, rec, "x")
	ex := request(t, m, o, Exclusive, rec, "x")
	other := mustOrigin(t, "https://other.example")
	o2 := request(t, m, other, Exclusive, rec, "x")
	o2w := request(t, m, other, Exclusive, rec, "x")

	var grantedAt []int64
	m.Subscribe(func(ev Event) {
		if ev.Kind == EventGranted {
			grantedAt = append(grantedAt, ev.LockID)
		}
	})

	m.ReleaseLocks([]LockRef{
		rec.handles[s1].ref(),
		rec.handles[s2].ref(),
		rec.handles[o2].ref(),
	})
	assert.True(t, rec.granted(ex))
	assert.True(t, rec.granted(o2w))
	assert.ElementsMatch(t, []int64{ex, o2w}, grantedAt)
}

func TestReleaseInsideCompletion(t *testing.T) {
	m := NewManager()
	o := mustOrigin(t, "https://example.com")
	rec := newRecorder()

	a := request(t, m, o, Exclusive, rec, "x")

	var bHandle *Handle
	b, err := m.RequestLock(o, scope.New("x"), Exclusive, Wait, func(h *Handle) {
		bHandle = h
		h.Release()
	})
	require.NoError(t, err)
	c := request(t, m, o, Exclusive, rec, "x")

	rec.handles[a].Release()
	require.NotNil(t, bHandle)
	assert.Equal(t, b, bHandle.id)
	assert.True(t, rec.granted(c), "release from a completion re-arbitrates")

	snap := m.Snapshot(o)
	require.Len(t, snap.Held, 1)
	assert.Equal(t, c, snap.Held[0].ID)
}

func TestRequestInsideCompletion(t *testing.T) {
	m := NewManager()
	o := mustOrigin(t, "https://example.com")
	rec := newRecorder()

	var inner int64
	_, err := m.RequestLock(o, scope.New("x"), Shared, Wait, func(*Handle) {
		id, err := m.RequestLock(o, scope.New("x"), Shared, Wait, rec.done)
		require.NoError(t, err)
		inner = id
	})
	require.NoError(t, err)
	assert.True(t, rec.granted(inner))
}

func TestOriginsAreIndependent(t *testing.T) {
	m := NewManager()
	rec := newRecorder()

	a := request(t, m, mustOrigin(t, "https://a.example"), Exclusive, rec, "x")
	b := request(t, m, mustOrigin(t, "https://b.example"), Exclusive, rec, "x")
	c := request(t, m, mustOrigin(t, "http://a.example"), Exclusive, rec, "x")
	assert.True(t, rec.granted(a))
	assert.True(t, rec.granted(b))
	assert.True(t, rec.granted(c), "scheme is part of the origin")

	// same origin spelled differently
	d := request(t, m, mustOrigin(t, "https://A.example:443/path"), Exclusive, rec, "x")
	assert.False(t, rec.granted(d))
}

func TestOpaqueOrigins(t *testing.T) {
	m := NewManager()
	rec := newRecorder()

	o1 := origin.Opaque()
	o2 := origin.Opaque()
	a := request(t, m, o1, Exclusive, rec, "x")
	b := request(t, m, o2, Exclusive, rec, "x")
	assert.True(t, rec.granted(a))
	assert.True(t, rec.granted(b), "distinct opaque origins never share state")

	copied := o1
	c := request(t, m, copied, Exclusive, rec, "x")
	assert.False(t, rec.granted(c), "a copy is the same opaque origin")
}

func TestInvalidOriginRejected(t *testing.T) {
	m := NewManager()
	called := false
	_, err := m.RequestLock(origin.Origin{}, scope.New("x"), Exclusive, Wait, func(*Handle) { called = true })
	require.ErrorIs(t, err, ErrInvalidOrigin)
	assert.False(t, called)
	assert.Equal(t, Stats{}, m.Stats())
}

func TestUnknownModeRejected(t *testing.T) {
	m := NewManager()
	o := mustOrigin(t, "https://example.com")
	var events []Event
	m.Subscribe(func(ev Event) { events = append(events, ev) })

	for _, mode := range []Mode{Mode(-1), Mode(2), Mode(42)} {
		called := false
		_, err := m.RequestLock(o, scope.New("x"), mode, Wait, func(*Handle) { called = true })
		require.ErrorIs(t, err, ErrInvalidRequest)
		assert.False(t, called)

		_, err = m.RequestLock(o, scope.New("x"), mode, NoWait, nil)
		require.ErrorIs(t, err, ErrInvalidRequest)
	}
	assert.Empty(t, events)
	assert.Equal(t, Stats{}, m.Stats())
	assert.False(t, m.HasOriginState(o))
}

func TestEmptyScopeNeverConflicts(t *testing.T) {
	m := NewManager()
	o := mustOrigin(t, "https://example.com")
	rec := newRecorder()

	a := request(t, m, o, Exclusive, rec)
	b := request(t, m, o, Exclusive, rec)
	ex := request(t, m, o, Exclusive, rec, "x")
	assert.True(t, rec.granted(a))
	assert.True(t, rec.granted(b))
	assert.True(t, rec.granted(ex))
}

func TestConcurrentEntryPanics(t *testing.T) {
	m := NewManager()
	o := mustOrigin(t, "https://example.com")

	inCompletion := make(chan struct{})
	resume := make(chan struct{})
	ownerDone := make(chan struct{})
	go func() {
		defer close(ownerDone)
		_, _ = m.RequestLock(o, scope.New("x"), Exclusive, Wait, func(*Handle) {
			close(inCompletion)
			<-resume
		})
	}()
	<-inCompletion

	// the owner is parked inside a completion; this goroutine is not the owner
	assert.PanicsWithValue(t, wrongSequence, func() {
		_, _ = m.RequestLock(o, scope.New("y"), Exclusive, Wait, nil)
	})
	assert.PanicsWithValue(t, wrongSequence, func() {
		m.ReleaseLock(o, 1)
	})
	close(resume)
	<-ownerDone

	// an idle manager may be picked up by another goroutine
	_, err := m.RequestLock(o, scope.New("y"), Exclusive, Wait, nil)
	assert.NoError(t, err)
	assert.Equal(t, 2, m.Stats().Held)
}

func TestReentryFromOwnerCallback(t *testing.T) {
	m := NewManager()
	o := mustOrigin(t, "https://example.com")

	var nested int64
	_, err := m.RequestLock(o, scope.New("x"), Exclusive, Wait, func(h *Handle) {
		id, err := m.RequestLock(o, scope.New("y"), Shared, NoWait, nil)
		require.NoError(t, err)
		nested = id
		h.Release()
	})
	require.NoError(t, err)
	assert.NotZero(t, nested)
	assert.Equal(t, 1, m.Stats().Held)
}

func TestGoroutineIDIsStable(t *testing.T) {
	a, b := goid(), goid()
	assert.Equal(t, a, b)

	other := make(chan uint64)
	go func() { other <- goid() }()
	assert.NotEqual(t, a, <-other)
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	m := NewManager()
	o := mustOrigin(t, "https://example.com")
	rec := newRecorder()

	var got []Event
	unsubscribe := m.Subscribe(func(ev Event) { got = append(got, ev) })

	a := request(t, m, o, Exclusive, rec, "x")
	_, err := m.RequestLock(o, scope.New("x"), Exclusive, NoWait, nil)
	require.ErrorIs(t, err, ErrNotGrantable)
	rec.handles[a].Release()

	kinds := make([]EventKind, 0, len(got))
	for _, ev := range got {
		kinds = append(kinds, ev.Kind)
		assert.Equal(t, o, ev.Origin)
	}
	assert.Equal(t, []EventKind{EventRequested, EventGranted, EventRejected, EventReleased}, kinds)
	assert.Equal(t, a, got[1].LockID)
	assert.Equal(t, []string{"x"}, got[1].Scope.Tokens())

	unsubscribe()
	unsubscribe()
	request(t, m, o, Shared, rec, "y")
	assert.Len(t, got, 4)
}

func TestGrantedEventPrecedesCompletion(t *testing.T) {
	m := NewManager()
	o := mustOrigin(t, "https://example.com")

	var seen []string
	m.Subscribe(func(ev Event) {
		if ev.Kind == EventGranted {
			seen = append(seen, "event")
		}
	})
	_, err := m.RequestLock(o, scope.New("x"), Shared, Wait, func(*Handle) {
		seen = append(seen, "completion")
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"event", "completion"}, seen)
}

func TestBlockers(t *testing.T) {
	m := NewManager()
	o := mustOrigin(t, "https://example.com")
	rec := newRecorder()

	s := request(t, m, o, Shared, rec, "a")
	e := request(t, m, o, Exclusive, rec, "b")
	request(t, m, o, Exclusive, rec, "c")

	assert.Equal(t, []int64{e}, m.Blockers(o, scope.New("a", "b"), Shared))
	assert.Equal(t, []int64{s, e}, m.Blockers(o, scope.New("a", "b"), Exclusive))
	assert.Empty(t, m.Blockers(o, scope.New("z"), Exclusive))
	assert.Empty(t, m.Blockers(mustOrigin(t, "https://other.example"), scope.New("a"), Exclusive))
}

func TestHandleOutlivingManager(t *testing.T) {
	o := mustOrigin(t, "https://example.com")
	var h *Handle
	func() {
		m := NewManager()
		_, err := m.RequestLock(o, scope.New("x"), Exclusive, Wait, func(got *Handle) { h = got })
		require.NoError(t, err)
	}()
	runtime.GC()
	require.NotNil(t, h)
	assert.NotPanics(t, h.Release)
}
