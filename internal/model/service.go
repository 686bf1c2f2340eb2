package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"originlock/internal/obs"
	"originlock/internal/origin"
	"originlock/internal/scope"
	"originlock/internal/storage"
)

// EventJournal persists lifecycle events. Append must not block.
type EventJournal interface {
	Append(storage.Entry) bool
}

type ServiceConfig struct {
	MaxTTL     time.Duration // 0 => unbounded
	RetryAfter time.Duration // hint returned with NOT_GRANTABLE
	Now        func() time.Time
}

type leaseMeta struct {
	leaseID string
	ownerID string
}

type lease struct {
	leaseMeta
	handle *Handle
	info   LockInfo
	origin origin.Origin
	expiry time.Time // zero => no expiry
}

type waiter struct {
	leaseMeta
	origin origin.Origin
	abort  chan struct{}
}

// Service hosts a Manager on a single goroutine and exposes it to any
// number of callers. Every call is posted to Run as a closure; nothing
// touches the manager or the lease tables outside that loop.
type Service struct {
	mgr     *Manager
	logger  *obs.Logger
	metrics *obs.Metrics
	journal EventJournal
	cfg     ServiceConfig

	cmds chan func()
	done chan struct{}

	leases     map[string]*lease
	byLock     map[int64]*lease
	waiting    map[int64]*waiter
	submitting *leaseMeta
	// journal kind for releases made by the current call, "" for the default
	releaseKind string
}

func NewService(logger *obs.Logger, metrics *obs.Metrics, journal EventJournal, cfg ServiceConfig) *Service {
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = 50 * time.Millisecond
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Service{
		mgr:     NewManager(WithClock(cfg.Now)),
		logger:  logger,
		metrics: metrics,
		journal: journal,
		cfg:     cfg,
		cmds:    make(chan func()),
		done:    make(chan struct{}),
		leases:  make(map[string]*lease),
		byLock:  make(map[int64]*lease),
		waiting: make(map[int64]*waiter),
	}
	s.mgr.Subscribe(s.onEvent)
	return s
}

// Run executes posted calls until ctx is cancelled. Leases still held at
// that point are released in one batch.
func (s *Service) Run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			n := s.releaseWhere(func(*lease) bool { return true }, s.abortWaiters(func(*waiter) bool { return true })...)
			if s.logger != nil && n > 0 {
				s.logger.Info(map[string]interface{}{"op": "shutdown", "released": n})
			}
			return
		case fn := <-s.cmds:
			fn()
			s.refreshGauges()
		}
	}
}

func (s *Service) do(ctx context.Context, fn func()) error {
	select {
	case s.cmds <- fn:
		return nil
	case <-s.done:
		return ErrServiceClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call posts fn and waits for it to finish.
func (s *Service) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := s.do(ctx, func() { defer close(finished); fn() }); err != nil {
		return err
	}
	<-finished
	return nil
}

func (s *Service) observeLatency(op string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.OpLatencyMS.WithLabelValues(op).Observe(float64(time.Since(start).Milliseconds()))
}

func (s *Service) incRequest(mode Mode, result string) {
	if s.metrics == nil {
		return
	}
	s.metrics.RequestTotal.WithLabelValues(mode.String(), result).Inc()
}

func (s *Service) incRelease(kind string, n int) {
	if s.metrics == nil || n == 0 {
		return
	}
	s.metrics.ReleaseTotal.WithLabelValues(kind).Add(float64(n))
}

func (s *Service) refreshGauges() {
	if s.metrics == nil {
		return
	}
	st := s.mgr.Stats()
	s.metrics.LocksHeld.Set(float64(st.Held))
	s.metrics.LocksRequested.Set(float64(st.Requested))
	s.metrics.OriginsActive.Set(float64(st.Origins))
}

func (s *Service) now(reqNow time.Time) time.Time {
	if !reqNow.IsZero() {
		return reqNow
	}
	return s.cfg.Now()
}

type submitted struct {
	id       int64
	err      error
	blockers []int64
}

// Acquire requests a lock and, with Wait, blocks until it is granted or ctx
// is done. A request abandoned through ctx is cancelled in the manager, and
// if the grant raced the cancellation the fresh lease is released again.
func (s *Service) Acquire(ctx context.Context, req AcquireRequest) (AcquireResult, error) {
	if strings.TrimSpace(req.OwnerID) == "" {
		return AcquireResult{}, fmt.Errorf("%w: owner_id required", ErrInvalidRequest)
	}
	if req.TTL < 0 {
		return AcquireResult{}, fmt.Errorf("%w: ttl must be >= 0", ErrInvalidRequest)
	}
	if s.cfg.MaxTTL > 0 && req.TTL > s.cfg.MaxTTL {
		return AcquireResult{}, fmt.Errorf("%w: ttl must be <= %s", ErrInvalidRequest, s.cfg.MaxTTL)
	}
	if req.Mode != Shared && req.Mode != Exclusive {
		return AcquireResult{}, fmt.Errorf("%w: invalid mode %v", ErrInvalidRequest, req.Mode)
	}
	o, err := origin.Create(req.Origin)
	if err != nil {
		return AcquireResult{}, fmt.Errorf("origin %q: %w", req.Origin, err)
	}
	sc := scope.New(req.Scopes...)
	start := time.Now()
	meta := leaseMeta{leaseID: uuid.NewString(), ownerID: req.OwnerID}

	var (
		res     AcquireResult
		logErr  string
		lockID  int64
		waitedQ bool
	)
	defer func() {
		s.observeLatency("acquire", start)
		if s.logger == nil {
			return
		}
		fields := map[string]interface{}{
			"op":         "acquire",
			"origin":     o.String(),
			"scopes":     sc.String(),
			"mode":       req.Mode.String(),
			"wait":       req.Wait.String(),
			"owner":      req.OwnerID,
			"acquired":   res.Acquired,
			"lock_id":    lockID,
			"queued":     waitedQ,
			"latency_ms": time.Since(start).Milliseconds(),
		}
		if res.Acquired {
			fields["lease_id"] = res.LeaseID
		}
		if res.Reason != "" {
			fields["reason"] = res.Reason
		}
		if logErr != "" {
			fields["error"] = logErr
			s.logger.Error(fields)
		} else {
			s.logger.Info(fields)
		}
	}()

	granted := make(chan *lease, 1)
	sub := make(chan submitted, 1)
	var abort chan struct{}
	if req.Wait == Wait {
		abort = make(chan struct{})
	}
	err = s.do(ctx, func() {
		s.submitting = &meta
		id, err := s.mgr.RequestLock(o, sc, req.Mode, req.Wait, func(h *Handle) {
			l := s.addLease(meta, o, h, sc, req.Mode, req.TTL)
			delete(s.waiting, h.id)
			granted <- l
		})
		s.submitting = nil
		out := submitted{id: id, err: err}
		if errors.Is(err, ErrNotGrantable) {
			out.blockers = s.mgr.Blockers(o, sc, req.Mode)
		} else if err == nil && s.byLock[id] == nil {
			s.waiting[id] = &waiter{leaseMeta: meta, origin: o, abort: abort}
		}
		sub <- out
	})
	if err != nil {
		logErr = err.Error()
		return AcquireResult{}, err
	}

	r := <-sub
	lockID = r.id
	switch {
	case errors.Is(r.err, ErrNotGrantable):
		s.incRequest(req.Mode, "not_grantable")
		res = AcquireResult{
			Origin:     o.Serialize(),
			Reason:     ReasonNotGrantable,
			Blockers:   r.blockers,
			RetryAfter: s.cfg.RetryAfter,
		}
		return res, nil
	case r.err != nil:
		logErr = r.err.Error()
		return AcquireResult{}, r.err
	}

	select {
	case l := <-granted:
		res = l.result()
		s.incRequest(req.Mode, "granted")
		return res, nil
	default:
	}
	waitedQ = true

	select {
	case l := <-granted:
		res = l.result()
		s.incRequest(req.Mode, "granted")
		return res, nil
	case <-abort:
		s.incRequest(req.Mode, "canceled")
		res = AcquireResult{Origin: o.Serialize(), Reason: ReasonCanceled}
		return res, ErrRequestCanceled
	case <-ctx.Done():
		_ = s.do(context.Background(), func() { s.cancel(o, r.id, meta.leaseID) })
		s.incRequest(req.Mode, "timeout")
		res = AcquireResult{Origin: o.Serialize(), Reason: ReasonWaitTimeout}
		return res, ctx.Err()
	case <-s.done:
		return AcquireResult{}, ErrServiceClosed
	}
}

func (s *Service) addLease(meta leaseMeta, o origin.Origin, h *Handle, sc scope.Set, mode Mode, ttl time.Duration) *lease {
	l := &lease{
		leaseMeta: meta,
		handle:    h,
		origin:    o,
		info:      LockInfo{ID: h.id, Scope: sc.Tokens(), Mode: mode},
	}
	if ttl > 0 {
		l.expiry = s.cfg.Now().Add(ttl)
	}
	s.leases[meta.leaseID] = l
	s.byLock[h.id] = l
	return l
}

func (l *lease) result() AcquireResult {
	return AcquireResult{
		Acquired:    true,
		Origin:      l.origin.Serialize(),
		LeaseID:     l.leaseID,
		LockID:      l.info.ID,
		LeaseExpiry: l.expiry,
	}
}

func (s *Service) dropLease(l *lease) {
	delete(s.leases, l.leaseID)
	delete(s.byLock, l.info.ID)
}

// cancel withdraws a request whose caller stopped waiting.
func (s *Service) cancel(o origin.Origin, id int64, leaseID string) {
	if l := s.leases[leaseID]; l != nil {
		l.handle.Release()
		s.dropLease(l)
		return
	}
	s.mgr.ReleaseLock(o, id)
	delete(s.waiting, id)
}

func (s *Service) Renew(ctx context.Context, req RenewRequest) (RenewResult, error) {
	if req.LeaseID == "" || req.OwnerID == "" {
		return RenewResult{}, fmt.Errorf("%w: lease_id and owner_id required", ErrInvalidRequest)
	}
	if req.ExtendBy <= 0 {
		return RenewResult{}, fmt.Errorf("%w: extend_by must be > 0", ErrInvalidRequest)
	}
	if s.cfg.MaxTTL > 0 && req.ExtendBy > s.cfg.MaxTTL {
		return RenewResult{}, fmt.Errorf("%w: extend_by must be <= %s", ErrInvalidRequest, s.cfg.MaxTTL)
	}
	start := time.Now()
	defer s.observeLatency("renew", start)

	var out RenewResult
	err := s.call(ctx, func() {
		now := s.now(req.Now)
		l := s.leases[req.LeaseID]
		if l == nil || l.ownerID != req.OwnerID || (!l.expiry.IsZero() && !l.expiry.After(now)) {
			out = RenewResult{Reason: ReasonNotOwnerOrExp}
			return
		}
		if !l.expiry.IsZero() {
			if next := now.Add(req.ExtendBy); next.After(l.expiry) {
				l.expiry = next
			}
		}
		out = RenewResult{Renewed: true, LeaseExpiry: l.expiry}
	})
	return out, err
}

// Release gives a lease back. Releasing twice reports UNKNOWN_LEASE the
// second time and has no other effect.
func (s *Service) Release(ctx context.Context, req ReleaseRequest) (ReleaseResult, error) {
	if req.LeaseID == "" || req.OwnerID == "" {
		return ReleaseResult{}, fmt.Errorf("%w: lease_id and owner_id required", ErrInvalidRequest)
	}
	start := time.Now()
	defer s.observeLatency("release", start)

	var out ReleaseResult
	err := s.call(ctx, func() {
		l := s.leases[req.LeaseID]
		switch {
		case l == nil:
			out = ReleaseResult{Reason: ReasonUnknownLease}
		case l.ownerID != req.OwnerID:
			out = ReleaseResult{Reason: ReasonNotOwner}
		default:
			l.handle.Release()
			s.dropLease(l)
			s.incRelease("release", 1)
			out = ReleaseResult{Released: true}
		}
	})
	if err == nil && s.logger != nil {
		s.logger.Info(map[string]interface{}{
			"op":         "release",
			"lease_id":   req.LeaseID,
			"owner":      req.OwnerID,
			"released":   out.Released,
			"reason":     out.Reason,
			"latency_ms": time.Since(start).Milliseconds(),
		})
	}
	return out, err
}

// ReleaseOwner tears down every lease and pending request of ownerID with a
// single arbitration pass per origin. It returns the number of leases
// released.
func (s *Service) ReleaseOwner(ctx context.Context, ownerID string) (int, error) {
	if ownerID == "" {
		return 0, fmt.Errorf("%w: owner_id required", ErrInvalidRequest)
	}
	var n int
	err := s.call(ctx, func() {
		refs := s.abortWaiters(func(w *waiter) bool { return w.ownerID == ownerID })
		n = s.releaseWhere(func(l *lease) bool { return l.ownerID == ownerID }, refs...)
		s.incRelease("teardown", n)
	})
	if err == nil && s.logger != nil && n > 0 {
		s.logger.Info(map[string]interface{}{"op": "release_owner", "owner": ownerID, "released": n})
	}
	return n, err
}

// SweepExpired releases every lease whose expiry is at or before now.
func (s *Service) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := s.call(ctx, func() {
		now := s.now(now)
		s.releaseKind = "expired"
		n = s.releaseWhere(func(l *lease) bool {
			return !l.expiry.IsZero() && !l.expiry.After(now)
		})
		s.releaseKind = ""
		s.incRelease("expired", n)
		if s.metrics != nil && n > 0 {
			s.metrics.ExpiredTotal.Add(float64(n))
		}
	})
	return n, err
}

// abortWaiters wakes the matching blocked Acquire calls and returns their
// records for cancellation. The waiters stay registered until the records
// are gone so the cancel events keep their owner.
func (s *Service) abortWaiters(match func(*waiter) bool) []LockRef {
	var refs []LockRef
	for id, w := range s.waiting {
		if match(w) {
			refs = append(refs, LockRef{Origin: w.origin, ID: id})
			close(w.abort)
		}
	}
	return refs
}

// releaseWhere releases the matching leases together with extra in a single
// manager batch and returns the number of leases released.
func (s *Service) releaseWhere(match func(*lease) bool, extra ...LockRef) int {
	refs := extra
	var gone []*lease
	for _, l := range s.leases {
		if !match(l) {
			continue
		}
		l.handle.released = true
		refs = append(refs, l.handle.ref())
		gone = append(gone, l)
	}
	if len(refs) > 0 {
		s.mgr.ReleaseLocks(refs)
	}
	for _, l := range gone {
		s.dropLease(l)
	}
	for _, ref := range extra {
		delete(s.waiting, ref.ID)
	}
	return len(gone)
}

// State reports the held and queued records of the origin derived from
// raw. Opaque inputs always yield an empty state, since each parse mints a
// new origin.
func (s *Service) State(ctx context.Context, raw string) (StateResult, error) {
	o, err := origin.Create(raw)
	if err != nil {
		return StateResult{}, fmt.Errorf("origin %q: %w", raw, err)
	}
	start := time.Now()
	defer s.observeLatency("state", start)

	out := StateResult{Origin: o.Serialize(), Opaque: o.IsOpaque()}
	err = s.call(ctx, func() {
		snap := s.mgr.Snapshot(o)
		for _, li := range snap.Held {
			v := LeaseView{LockInfo: li}
			if l := s.byLock[li.ID]; l != nil {
				v.LeaseID, v.OwnerID, v.LeaseExpiry = l.leaseID, l.ownerID, l.expiry
			}
			out.Held = append(out.Held, v)
		}
		for _, li := range snap.Requested {
			v := LeaseView{LockInfo: li}
			if w := s.waiting[li.ID]; w != nil {
				v.LeaseID, v.OwnerID = w.leaseID, w.ownerID
			}
			out.Requested = append(out.Requested, v)
		}
	})
	return out, err
}

// Stats returns live manager counters.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.call(ctx, func() { st = s.mgr.Stats() })
	return st, err
}

func (s *Service) onEvent(ev Event) {
	if s.journal == nil {
		return
	}
	var meta leaseMeta
	switch {
	case s.byLock[ev.LockID] != nil:
		meta = s.byLock[ev.LockID].leaseMeta
	case s.waiting[ev.LockID] != nil:
		meta = s.waiting[ev.LockID].leaseMeta
	case s.submitting != nil:
		meta = *s.submitting
	}
	kind := string(ev.Kind)
	if ev.Kind == EventReleased && s.releaseKind != "" {
		kind = s.releaseKind
	}
	s.journal.Append(storage.Entry{
		Kind:    kind,
		Origin:  ev.Origin.String(),
		Opaque:  ev.Origin.IsOpaque(),
		LockID:  ev.LockID,
		Mode:    ev.Mode.String(),
		Scopes:  ev.Scope.Tokens(),
		LeaseID: meta.leaseID,
		OwnerID: meta.ownerID,
		At:      ev.At,
	})
}
