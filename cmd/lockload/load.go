package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"originlock/pkg/lockclient"
)

type LoadConfig struct {
	BaseURL     string
	Origin      string
	Clients     int
	Duration    time.Duration
	Scopes      []string
	SharedRatio float64
	TTL         time.Duration
	Hold        time.Duration
	Jitter      time.Duration
	FailRate    float64
	Wait        bool
}

func (c LoadConfig) Validate() error {
	switch {
	case c.BaseURL == "":
		return errors.New("--url is required")
	case c.Origin == "":
		return errors.New("--origin is required")
	case c.Clients <= 0:
		return errors.New("--clients must be > 0")
	case c.Duration <= 0:
		return errors.New("--duration must be > 0")
	case len(c.Scopes) == 0:
		return errors.New("--scopes must name at least one token")
	case c.SharedRatio < 0 || c.SharedRatio > 1:
		return errors.New("--shared-ratio must be in [0, 1]")
	case c.TTL < 0:
		return errors.New("--ttl must be >= 0")
	case c.Jitter < 0:
		return errors.New("--jitter must be >= 0")
	case c.FailRate > 0 && c.TTL == 0:
		return errors.New("--failrate needs a --ttl")
	}
	return nil
}

// ProtectedResource simulates a downstream system guarded by fencing tokens.
// It accepts a write only if token >= lastToken, then sets lastToken=token.
// It also tracks concurrent holders to catch overlapping exclusive grants.
type ProtectedResource struct {
	mu        sync.Mutex
	lastToken int64
	accepted  int64
	rejected  int64

	readers  int
	writers  int
	overlaps int64
}

func (p *ProtectedResource) TryWrite(token int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if token < p.lastToken {
		p.rejected++
		return false
	}
	p.lastToken = token
	p.accepted++
	return true
}

// Enter registers a holder and reports whether it overlaps a conflicting one.
func (p *ProtectedResource) Enter(exclusive bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	overlap := p.writers > 0 || (exclusive && p.readers > 0)
	if overlap {
		p.overlaps++
	}
	if exclusive {
		p.writers++
	} else {
		p.readers++
	}
	return overlap
}

func (p *ProtectedResource) Leave(exclusive bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if exclusive {
		p.writers--
	} else {
		p.readers--
	}
}

func (p *ProtectedResource) Stats() (accepted, rejected, last, overlaps int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accepted, p.rejected, p.lastToken, p.overlaps
}

type ScopeReport struct {
	WritesAccepted int64 `json:"writes_accepted"`
	StaleRejected  int64 `json:"stale_rejected"`
	LastToken      int64 `json:"last_token"`
	Overlaps       int64 `json:"overlaps"`
}

type Report struct {
	Elapsed        time.Duration          `json:"elapsed"`
	Clients        int                    `json:"clients"`
	Origin         string                 `json:"origin"`
	AcquireSuccess int64                  `json:"acquire_success"`
	AcquireFail    int64                  `json:"acquire_fail"`
	ReleaseSuccess int64                  `json:"release_success"`
	Renewals       int64                  `json:"heartbeat_renewals"`
	LeasesLost     int64                  `json:"leases_lost"`
	Errors         int64                  `json:"errors"`
	Scopes         map[string]ScopeReport `json:"scopes"`
}

func (r Report) Print(w io.Writer) {
	fmt.Fprintln(w, "=== originlock contention test ===")
	fmt.Fprintf(w, "duration: %s, clients: %d, origin: %s\n", r.Elapsed, r.Clients, r.Origin)
	fmt.Fprintf(w, "acquire_success: %d\n", r.AcquireSuccess)
	fmt.Fprintf(w, "acquire_fail:    %d\n", r.AcquireFail)
	fmt.Fprintf(w, "release_success: %d\n", r.ReleaseSuccess)
	fmt.Fprintf(w, "renewals:        %d\n", r.Renewals)
	fmt.Fprintf(w, "leases_lost:     %d\n", r.LeasesLost)
	fmt.Fprintf(w, "errors:          %d\n", r.Errors)
	for name, s := range r.Scopes {
		fmt.Fprintf(w, "scope %-8s accepted=%d stale_rejected=%d last_token=%d overlaps=%d\n",
			name, s.WritesAccepted, s.StaleRejected, s.LastToken, s.Overlaps)
	}
}

type counters struct {
	acqOK, acqFail, releaseOK, errs atomic.Int64
	renewals, leaseLost             atomic.Int64
}

// Run drives cfg.Clients workers until cfg.Duration elapses or ctx is done.
// Overlaps are only expected when leases are allowed to expire mid-hold
// (FailRate > 0); stale writes are then caught by the fencing check.
func Run(ctx context.Context, cfg LoadConfig) Report {
	ctx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	resources := make(map[string]*ProtectedResource, len(cfg.Scopes))
	for _, s := range cfg.Scopes {
		resources[s] = &ProtectedResource{}
	}
	httpc := &http.Client{Timeout: 10 * time.Second}

	var (
		cnt counters
		wg  sync.WaitGroup
	)
	start := time.Now()
	for i := 0; i < cfg.Clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w := worker{
				cfg:       cfg,
				owner:     fmt.Sprintf("c-%d", i),
				client:    lockclient.New(cfg.BaseURL, httpc),
				rng:       rand.New(rand.NewSource(time.Now().UnixNano() + int64(i))),
				resources: resources,
				cnt:       &cnt,
			}
			w.loop(ctx)
		}(i)
	}
	wg.Wait()

	rep := Report{
		Elapsed:        time.Since(start),
		Clients:        cfg.Clients,
		Origin:         cfg.Origin,
		AcquireSuccess: cnt.acqOK.Load(),
		AcquireFail:    cnt.acqFail.Load(),
		ReleaseSuccess: cnt.releaseOK.Load(),
		Renewals:       cnt.renewals.Load(),
		LeasesLost:     cnt.leaseLost.Load(),
		Errors:         cnt.errs.Load(),
		Scopes:         make(map[string]ScopeReport, len(resources)),
	}
	for name, pr := range resources {
		a, r, last, o := pr.Stats()
		rep.Scopes[name] = ScopeReport{WritesAccepted: a, StaleRejected: r, LastToken: last, Overlaps: o}
	}
	return rep
}

type worker struct {
	cfg       LoadConfig
	owner     string
	client    *lockclient.Client
	rng       *rand.Rand
	resources map[string]*ProtectedResource
	cnt       *counters
}

// pick chooses one or two distinct scope tokens.
func (w *worker) pick() []string {
	first := w.cfg.Scopes[w.rng.Intn(len(w.cfg.Scopes))]
	if len(w.cfg.Scopes) == 1 || w.rng.Float64() < 0.7 {
		return []string{first}
	}
	second := w.cfg.Scopes[w.rng.Intn(len(w.cfg.Scopes))]
	if second == first {
		return []string{first}
	}
	return []string{first, second}
}

func (w *worker) loop(ctx context.Context) {
	for ctx.Err() == nil {
		mode := "exclusive"
		if w.rng.Float64() < w.cfg.SharedRatio {
			mode = "shared"
		}
		req := lockclient.LockRequest{Origin: w.cfg.Origin, Scopes: w.pick(), Mode: mode, TTL: w.cfg.TTL}

		var (
			lease lockclient.Lease
			na    *lockclient.NotAcquiredError
			err   error
		)
		if w.cfg.Wait {
			lease, na, err = w.client.Acquire(ctx, req, w.owner, 2*time.Second)
		} else {
			lease, na, err = w.client.AcquireOnce(ctx, req, w.owner)
		}
		if err != nil {
			if ctx.Err() == nil {
				w.cnt.errs.Add(1)
			}
			continue
		}
		if na != nil {
			w.cnt.acqFail.Add(1)
			sleep := time.Duration(na.RecommendedRetry) * time.Millisecond
			if sleep <= 0 {
				sleep = 20 * time.Millisecond
			}
			time.Sleep(sleep)
			continue
		}
		w.cnt.acqOK.Add(1)
		w.hold(lease, mode == "exclusive")

		// release may report UNKNOWN_LEASE if the lease expired mid-hold; that's fine
		released, _, err := w.client.ReleaseOnce(context.Background(), lease)
		if err != nil {
			w.cnt.errs.Add(1)
		} else if released {
			w.cnt.releaseOK.Add(1)
		}

		// small think time to avoid tight loop
		time.Sleep(5 * time.Millisecond)
	}
}

// hold sits in the critical section. Holds longer than half the TTL are
// kept alive with a heartbeat; injected stalls are not, so their leases
// can expire underneath them.
func (w *worker) hold(lease lockclient.Lease, exclusive bool) {
	for _, s := range lease.Scopes {
		w.resources[s].Enter(exclusive)
	}
	if w.cfg.FailRate > 0 && w.rng.Float64() < w.cfg.FailRate {
		time.Sleep(w.cfg.TTL + 50*time.Millisecond)
	} else {
		d := w.cfg.Hold + time.Duration(w.rng.Int63n(int64(w.cfg.Jitter)+1))
		var hb *lockclient.Heartbeat
		if w.cfg.TTL > 0 && d > w.cfg.TTL/2 {
			hb = w.client.StartHeartbeat(context.Background(), lease, lockclient.HeartbeatOptions{ExtendBy: w.cfg.TTL})
		}
		time.Sleep(d)
		if hb != nil {
			if errors.Is(hb.Stop(), lockclient.ErrLeaseLost) {
				w.cnt.leaseLost.Add(1)
			}
			w.cnt.renewals.Add(hb.Renewals())
		}
	}
	for _, s := range lease.Scopes {
		pr := w.resources[s]
		if exclusive {
			pr.TryWrite(lease.FencingToken())
		}
		pr.Leave(exclusive)
	}
}
