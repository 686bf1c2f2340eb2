package main

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"originlock/internal/api"
	"originlock/internal/model"
)

func TestProtectedResource(t *testing.T) {
	pr := &ProtectedResource{}
	assert.True(t, pr.TryWrite(5))
	assert.True(t, pr.TryWrite(5))
	assert.False(t, pr.TryWrite(4))

	assert.False(t, pr.Enter(false))
	assert.False(t, pr.Enter(false), "readers share")
	assert.True(t, pr.Enter(true), "writer over readers")
	pr.Leave(true)
	pr.Leave(false)
	pr.Leave(false)
	assert.False(t, pr.Enter(true))

	accepted, rejected, last, overlaps := pr.Stats()
	assert.EqualValues(t, 2, accepted)
	assert.EqualValues(t, 1, rejected)
	assert.EqualValues(t, 5, last)
	assert.EqualValues(t, 1, overlaps)
}

func TestSplitScopesAndValidate(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitScopes(" a, ,b,"))
	assert.Empty(t, splitScopes(""))

	cfg := LoadConfig{BaseURL: "http://x", Origin: "https://o.example", Clients: 1, Duration: time.Second, Scopes: []string{"a"}}
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.SharedRatio = 2
	assert.Error(t, bad.Validate())
	bad = cfg
	bad.FailRate = 0.1
	assert.Error(t, bad.Validate(), "failrate needs a ttl")
	bad = cfg
	bad.Scopes = nil
	assert.Error(t, bad.Validate())
}

func TestRunAgainstServer(t *testing.T) {
	for _, wait := range []bool{false, true} {
		svc := model.NewService(nil, nil, nil, model.ServiceConfig{RetryAfter: 2 * time.Millisecond})
		ctx, cancel := context.WithCancel(context.Background())
		go svc.Run(ctx)
		ts := httptest.NewServer(api.NewServer(svc, api.Options{MaxWait: time.Second}).Handler())

		rep := Run(context.Background(), LoadConfig{
			BaseURL:     ts.URL,
			Origin:      "https://load.example",
			Clients:     6,
			Duration:    300 * time.Millisecond,
			Scopes:      []string{"a", "b"},
			SharedRatio: 0.5,
			Hold:        2 * time.Millisecond,
			Jitter:      2 * time.Millisecond,
			Wait:        wait,
		})
		ts.Close()
		cancel()

		assert.Positive(t, rep.AcquireSuccess, "wait=%v", wait)
		for name, s := range rep.Scopes {
			assert.Zero(t, s.Overlaps, "scope %s wait=%v", name, wait)
			assert.Zero(t, s.StaleRejected, "scope %s wait=%v", name, wait)
		}
	}
}

func TestRunKeepsLongHoldsAlive(t *testing.T) {
	svc := model.NewService(nil, nil, nil, model.ServiceConfig{RetryAfter: 2 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)
	go model.NewExpirationMonitor(svc, nil, 5*time.Millisecond).Run(ctx)
	ts := httptest.NewServer(api.NewServer(svc, api.Options{MaxWait: time.Second}).Handler())
	defer ts.Close()

	// holds outlast the ttl, so only heartbeats keep the leases from being swept
	rep := Run(context.Background(), LoadConfig{
		BaseURL:  ts.URL,
		Origin:   "https://load.example",
		Clients:  2,
		Duration: 700 * time.Millisecond,
		Scopes:   []string{"a"},
		TTL:      150 * time.Millisecond,
		Hold:     250 * time.Millisecond,
		Wait:     true,
	})

	require.Positive(t, rep.AcquireSuccess)
	assert.Positive(t, rep.Renewals)
	assert.Zero(t, rep.LeasesLost)
	assert.Equal(t, rep.AcquireSuccess, rep.ReleaseSuccess)
	assert.Zero(t, rep.Scopes["a"].Overlaps)
	assert.Zero(t, rep.Scopes["a"].StaleRejected)
}
