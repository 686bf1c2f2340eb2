package lockclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type Client struct {
	baseURL string
	http    *http.Client
	rng     *rand.Rand
}

func New(baseURL string, hc *http.Client) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	if hc == nil {
		hc = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		baseURL: baseURL,
		http:    hc,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// ---- Wire format ----

type acquireReq struct {
	Origin        string   `json:"origin"`
	Scopes        []string `json:"scopes"`
	Mode          string   `json:"mode,omitempty"`
	Wait          bool     `json:"wait"`
	OwnerID       string   `json:"owner_id"`
	TTLMS         int64    `json:"ttl_ms"`
	WaitTimeoutMS int64    `json:"wait_timeout_ms,omitempty"`
}
type acquireResp struct {
	Acquired         bool    `json:"acquired"`
	Origin           string  `json:"origin,omitempty"`
	LeaseID          string  `json:"lease_id,omitempty"`
	LockID           int64   `json:"lock_id,omitempty"`
	LeaseExpiryMS    int64   `json:"lease_expiry_ms,omitempty"`
	Reason           string  `json:"reason,omitempty"`
	Blockers         []int64 `json:"blockers,omitempty"`
	RecommendedRetry int64   `json:"recommended_retry_ms,omitempty"`
}

type renewReq struct {
	OwnerID    string `json:"owner_id"`
	ExtendByMS int64  `json:"extend_by_ms"`
}
type renewResp struct {
	Renewed       bool   `json:"renewed"`
	Reason        string `json:"reason,omitempty"` // NOT_OWNER_OR_EXPIRED
	LeaseExpiryMS int64  `json:"lease_expiry_ms,omitempty"`
}

type releaseReq struct {
	OwnerID string `json:"owner_id"`
}
type releaseResp struct {
	Released bool   `json:"released"`
	Reason   string `json:"reason,omitempty"` // NOT_OWNER | UNKNOWN_LEASE
}

type eventsResp struct {
	Origin string  `json:"origin"`
	Events []Event `json:"events"`
}

// ---- Low-level operations ----

// AcquireOnce makes one no-wait attempt.
func (c *Client) AcquireOnce(ctx context.Context, req LockRequest, ownerID string) (Lease, *NotAcquiredError, error) {
	return c.acquire(ctx, req, ownerID, false, 0)
}

// Acquire queues the request on the server and blocks until it is granted,
// the server-side wait window (capped by the server) elapses, or ctx is done.
// A window that elapses is reported as a NotAcquiredError with reason
// WAIT_TIMEOUT.
func (c *Client) Acquire(ctx context.Context, req LockRequest, ownerID string, waitTimeout time.Duration) (Lease, *NotAcquiredError, error) {
	return c.acquire(ctx, req, ownerID, true, waitTimeout)
}

func (c *Client) acquire(ctx context.Context, req LockRequest, ownerID string, wait bool, waitTimeout time.Duration) (Lease, *NotAcquiredError, error) {
	if req.Origin == "" || ownerID == "" {
		return Lease{}, nil, fmt.Errorf("origin and ownerID required")
	}
	if req.TTL < 0 {
		return Lease{}, nil, fmt.Errorf("ttl must be >= 0")
	}

	path := c.baseURL + "/v1/locks/acquire"
	reqBody := acquireReq{
		Origin:        req.Origin,
		Scopes:        req.Scopes,
		Mode:          req.Mode,
		Wait:          wait,
		OwnerID:       ownerID,
		TTLMS:         req.TTL.Milliseconds(),
		WaitTimeoutMS: waitTimeout.Milliseconds(),
	}

	var out acquireResp
	code, raw, err := c.doJSON(ctx, http.MethodPost, path, reqBody, &out)
	if err != nil {
		return Lease{}, nil, err
	}

	if code == http.StatusOK && out.Acquired {
		return Lease{
			Origin:        out.Origin,
			Scopes:        req.Scopes,
			Mode:          req.Mode,
			OwnerID:       ownerID,
			LeaseID:       out.LeaseID,
			LockID:        out.LockID,
			LeaseExpiryMS: out.LeaseExpiryMS,
		}, nil, nil
	}

	if code == http.StatusConflict {
		return Lease{}, &NotAcquiredError{
			Origin:           req.Origin,
			Reason:           out.Reason,
			RecommendedRetry: out.RecommendedRetry,
			Blockers:         out.Blockers,
		}, nil
	}

	return Lease{}, nil, &UnexpectedStatusError{
		Method: http.MethodPost,
		Path:   path,
		Code:   code,
		Body:   raw,
	}
}

func (c *Client) RenewOnce(ctx context.Context, l Lease, extendBy time.Duration) (int64 /*new expiry ms*/, bool /*renewed*/, string /*reason*/, error) {
	if l.OwnerID == "" || l.LeaseID == "" {
		return 0, false, "", fmt.Errorf("invalid lease")
	}
	if extendBy <= 0 {
		return 0, false, "", fmt.Errorf("extendBy must be > 0")
	}

	path := fmt.Sprintf("%s/v1/leases/%s/renew", c.baseURL, url.PathEscape(l.LeaseID))
	reqBody := renewReq{
		OwnerID:    l.OwnerID,
		ExtendByMS: extendBy.Milliseconds(),
	}

	var out renewResp
	code, raw, err := c.doJSON(ctx, http.MethodPost, path, reqBody, &out)
	if err != nil {
		return 0, false, "", err
	}

	if code == http.StatusOK || code == http.StatusConflict {
		return out.LeaseExpiryMS, out.Renewed, out.Reason, nil
	}

	return 0, false, "", &UnexpectedStatusError{Method: http.MethodPost, Path: path, Code: code, Body: raw}
}

func (c *Client) ReleaseOnce(ctx context.Context, l Lease) (bool, string, error) {
	if l.OwnerID == "" || l.LeaseID == "" {
		return false, "", fmt.Errorf("invalid lease")
	}

	path := fmt.Sprintf("%s/v1/leases/%s/release", c.baseURL, url.PathEscape(l.LeaseID))
	reqBody := releaseReq{OwnerID: l.OwnerID}

	var out releaseResp
	code, raw, err := c.doJSON(ctx, http.MethodPost, path, reqBody, &out)
	if err != nil {
		return false, "", err
	}

	if code == http.StatusOK {
		return out.Released, out.Reason, nil
	}

	return false, "", &UnexpectedStatusError{Method: http.MethodPost, Path: path, Code: code, Body: raw}
}

// State returns the held and queued records of origin.
func (c *Client) State(ctx context.Context, origin string) (OriginState, error) {
	path := c.baseURL + "/v1/origins/state?" + url.Values{"origin": {origin}}.Encode()

	var out OriginState
	code, raw, err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	if err != nil {
		return OriginState{}, err
	}
	if code != http.StatusOK {
		return OriginState{}, &UnexpectedStatusError{Method: http.MethodGet, Path: path, Code: code, Body: raw}
	}
	return out, nil
}

// Events returns journaled events of origin, newest first.
func (c *Client) Events(ctx context.Context, origin string, limit int) ([]Event, error) {
	q := url.Values{"origin": {origin}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := c.baseURL + "/v1/origins/events?" + q.Encode()

	var out eventsResp
	code, raw, err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	if err != nil {
		return nil, err
	}
	if code != http.StatusOK {
		return nil, &UnexpectedStatusError{Method: http.MethodGet, Path: path, Code: code, Body: raw}
	}
	return out.Events, nil
}

// doJSON sends JSON (when req is non-nil) and optionally decodes the JSON
// response. Returns status code and raw body (trimmed) for debugging.
func (c *Client) doJSON(ctx context.Context, method, url string, req any, resp any) (int, string, error) {
	var body io.Reader
	if req != nil {
		b, err := json.Marshal(req)
		if err != nil {
			return 0, "", err
		}
		body = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, "", err
	}
	if req != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	rsp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, "", err
	}
	defer rsp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(rsp.Body, 1<<20))
	raw := strings.TrimSpace(string(data))

	if resp != nil && len(data) > 0 {
		_ = json.Unmarshal(data, resp) // tolerate non-JSON error bodies
	}
	return rsp.StatusCode, raw, nil
}

// ---- Retry wrapper ----

// AcquireWithRetry polls with no-wait attempts, honoring the server's
// recommended retry delay.
func (c *Client) AcquireWithRetry(ctx context.Context, req LockRequest, ownerID string, opt AcquireOptions) (Lease, error) {
	if opt.MaxRetries <= 0 {
		opt.MaxRetries = 50
	}
	if opt.MinRetry <= 0 {
		opt.MinRetry = 25 * time.Millisecond
	}
	if opt.MaxRetry <= 0 {
		opt.MaxRetry = 1 * time.Second
	}
	if opt.JitterFrac < 0 {
		opt.JitterFrac = 0
	}

	start := time.Now()
	var lastNA *NotAcquiredError

	for attempt := 0; attempt <= opt.MaxRetries; attempt++ {
		if opt.MaxTotalWait > 0 && time.Since(start) > opt.MaxTotalWait {
			if lastNA != nil {
				return Lease{}, lastNA
			}
			return Lease{}, context.DeadlineExceeded
		}

		lease, na, err := c.AcquireOnce(ctx, req, ownerID)
		if err != nil {
			return Lease{}, err
		}
		if na == nil {
			return lease, nil
		}

		lastNA = na
		// Backoff: honor server recommended retry if present; clamp and add jitter.
		sleep := time.Duration(na.RecommendedRetry) * time.Millisecond
		if sleep <= 0 {
			sleep = time.Duration(float64(opt.MinRetry) * math.Pow(1.5, float64(attempt)))
		}
		if sleep < opt.MinRetry {
			sleep = opt.MinRetry
		}
		if sleep > opt.MaxRetry {
			sleep = opt.MaxRetry
		}
		sleep = addJitter(c.rng, sleep, opt.JitterFrac)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Lease{}, ctx.Err()
		case <-timer.C:
		}
	}

	if lastNA != nil {
		return Lease{}, lastNA
	}
	return Lease{}, fmt.Errorf("acquire failed")
}

func addJitter(r *rand.Rand, d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	// jitter range: [d*(1-frac), d*(1+frac)]
	j := (r.Float64()*2 - 1) * frac
	out := time.Duration(float64(d) * (1 + j))
	if out < 0 {
		return 0
	}
	return out
}
