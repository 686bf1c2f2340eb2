package lockclient

import "time"

// LockRequest names what to lock.
type LockRequest struct {
	Origin string
	Scopes []string
	Mode   string        // "shared" | "exclusive"; empty means exclusive
	TTL    time.Duration // 0 => lease lives until released
}

// Lease is what the SDK returns on successful acquire.
// Keep it immutable-ish: consumers should pass it back to Renew/Release.
type Lease struct {
	Origin        string // serialized by the server
	Scopes        []string
	Mode          string
	OwnerID       string
	LeaseID       string
	LockID        int64
	LeaseExpiryMS int64 // 0 when the lease has no TTL
}

// FencingToken exposes the lock id for downstream writes. Ids only grow,
// so a newer holder always presents a larger token.
func (l Lease) FencingToken() int64 { return l.LockID }

// AcquireOptions controls retry behavior.
type AcquireOptions struct {
	MaxRetries   int           // bounded retry; 0 => default
	MaxTotalWait time.Duration // optional global cap; 0 => no cap
	MinRetry     time.Duration // default 25ms
	MaxRetry     time.Duration // default 1s
	JitterFrac   float64       // fraction of the delay, e.g. 0.2; 0 disables jitter
}

// HeartbeatOptions controls renew behavior.
type HeartbeatOptions struct {
	Interval time.Duration // 0 => ExtendBy/3
	ExtendBy time.Duration // typically the lease TTL
}

// Record is a held or queued lock as reported by State.
type Record struct {
	LockID        int64    `json:"lock_id"`
	Scopes        []string `json:"scopes"`
	Mode          string   `json:"mode"`
	LeaseID       string   `json:"lease_id,omitempty"`
	OwnerID       string   `json:"owner_id,omitempty"`
	LeaseExpiryMS int64    `json:"lease_expiry_ms,omitempty"`
}

type OriginState struct {
	Origin    string   `json:"origin"`
	Opaque    bool     `json:"opaque"`
	Held      []Record `json:"held"`
	Requested []Record `json:"requested"`
}

// Event is one journaled lifecycle event.
type Event struct {
	Seq     int64    `json:"seq"`
	Kind    string   `json:"kind"`
	LockID  int64    `json:"lock_id"`
	Mode    string   `json:"mode"`
	Scopes  []string `json:"scopes"`
	LeaseID string   `json:"lease_id,omitempty"`
	OwnerID string   `json:"owner_id,omitempty"`
	AtMS    int64    `json:"at_ms"`
}
