package model

import (
	"fmt"
	"strings"
	"time"
)

// Mode is the sharing mode of a lock request.
type Mode int

const (
	Shared Mode = iota
	Exclusive
)

func (m Mode) String() string {
	switch m {
	case Shared:
		return "shared"
	case Exclusive:
		return "exclusive"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode accepts "shared" or "exclusive", case-insensitively.
// An empty string means exclusive.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "exclusive":
		return Exclusive, nil
	case "shared":
		return Shared, nil
	default:
		return 0, fmt.Errorf("unknown lock mode %q", s)
	}
}

// WaitPolicy decides what happens when a request cannot be granted at once.
type WaitPolicy int

const (
	Wait WaitPolicy = iota
	NoWait
)

func (w WaitPolicy) String() string {
	if w == NoWait {
		return "no_wait"
	}
	return "wait"
}

// LockInfo describes a requested or held record.
type LockInfo struct {
	ID    int64
	Scope []string
	Mode  Mode
}

// Stats counts live manager state.
type Stats struct {
	Origins   int
	Held      int
	Requested int
}

type AcquireRequest struct {
	Origin  string
	Scopes  []string
	Mode    Mode
	Wait    WaitPolicy
	OwnerID string
	TTL     time.Duration // 0 => lease lives until released or its owner is torn down
}

type AcquireResult struct {
	Acquired    bool
	Origin      string
	LeaseID     string
	LockID      int64 // monotonic across the process; usable as a fencing token
	LeaseExpiry time.Time
	Reason      string // NOT_GRANTABLE | WAIT_TIMEOUT | CANCELED
	Blockers    []int64
	RetryAfter  time.Duration
}

type RenewRequest struct {
	LeaseID  string
	OwnerID  string
	ExtendBy time.Duration
	Now      time.Time // injected for testability; if zero, service uses its clock
}

type RenewResult struct {
	Renewed     bool
	LeaseExpiry time.Time
	Reason      string // NOT_OWNER_OR_EXPIRED
}

type ReleaseRequest struct {
	LeaseID string
	OwnerID string
}

type ReleaseResult struct {
	Released bool
	Reason   string // NOT_OWNER | UNKNOWN_LEASE
}

// LeaseView is a held or requested record as seen through the service.
type LeaseView struct {
	LockInfo
	LeaseID     string
	OwnerID     string
	LeaseExpiry time.Time
}

type StateResult struct {
	Origin    string
	Opaque    bool
	Held      []LeaseView
	Requested []LeaseView
}

const (
	ReasonNotGrantable  = "NOT_GRANTABLE"
	ReasonWaitTimeout   = "WAIT_TIMEOUT"
	ReasonCanceled      = "CANCELED"
	ReasonNotOwner      = "NOT_OWNER"
	ReasonUnknownLease  = "UNKNOWN_LEASE"
	ReasonNotOwnerOrExp = "NOT_OWNER_OR_EXPIRED"
)
