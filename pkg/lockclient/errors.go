package lockclient

import (
	"errors"
	"fmt"
)

const (
	ReasonNotGrantable  = "NOT_GRANTABLE"
	ReasonWaitTimeout   = "WAIT_TIMEOUT"
	ReasonNotOwnerOrExp = "NOT_OWNER_OR_EXPIRED"
)

// ErrLeaseLost is sent by a heartbeat whose lease expired or changed hands.
var ErrLeaseLost = errors.New("lease lost")

type NotAcquiredError struct {
	Origin           string
	Reason           string // NOT_GRANTABLE | WAIT_TIMEOUT | CANCELED
	RecommendedRetry int64  // ms
	Blockers         []int64
}

func (e *NotAcquiredError) Error() string {
	return fmt.Sprintf("lock not acquired: origin=%s reason=%s retry_ms=%d blockers=%v",
		e.Origin, e.Reason, e.RecommendedRetry, e.Blockers)
}

type UnexpectedStatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("unexpected status: %s %s -> %d body=%q", e.Method, e.Path, e.Code, e.Body)
}
