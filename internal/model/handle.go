package model

import (
	"weak"

	"originlock/internal/origin"
)

// Handle is the capability for one granted lock. Release gives the lock
// back; it is safe to call any number of times. A Handle does not keep its
// Manager alive.
type Handle struct {
	mgr      weak.Pointer[Manager]
	origin   origin.Origin
	id       int64
	released bool
}

// Release releases the lock exactly once. Later calls are no-ops.
func (h *Handle) Release() {
	if h == nil || h.released {
		return
	}
	h.released = true
	if m := h.mgr.Value(); m != nil {
		m.ReleaseLock(h.origin, h.id)
	}
}

func (h *Handle) ref() LockRef {
	return LockRef{Origin: h.origin, ID: h.id}
}
