package model

import (
	"errors"

	"originlock/internal/origin"
)

var (
	// ErrNotGrantable is returned for a NoWait request that conflicts with a held lock.
	ErrNotGrantable = errors.New("lock not grantable")
	// ErrInvalidOrigin is returned when no origin could be constructed.
	ErrInvalidOrigin = origin.ErrInvalidOrigin
	// ErrServiceClosed is returned once Service.Run has exited.
	ErrServiceClosed = errors.New("lock service closed")
	// ErrInvalidRequest wraps every input validation failure.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrRequestCanceled is returned to a waiter whose request was torn down by its owner.
	ErrRequestCanceled = errors.New("lock request canceled")
)
