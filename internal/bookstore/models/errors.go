package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrLimitExceeded    = errors.New("limit exceeded")
	ErrInvalidState     = errors.New("invalid state")
	ErrInactive         = errors.New("discount code is inactive")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrTransientStorage = errors.New("transient storage error")

	// ErrAlreadyApplied is returned when a discount is marked used twice for
	// the same order. It is a LimitExceeded so callers that only know the
	// base taxonomy still treat it as a rejection.
	ErrAlreadyApplied = fmt.Errorf("%w: code already applied to order", ErrLimitExceeded)

	// ErrInsufficientPoints is the LimitExceeded returned by exact redemptions.
	ErrInsufficientPoints = fmt.Errorf("%w: insufficient points", ErrLimitExceeded)
)
