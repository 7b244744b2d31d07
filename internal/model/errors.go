package model

import "errors"

var (
	ErrAccountNotFound      = errors.New("account not found")
	ErrInsufficientCredits  = errors.New("insufficient credits")
	ErrDuplicateEvent       = errors.New("event already processed")
	ErrNotEligibleForExpiry = errors.New("subscription not eligible for expiry")
	ErrSignatureInvalid     = errors.New("upstream signature invalid")
	ErrUpstreamUnavailable  = errors.New("payment processor unavailable")
	ErrInvalidAmount        = errors.New("amount must be positive")
	ErrInvalidKind          = errors.New("invalid entry kind")
	ErrConcurrentUpdate     = errors.New("account modified concurrently")
	ErrUnknownPlan          = errors.New("unknown plan")
	ErrUnsupportedEvent     = errors.New("unsupported payment event")
	ErrAccountExists        = errors.New("account already exists")
	ErrReferenceConflict    = errors.New("reference already used by another operation")
)
