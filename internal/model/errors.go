package model

import "errors"

var (
	// identity
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")

	// lookup and validation
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrConflict        = errors.New("conflict")

	// chat turns
	ErrTurnInProgress      = errors.New("turn already in progress")
	ErrUpstreamUnavailable = errors.New("assistant service unavailable")
	ErrUpstreamStream      = errors.New("assistant stream interrupted")
	ErrStorage             = errors.New("storage failure")
)
