package engine

import "errors"

var (
	// ErrFatalGuardTrip is returned by Run once consecutive fetch failures
	// exceed the configured threshold. The process is expected to exit.
	ErrFatalGuardTrip = errors.New("engine: consecutive fetch failures exceeded threshold")

	ErrStopped       = errors.New("engine: stopped")
	ErrPrimarySource = errors.New("engine: primary source subscriptions are static")
	ErrInvalidSource = errors.New("engine: invalid source id")
	ErrInvalidChan   = errors.New("engine: invalid channel id")
	ErrNotFound      = errors.New("engine: post not found")
	ErrUnknownTag    = errors.New("engine: unknown tag")

	// ErrPersist wraps durable-state write failures surfaced to the caller of
	// a subscribe/unsubscribe.
	ErrPersist = errors.New("engine: persist subscriptions")
)
