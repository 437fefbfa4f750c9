package domain

import "errors"

var (
	ErrStreamNotFound    = errors.New("stream not found")
	ErrVersionConflict   = errors.New("version conflict")
	ErrStatusConflict    = errors.New("status changed concurrently")
	ErrLockContention    = errors.New("lock contention")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUpstream          = errors.New("upstream provisioning failed")
	ErrRoomNotFound      = errors.New("room not found")
	ErrInvalidEvent      = errors.New("invalid stream event")
	ErrInvalidInput      = errors.New("invalid input")
	ErrStreamNotActive   = errors.New("stream is not active")
)

// IsNotApplied reports whether err means the mutation was skipped because of
// contention, a stale version or a status that moved underneath the caller.
// Callers may re-read and retry.
func IsNotApplied(err error) bool {
	return errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, ErrStatusConflict) ||
		errors.Is(err, ErrLockContention)
}
