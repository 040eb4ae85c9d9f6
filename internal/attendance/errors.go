package attendance

import "errors"

// Sentinel errors returned by the engine. Callers wrap them with
// fmt.Errorf("...: %w") and match with errors.Is.
var (
	// ErrNotFound: unknown session or roster entry, or an entry that was
	// already removed.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyActive: the class already has a live session.
	ErrAlreadyActive = errors.New("class already has an active session")

	// ErrAlreadyClosed: the session has already transitioned to closed.
	ErrAlreadyClosed = errors.New("session already closed")

	// ErrNotOwner: the requester is not the teacher who opened the session.
	ErrNotOwner = errors.New("requester is not the session owner")

	ErrTokenExpiredOrInvalid = errors.New("token expired or invalid")
	ErrDuplicateScan         = errors.New("student already recorded for this session")
	ErrSessionClosed         = errors.New("session is not accepting scans")

	// ErrRetryLater is transient: the session is admitting scans above its
	// configured rate.
	ErrRetryLater = errors.New("too many concurrent scans, retry later")

	ErrInvalidInput = errors.New("invalid input")
)
