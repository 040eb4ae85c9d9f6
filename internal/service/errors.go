package service

import (
	"errors"

	"attendly/internal/attendance"
)

var (
	ErrInvalidInput          = attendance.ErrInvalidInput
	ErrNotFound              = attendance.ErrNotFound
	ErrAlreadyActive         = attendance.ErrAlreadyActive
	ErrAlreadyClosed         = attendance.ErrAlreadyClosed
	ErrNotOwner              = attendance.ErrNotOwner
	ErrSessionClosed         = attendance.ErrSessionClosed
	ErrTokenExpiredOrInvalid = attendance.ErrTokenExpiredOrInvalid
	ErrDuplicateScan         = attendance.ErrDuplicateScan
	ErrRetryLater            = attendance.ErrRetryLater
	ErrShuttingDown          = attendance.ErrShuttingDown
	ErrArchiveUnavailable    = errors.New("session archive not configured")
)
