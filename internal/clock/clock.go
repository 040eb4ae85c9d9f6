// Package clock abstracts the current time and timer scheduling so that
// session deadlines and token rotation can be driven deterministically in tests.
package clock

import "time"

type Clock interface {
	Now() time.Time
	// AfterFunc runs f in its own goroutine (Real) or inline from Advance
	// (Manual) once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	// Stop reports whether the call prevented the timer from firing.
	Stop() bool
}

type Real struct{}

func (Real) Now() time.Time {
	return time.Now()
}

func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
