package attendance

import (
	"strings"
	"time"
)

type State string

const (
	StatePending State = "pending"
	StateActive  State = "active"
	StateClosed  State = "closed"
)

type CloseReason string

const (
	CloseEnded    CloseReason = "ended"
	CloseExpired  CloseReason = "expired"
	CloseShutdown CloseReason = "shutdown"
)

type Session struct {
	ID          string
	ClassID     string
	OwnerID     string
	State       State
	Capacity    int
	CreatedAt   time.Time
	ClosesAt    time.Time
	ClosedAt    *time.Time
	CloseReason CloseReason
}

// OpenAt treats the deadline as authoritative even if the expiry timer has
// not fired yet.
func (s Session) OpenAt(now time.Time) bool {
	return s.State == StateActive && !now.After(s.ClosesAt)
}

type VerificationToken struct {
	SessionID  string
	Value      string
	Index      uint64
	IssuedAt   time.Time
	ValidFrom  time.Time
	ValidUntil time.Time
}

func (t VerificationToken) AcceptableAt(now time.Time) bool {
	return t.Value != "" && !now.Before(t.ValidFrom) && !now.After(t.ValidUntil)
}

// ClientContext carries optional hints about the scanning device.
type ClientContext struct {
	DeviceID  string
	Location  string
	UserAgent string
	IPAddress string
}

// Fingerprint identifies the device a scan came from. Empty means the
// context is too thin to compare. Address and user agent are left out: a
// whole classroom behind one NAT shares them.
func (c ClientContext) Fingerprint() string {
	if id := strings.TrimSpace(c.DeviceID); id != "" {
		return "device:" + id
	}
	return ""
}

type ScanAttempt struct {
	SessionID  string
	TokenValue string
	StudentID  string
	// SubmittedAt is the client-reported time; zero when unknown.
	SubmittedAt time.Time
	Context     ClientContext
}

type AttendanceEntry struct {
	ID               string
	SessionID        string
	StudentID        string
	Location         string
	AcceptedAt       time.Time
	Suspicious       bool
	SuspicionReasons []string
	RemovedAt        *time.Time
	RemovedBy        string
}

func (e AttendanceEntry) Removed() bool {
	return e.RemovedAt != nil
}

type RejectReason string

const (
	ReasonSessionClosed         RejectReason = "SessionClosed"
	ReasonTokenExpiredOrInvalid RejectReason = "TokenExpiredOrInvalid"
	ReasonDuplicateScan         RejectReason = "DuplicateScan"
	ReasonRetryLater            RejectReason = "RetryLater"
	ReasonInvalidInput          RejectReason = "InvalidInput"
)

// Verdict is the outcome of one scan. Rejections are ordinary results,
// not errors.
type Verdict struct {
	Accepted         bool
	EntryID          string
	Reason           RejectReason
	Suspicious       bool
	SuspicionReasons []string
}

func acceptedVerdict(entry AttendanceEntry) Verdict {
	return Verdict{
		Accepted:         true,
		EntryID:          entry.ID,
		Suspicious:       entry.Suspicious,
		SuspicionReasons: entry.SuspicionReasons,
	}
}

func rejectedVerdict(reason RejectReason) Verdict {
	return Verdict{Reason: reason}
}

// Err maps a rejection to its sentinel error; nil when accepted.
func (v Verdict) Err() error {
	if v.Accepted {
		return nil
	}
	switch v.Reason {
	case ReasonSessionClosed:
		return ErrSessionClosed
	case ReasonTokenExpiredOrInvalid:
		return ErrTokenExpiredOrInvalid
	case ReasonDuplicateScan:
		return ErrDuplicateScan
	case ReasonRetryLater:
		return ErrRetryLater
	}
	return ErrInvalidInput
}

// SessionRecord is the frozen state of a closed session handed to the
// archive sink. Entries include removed ones, oldest first.
type SessionRecord struct {
	Session         Session
	Entries         []AttendanceEntry
	Count           int
	SuspiciousCount int
}

// RosterView is a consistent read of a session and its live roster.
type RosterView struct {
	Session         Session
	Entries         []AttendanceEntry
	Count           int
	SuspiciousCount int
}
