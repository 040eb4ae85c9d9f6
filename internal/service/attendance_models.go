package service

import (
	"time"

	"attendly/internal/attendance"
)

type CreateSessionInput struct {
	ClassID  string
	OwnerID  string
	Duration time.Duration
	Capacity int
}

type CreateSessionResult struct {
	SessionID    string
	ClassID      string
	InitialToken string
	ValidUntil   time.Time
	ClosesAt     time.Time
}

type TokenResult struct {
	SessionID  string
	TokenValue string
	Index      uint64
	ValidUntil time.Time
}

type SessionResult struct {
	SessionID string
	ClassID   string
	OwnerID   string
	State     string
	Capacity  int
	CreatedAt time.Time
	ClosesAt  time.Time
	ClosedAt  *time.Time
}

type SubmitScanInput struct {
	SessionID   string
	TokenValue  string
	StudentID   string
	SubmittedAt time.Time
	DeviceID    string
	Location    string
	IPAddress   *string
	UserAgent   *string
}

type ScanResult struct {
	Accepted         bool
	EntryID          string
	Reason           string
	Suspicious       bool
	SuspicionReasons []string
}

// RetryLater reports a transient rejection the client should resubmit.
func (r *ScanResult) RetryLater() bool {
	return r.Reason == string(attendance.ReasonRetryLater)
}

type EndSessionResult struct {
	SessionID string
	ClosedAt  time.Time
}

type RosterEntry struct {
	EntryID    string
	StudentID  string
	Location   string
	AcceptedAt time.Time
	Suspicious bool
	Reasons    []string
}

type RosterResult struct {
	SessionID       string
	ClassID         string
	State           string
	Archived        bool
	ClosesAt        time.Time
	Entries         []RosterEntry
	Count           int
	SuspiciousCount int
	Capacity        int
	AttendanceRate  float64
}

type ArchivedSession struct {
	SessionID       string
	ClassID         string
	OwnerID         string
	CloseReason     string
	Capacity        int
	AcceptedCount   int
	SuspiciousCount int
	CreatedAt       time.Time
	ClosedAt        time.Time
}

type ArchivedSessionPage struct {
	Items  []ArchivedSession
	Total  int64
	Limit  int
	Offset int
}

type ScanEventResult struct {
	StudentID  string
	Outcome    string
	Reason     string
	Suspicious bool
	CreatedAt  time.Time
}
