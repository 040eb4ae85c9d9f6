package dto

import (
	"time"

	"attendly/internal/service"
)

type CreateSessionRequest struct {
	ClassID         string `json:"class_id" validate:"required,max=64"`
	DurationSeconds int    `json:"duration_seconds" validate:"gte=0"`
	Capacity        int    `json:"capacity" validate:"gte=0,lte=1000"`
}

type CreateSessionResponse struct {
	SessionID    string    `json:"session_id"`
	ClassID      string    `json:"class_id"`
	InitialToken string    `json:"initial_token"`
	ValidUntil   time.Time `json:"valid_until"`
	ClosesAt     time.Time `json:"closes_at"`
}

type TokenResponse struct {
	TokenValue string    `json:"token"`
	Index      uint64    `json:"index"`
	ValidUntil time.Time `json:"valid_until"`
}

type SessionResponse struct {
	SessionID string     `json:"session_id"`
	ClassID   string     `json:"class_id"`
	OwnerID   string     `json:"owner_id"`
	State     string     `json:"state"`
	Capacity  int        `json:"capacity,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ClosesAt  time.Time  `json:"closes_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

type SubmitScanRequest struct {
	Token       string     `json:"token" validate:"required,max=128"`
	SubmittedAt *time.Time `json:"submitted_at" validate:"omitempty"`
	DeviceID    string     `json:"device_id" validate:"omitempty,max=128"`
	Location    string     `json:"location" validate:"omitempty,max=128"`
}

type ScanResponse struct {
	Accepted         bool     `json:"accepted"`
	EntryID          string   `json:"entry_id,omitempty"`
	Reason           string   `json:"reason,omitempty"`
	Suspicious       bool     `json:"suspicious,omitempty"`
	SuspicionReasons []string `json:"suspicion_reasons,omitempty"`
}

type EndSessionResponse struct {
	SessionID string    `json:"session_id"`
	ClosedAt  time.Time `json:"closed_at"`
}

type RosterEntryResponse struct {
	EntryID          string    `json:"entry_id"`
	StudentID        string    `json:"student_id"`
	Location         string    `json:"location,omitempty"`
	AcceptedAt       time.Time `json:"accepted_at"`
	Suspicious       bool      `json:"suspicious"`
	SuspicionReasons []string  `json:"suspicion_reasons,omitempty"`
}

type RosterResponse struct {
	SessionID       string                `json:"session_id"`
	ClassID         string                `json:"class_id"`
	State           string                `json:"state"`
	Archived        bool                  `json:"archived,omitempty"`
	ClosesAt        time.Time             `json:"closes_at"`
	Count           int                   `json:"count"`
	SuspiciousCount int                   `json:"suspicious_count"`
	Capacity        int                   `json:"capacity,omitempty"`
	AttendanceRate  float64               `json:"attendance_rate,omitempty"`
	Entries         []RosterEntryResponse `json:"entries"`
}

type ArchivedSessionResponse struct {
	SessionID       string    `json:"session_id"`
	ClassID         string    `json:"class_id"`
	OwnerID         string    `json:"owner_id"`
	CloseReason     string    `json:"close_reason"`
	Capacity        int       `json:"capacity,omitempty"`
	AcceptedCount   int       `json:"accepted_count"`
	SuspiciousCount int       `json:"suspicious_count"`
	CreatedAt       time.Time `json:"created_at"`
	ClosedAt        time.Time `json:"closed_at"`
}

type ArchivedSessionListResponse struct {
	Items  []ArchivedSessionResponse `json:"items"`
	Total  int64                     `json:"total"`
	Limit  int                       `json:"limit"`
	Offset int                       `json:"offset"`
}

type ScanEventResponse struct {
	StudentID  string    `json:"student_id"`
	Outcome    string    `json:"outcome"`
	Reason     string    `json:"reason,omitempty"`
	Suspicious bool      `json:"suspicious,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func CreateSessionResponseFromResult(result *service.CreateSessionResult) CreateSessionResponse {
	return CreateSessionResponse{
		SessionID:    result.SessionID,
		ClassID:      result.ClassID,
		InitialToken: result.InitialToken,
		ValidUntil:   result.ValidUntil,
		ClosesAt:     result.ClosesAt,
	}
}

func TokenResponseFromResult(result *service.TokenResult) TokenResponse {
	return TokenResponse{
		TokenValue: result.TokenValue,
		Index:      result.Index,
		ValidUntil: result.ValidUntil,
	}
}

func SessionResponseFromResult(result *service.SessionResult) SessionResponse {
	return SessionResponse{
		SessionID: result.SessionID,
		ClassID:   result.ClassID,
		OwnerID:   result.OwnerID,
		State:     result.State,
		Capacity:  result.Capacity,
		CreatedAt: result.CreatedAt,
		ClosesAt:  result.ClosesAt,
		ClosedAt:  result.ClosedAt,
	}
}

func ScanResponseFromResult(result *service.ScanResult) ScanResponse {
	return ScanResponse{
		Accepted:         result.Accepted,
		EntryID:          result.EntryID,
		Reason:           result.Reason,
		Suspicious:       result.Suspicious,
		SuspicionReasons: result.SuspicionReasons,
	}
}

func RosterResponseFromResult(result *service.RosterResult) RosterResponse {
	response := RosterResponse{
		SessionID:       result.SessionID,
		ClassID:         result.ClassID,
		State:           result.State,
		Archived:        result.Archived,
		ClosesAt:        result.ClosesAt,
		Count:           result.Count,
		SuspiciousCount: result.SuspiciousCount,
		Capacity:        result.Capacity,
		AttendanceRate:  result.AttendanceRate,
		Entries:         make([]RosterEntryResponse, 0, len(result.Entries)),
	}
	for _, entry := range result.Entries {
		response.Entries = append(response.Entries, RosterEntryResponse{
			EntryID:          entry.EntryID,
			StudentID:        entry.StudentID,
			Location:         entry.Location,
			AcceptedAt:       entry.AcceptedAt,
			Suspicious:       entry.Suspicious,
			SuspicionReasons: entry.Reasons,
		})
	}
	return response
}

func ArchivedSessionListFromPage(page *service.ArchivedSessionPage) ArchivedSessionListResponse {
	response := ArchivedSessionListResponse{
		Items:  make([]ArchivedSessionResponse, 0, len(page.Items)),
		Total:  page.Total,
		Limit:  page.Limit,
		Offset: page.Offset,
	}
	for _, item := range page.Items {
		response.Items = append(response.Items, ArchivedSessionResponse{
			SessionID:       item.SessionID,
			ClassID:         item.ClassID,
			OwnerID:         item.OwnerID,
			CloseReason:     item.CloseReason,
			Capacity:        item.Capacity,
			AcceptedCount:   item.AcceptedCount,
			SuspiciousCount: item.SuspiciousCount,
			CreatedAt:       item.CreatedAt,
			ClosedAt:        item.ClosedAt,
		})
	}
	return response
}

func ScanEventResponsesFromResults(results []service.ScanEventResult) []ScanEventResponse {
	responses := make([]ScanEventResponse, 0, len(results))
	for _, result := range results {
		responses = append(responses, ScanEventResponse{
			StudentID:  result.StudentID,
			Outcome:    result.Outcome,
			Reason:     result.Reason,
			Suspicious: result.Suspicious,
			CreatedAt:  result.CreatedAt,
		})
	}
	return responses
}
