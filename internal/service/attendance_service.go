package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"attendly/internal/attendance"
	"attendly/internal/entity"
	"attendly/internal/metrics"
	"attendly/internal/repository"
	"attendly/internal/utils"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type AttendanceService struct {
	registry *attendance.Registry
	archive  repository.SessionArchiveRepository
	events   repository.ScanEventRepository
	auditor  *ScanAuditor
	metrics  *metrics.Metrics
	log      logrus.FieldLogger
}

func NewAttendanceService(
	registry *attendance.Registry,
	archive repository.SessionArchiveRepository,
	events repository.ScanEventRepository,
	auditor *ScanAuditor,
	m *metrics.Metrics,
	log logrus.FieldLogger,
) *AttendanceService {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &AttendanceService{
		registry: registry,
		archive:  archive,
		events:   events,
		auditor:  auditor,
		metrics:  m,
		log:      log,
	}
}

func (s *AttendanceService) CreateSession(ctx context.Context, input CreateSessionInput) (*CreateSessionResult, error) {
	classID := utils.NormalizeCode(input.ClassID)
	ownerID := strings.TrimSpace(input.OwnerID)
	if classID == "" || ownerID == "" || input.Duration < 0 || input.Capacity < 0 {
		return nil, ErrInvalidInput
	}

	session, token, err := s.registry.CreateSession(classID, ownerID, input.Duration, input.Capacity)
	if err != nil {
		return nil, err
	}
	s.metrics.SessionCreated()
	return &CreateSessionResult{
		SessionID:    session.ID,
		ClassID:      session.ClassID,
		InitialToken: token.Value,
		ValidUntil:   token.ValidUntil,
		ClosesAt:     session.ClosesAt,
	}, nil
}

func (s *AttendanceService) GetCurrentToken(ctx context.Context, sessionID string) (*TokenResult, error) {
	token, err := s.registry.CurrentToken(sessionID)
	if err != nil {
		return nil, err
	}
	return &TokenResult{
		SessionID:  sessionID,
		TokenValue: token.Value,
		Index:      token.Index,
		ValidUntil: token.ValidUntil,
	}, nil
}

func (s *AttendanceService) GetActiveSession(ctx context.Context, classID string) (*SessionResult, error) {
	session, ok := s.registry.GetActiveSession(utils.NormalizeCode(classID))
	if !ok {
		return nil, ErrNotFound
	}
	return sessionResult(session), nil
}

// GetSession returns a live or recently closed session.
func (s *AttendanceService) GetSession(ctx context.Context, sessionID string) (*SessionResult, error) {
	session, err := s.registry.Session(sessionID)
	if err != nil {
		return nil, err
	}
	return sessionResult(session), nil
}

// SubmitScan returns rejections as results. Only malformed input is an error.
func (s *AttendanceService) SubmitScan(ctx context.Context, input SubmitScanInput) (*ScanResult, error) {
	input.StudentID = utils.NormalizeCode(input.StudentID)
	input.TokenValue = strings.TrimSpace(input.TokenValue)
	if input.SessionID == "" || input.StudentID == "" || input.TokenValue == "" {
		return nil, ErrInvalidInput
	}

	verdict := s.registry.SubmitScan(attendance.ScanAttempt{
		SessionID:   input.SessionID,
		TokenValue:  input.TokenValue,
		StudentID:   input.StudentID,
		SubmittedAt: input.SubmittedAt,
		Context: attendance.ClientContext{
			DeviceID:  input.DeviceID,
			Location:  input.Location,
			UserAgent: derefString(input.UserAgent),
			IPAddress: derefString(input.IPAddress),
		},
	})

	s.metrics.ObserveScan(verdict.Accepted, string(verdict.Reason), verdict.Suspicious)
	if verdict.Reason != attendance.ReasonRetryLater {
		s.auditor.Record(input, verdict, s.registry.Now().UTC())
	}
	return &ScanResult{
		Accepted:         verdict.Accepted,
		EntryID:          verdict.EntryID,
		Reason:           string(verdict.Reason),
		Suspicious:       verdict.Suspicious,
		SuspicionReasons: verdict.SuspicionReasons,
	}, nil
}

func (s *AttendanceService) EndSession(ctx context.Context, sessionID string, requesterID string) (*EndSessionResult, error) {
	session, err := s.registry.EndSession(sessionID, requesterID)
	if err != nil {
		return nil, err
	}
	return &EndSessionResult{SessionID: session.ID, ClosedAt: *session.ClosedAt}, nil
}

// GetRoster reads the live roster, falling back to the archive once the
// session has been evicted from memory.
func (s *AttendanceService) GetRoster(ctx context.Context, sessionID string) (*RosterResult, error) {
	view, err := s.registry.Roster(sessionID)
	if errors.Is(err, attendance.ErrNotFound) {
		return s.archivedRoster(ctx, sessionID)
	}
	if err != nil {
		return nil, err
	}

	result := &RosterResult{
		SessionID:       view.Session.ID,
		ClassID:         view.Session.ClassID,
		State:           string(view.Session.State),
		ClosesAt:        view.Session.ClosesAt,
		Entries:         make([]RosterEntry, 0, len(view.Entries)),
		Count:           view.Count,
		SuspiciousCount: view.SuspiciousCount,
		Capacity:        view.Session.Capacity,
		AttendanceRate:  attendanceRate(view.Count, view.Session.Capacity),
	}
	for _, entry := range view.Entries {
		result.Entries = append(result.Entries, RosterEntry{
			EntryID:    entry.ID,
			StudentID:  entry.StudentID,
			Location:   entry.Location,
			AcceptedAt: entry.AcceptedAt,
			Suspicious: entry.Suspicious,
			Reasons:    entry.SuspicionReasons,
		})
	}
	return result, nil
}

func (s *AttendanceService) archivedRoster(ctx context.Context, sessionID string) (*RosterResult, error) {
	if s.archive == nil {
		return nil, ErrNotFound
	}
	id, err := uuid.Parse(sessionID)
	if err != nil {
		return nil, ErrNotFound
	}
	session, err := s.archive.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("find archived session: %w", err)
	}
	if session == nil {
		return nil, ErrNotFound
	}

	result := &RosterResult{
		SessionID:       session.ID.String(),
		ClassID:         session.ClassID,
		State:           string(attendance.StateClosed),
		Archived:        true,
		ClosesAt:        session.ClosesAt,
		Entries:         make([]RosterEntry, 0, len(session.Records)),
		Count:           session.AcceptedCount,
		SuspiciousCount: session.SuspiciousCount,
		Capacity:        session.Capacity,
		AttendanceRate:  attendanceRate(session.AcceptedCount, session.Capacity),
	}
	for _, record := range session.Records {
		if record.RemovedAt != nil {
			continue
		}
		result.Entries = append(result.Entries, rosterEntryFromRecord(record))
	}
	return result, nil
}

func (s *AttendanceService) RemoveEntry(ctx context.Context, sessionID string, entryID string, requesterID string) error {
	_, err := s.registry.RemoveEntry(sessionID, entryID, requesterID)
	return err
}

func (s *AttendanceService) ListArchivedSessions(ctx context.Context, classID string, limit int, offset int) (*ArchivedSessionPage, error) {
	if s.archive == nil {
		return nil, ErrArchiveUnavailable
	}
	classID = utils.NormalizeCode(classID)
	if classID == "" || offset < 0 {
		return nil, ErrInvalidInput
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	sessions, total, err := s.archive.ListByClass(ctx, classID, limit, offset)
	if err != nil {
		return nil, err
	}
	page := &ArchivedSessionPage{
		Items:  make([]ArchivedSession, 0, len(sessions)),
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}
	for _, session := range sessions {
		page.Items = append(page.Items, ArchivedSession{
			SessionID:       session.ID.String(),
			ClassID:         session.ClassID,
			OwnerID:         session.OwnerID,
			CloseReason:     string(session.CloseReason),
			Capacity:        session.Capacity,
			AcceptedCount:   session.AcceptedCount,
			SuspiciousCount: session.SuspiciousCount,
			CreatedAt:       session.CreatedAt,
			ClosedAt:        session.ClosedAt,
		})
	}
	return page, nil
}

// ListScanEvents returns the audit trail of a session the requester owns.
func (s *AttendanceService) ListScanEvents(ctx context.Context, sessionID string, requesterID string, limit int) ([]ScanEventResult, error) {
	if s.events == nil {
		return nil, ErrArchiveUnavailable
	}
	if err := s.checkOwner(ctx, sessionID, requesterID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}

	events, err := s.events.ListBySession(ctx, sessionID, limit)
	if err != nil {
		return nil, err
	}
	results := make([]ScanEventResult, 0, len(events))
	for _, event := range events {
		results = append(results, ScanEventResult{
			StudentID:  event.StudentID,
			Outcome:    string(event.Outcome),
			Reason:     event.Reason,
			Suspicious: event.Suspicious,
			CreatedAt:  event.CreatedAt,
		})
	}
	return results, nil
}

func (s *AttendanceService) checkOwner(ctx context.Context, sessionID string, requesterID string) error {
	session, err := s.registry.Session(sessionID)
	if err == nil {
		if session.OwnerID != requesterID {
			return ErrNotOwner
		}
		return nil
	}
	if !errors.Is(err, attendance.ErrNotFound) || s.archive == nil {
		return err
	}
	id, parseErr := uuid.Parse(sessionID)
	if parseErr != nil {
		return ErrNotFound
	}
	archived, err := s.archive.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if archived == nil {
		return ErrNotFound
	}
	if archived.OwnerID != requesterID {
		return ErrNotOwner
	}
	return nil
}

func (s *AttendanceService) ActiveSessions() int {
	return s.registry.ActiveCount()
}

func sessionResult(session attendance.Session) *SessionResult {
	return &SessionResult{
		SessionID: session.ID,
		ClassID:   session.ClassID,
		OwnerID:   session.OwnerID,
		State:     string(session.State),
		Capacity:  session.Capacity,
		CreatedAt: session.CreatedAt,
		ClosesAt:  session.ClosesAt,
		ClosedAt:  session.ClosedAt,
	}
}

func rosterEntryFromRecord(record entity.AttendanceRecord) RosterEntry {
	var reasons []string
	if len(record.SuspicionReasons) > 0 {
		_ = json.Unmarshal(record.SuspicionReasons, &reasons)
	}
	return RosterEntry{
		EntryID:    record.ID.String(),
		StudentID:  record.StudentID,
		Location:   record.Location,
		AcceptedAt: record.AcceptedAt,
		Suspicious: record.Suspicious,
		Reasons:    reasons,
	}
}

func attendanceRate(count int, capacity int) float64 {
	if capacity <= 0 {
		return 0
	}
	return float64(count) / float64(capacity)
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
