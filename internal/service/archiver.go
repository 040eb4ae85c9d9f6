package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"attendly/internal/attendance"
	"attendly/internal/entity"
	"attendly/internal/metrics"
	"attendly/internal/repository"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

// Publisher is satisfied by messaging.AMQPPublisher.
type Publisher interface {
	Publish(exchange string, body []byte) error
}

// SessionClosedEvent is the message published for every archived session.
type SessionClosedEvent struct {
	Event           string               `json:"event"`
	SessionID       string               `json:"session_id"`
	ClassID         string               `json:"class_id"`
	OwnerID         string               `json:"owner_id"`
	CloseReason     string               `json:"close_reason"`
	CreatedAt       time.Time            `json:"created_at"`
	ClosedAt        time.Time            `json:"closed_at"`
	Capacity        int                  `json:"capacity"`
	Count           int                  `json:"count"`
	SuspiciousCount int                  `json:"suspicious_count"`
	Entries         []SessionClosedEntry `json:"entries"`
}

type SessionClosedEntry struct {
	StudentID  string     `json:"student_id"`
	Location   string     `json:"location,omitempty"`
	AcceptedAt time.Time  `json:"accepted_at"`
	Suspicious bool       `json:"suspicious"`
	RemovedAt  *time.Time `json:"removed_at,omitempty"`
}

// Archiver is the registry's ArchiveSink. It persists and publishes closed
// sessions from a background queue.
type Archiver struct {
	queue     *backgroundQueue[attendance.SessionRecord]
	repo      repository.SessionArchiveRepository
	publisher Publisher
	exchange  string
	metrics   *metrics.Metrics
	log       logrus.FieldLogger
}

func NewArchiver(repo repository.SessionArchiveRepository, publisher Publisher, exchange string, queueSize int, m *metrics.Metrics, log logrus.FieldLogger) *Archiver {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if exchange == "" {
		exchange = "attendance.sessions"
	}
	return &Archiver{
		queue:     newBackgroundQueue[attendance.SessionRecord]("archive", queueSize, m, log),
		repo:      repo,
		publisher: publisher,
		exchange:  exchange,
		metrics:   m,
		log:       log,
	}
}

func (a *Archiver) Archive(record attendance.SessionRecord) {
	a.metrics.SessionClosed(string(record.Session.CloseReason))
	if !a.queue.push(record) {
		a.log.WithField("session_id", record.Session.ID).Error("archive queue full, closed session dropped")
	}
}

func (a *Archiver) Run(ctx context.Context) error {
	return a.queue.run(ctx, a.persist)
}

func (a *Archiver) persist(ctx context.Context, record attendance.SessionRecord) error {
	var errs []error
	if a.repo != nil {
		session, err := archivedSessionFromRecord(record)
		if err == nil {
			err = a.repo.Save(ctx, session)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("save session %s: %w", record.Session.ID, err))
		}
	}
	if a.publisher != nil {
		body, err := json.Marshal(sessionClosedEvent(record))
		if err == nil {
			err = a.publisher.Publish(a.exchange, body)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("publish session %s: %w", record.Session.ID, err))
		}
	}
	if len(errs) > 0 {
		a.metrics.ArchiveFailed()
		return errors.Join(errs...)
	}
	return nil
}

func archivedSessionFromRecord(record attendance.SessionRecord) (*entity.AttendanceSession, error) {
	id, err := uuid.Parse(record.Session.ID)
	if err != nil {
		return nil, err
	}
	closedAt := record.Session.ClosesAt
	if record.Session.ClosedAt != nil {
		closedAt = *record.Session.ClosedAt
	}
	session := &entity.AttendanceSession{
		ID:              id,
		ClassID:         record.Session.ClassID,
		OwnerID:         record.Session.OwnerID,
		CloseReason:     entity.CloseReason(record.Session.CloseReason),
		Capacity:        record.Session.Capacity,
		AcceptedCount:   record.Count,
		SuspiciousCount: record.SuspiciousCount,
		CreatedAt:       record.Session.CreatedAt,
		ClosesAt:        record.Session.ClosesAt,
		ClosedAt:        closedAt,
	}
	for _, entry := range record.Entries {
		entryID, err := uuid.Parse(entry.ID)
		if err != nil {
			return nil, err
		}
		reasons, err := json.Marshal(nonNilStrings(entry.SuspicionReasons))
		if err != nil {
			return nil, err
		}
		archived := entity.AttendanceRecord{
			ID:               entryID,
			SessionID:        id,
			StudentID:        entry.StudentID,
			Location:         entry.Location,
			AcceptedAt:       entry.AcceptedAt,
			Suspicious:       entry.Suspicious,
			SuspicionReasons: datatypes.JSON(reasons),
			RemovedAt:        entry.RemovedAt,
		}
		if entry.RemovedBy != "" {
			removedBy := entry.RemovedBy
			archived.RemovedBy = &removedBy
		}
		session.Records = append(session.Records, archived)
	}
	return session, nil
}

func sessionClosedEvent(record attendance.SessionRecord) SessionClosedEvent {
	event := SessionClosedEvent{
		Event:           "session.closed",
		SessionID:       record.Session.ID,
		ClassID:         record.Session.ClassID,
		OwnerID:         record.Session.OwnerID,
		CloseReason:     string(record.Session.CloseReason),
		CreatedAt:       record.Session.CreatedAt,
		Capacity:        record.Session.Capacity,
		Count:           record.Count,
		SuspiciousCount: record.SuspiciousCount,
		Entries:         make([]SessionClosedEntry, 0, len(record.Entries)),
	}
	if record.Session.ClosedAt != nil {
		event.ClosedAt = *record.Session.ClosedAt
	}
	for _, entry := range record.Entries {
		event.Entries = append(event.Entries, SessionClosedEntry{
			StudentID:  entry.StudentID,
			Location:   entry.Location,
			AcceptedAt: entry.AcceptedAt,
			Suspicious: entry.Suspicious,
			RemovedAt:  entry.RemovedAt,
		})
	}
	return event
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
