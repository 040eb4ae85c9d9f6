package service

import (
	"context"
	"encoding/json"
	"time"

	"attendly/internal/attendance"
	"attendly/internal/entity"
	"attendly/internal/metrics"
	"attendly/internal/repository"
	"attendly/internal/utils"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

// ScanAuditor writes one ScanEvent per scan decision, off the request path.
type ScanAuditor struct {
	queue *backgroundQueue[entity.ScanEvent]
	repo  repository.ScanEventRepository
	log   logrus.FieldLogger
}

func NewScanAuditor(repo repository.ScanEventRepository, queueSize int, m *metrics.Metrics, log logrus.FieldLogger) *ScanAuditor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ScanAuditor{
		queue: newBackgroundQueue[entity.ScanEvent]("audit", queueSize, m, log),
		repo:  repo,
		log:   log,
	}
}

func (a *ScanAuditor) Record(input SubmitScanInput, verdict attendance.Verdict, at time.Time) {
	if a == nil || a.repo == nil {
		return
	}
	event := entity.ScanEvent{
		SessionID:  input.SessionID,
		StudentID:  input.StudentID,
		Outcome:    entity.ScanRejected,
		Reason:     string(verdict.Reason),
		Suspicious: verdict.Suspicious,
		TokenHash:  utils.HashToken(input.TokenValue),
		IPAddress:  input.IPAddress,
		UserAgent:  input.UserAgent,
		Metadata:   scanMetadata(input, verdict),
		CreatedAt:  at,
	}
	if verdict.Accepted {
		event.Outcome = entity.ScanAccepted
		entryID := verdict.EntryID
		event.EntryID = &entryID
	}
	if !a.queue.push(event) {
		a.log.WithField("session_id", input.SessionID).Warn("audit queue full, scan event dropped")
	}
}

func (a *ScanAuditor) Run(ctx context.Context) error {
	return a.queue.run(ctx, func(ctx context.Context, event entity.ScanEvent) error {
		return a.repo.Log(ctx, &event)
	})
}

func scanMetadata(input SubmitScanInput, verdict attendance.Verdict) datatypes.JSON {
	metadata := map[string]any{}
	if input.DeviceID != "" {
		metadata["device_id"] = input.DeviceID
	}
	if input.Location != "" {
		metadata["location"] = input.Location
	}
	if !input.SubmittedAt.IsZero() {
		metadata["submitted_at"] = input.SubmittedAt
	}
	if len(verdict.SuspicionReasons) > 0 {
		metadata["suspicion_reasons"] = verdict.SuspicionReasons
	}
	if len(metadata) == 0 {
		return nil
	}
	bytes, err := json.Marshal(metadata)
	if err != nil {
		return nil
	}
	return datatypes.JSON(bytes)
}
