package service

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"attendly/internal/attendance"
	"attendly/internal/clock"
	"attendly/internal/entity"
	"attendly/internal/metrics"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var testStart = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type mockArchiveRepo struct {
	saveFunc        func(session *entity.AttendanceSession) error
	findByIDFunc    func(id uuid.UUID) (*entity.AttendanceSession, error)
	listByClassFunc func(classID string, limit, offset int) ([]entity.AttendanceSession, int64, error)
}

func (m *mockArchiveRepo) Save(ctx context.Context, session *entity.AttendanceSession) error {
	if m.saveFunc == nil {
		return errors.New("not implemented")
	}
	return m.saveFunc(session)
}

func (m *mockArchiveRepo) FindByID(ctx context.Context, id uuid.UUID) (*entity.AttendanceSession, error) {
	if m.findByIDFunc == nil {
		return nil, errors.New("not implemented")
	}
	return m.findByIDFunc(id)
}

func (m *mockArchiveRepo) ListByClass(ctx context.Context, classID string, limit int, offset int) ([]entity.AttendanceSession, int64, error) {
	if m.listByClassFunc == nil {
		return nil, 0, errors.New("not implemented")
	}
	return m.listByClassFunc(classID, limit, offset)
}

type mockScanEventRepo struct {
	mu                sync.Mutex
	logged            []entity.ScanEvent
	logFunc           func(event *entity.ScanEvent) error
	listBySessionFunc func(sessionID string, limit int) ([]entity.ScanEvent, error)
}

func (m *mockScanEventRepo) Log(ctx context.Context, event *entity.ScanEvent) error {
	m.mu.Lock()
	m.logged = append(m.logged, *event)
	m.mu.Unlock()
	if m.logFunc == nil {
		return nil
	}
	return m.logFunc(event)
}

func (m *mockScanEventRepo) ListBySession(ctx context.Context, sessionID string, limit int) ([]entity.ScanEvent, error) {
	if m.listBySessionFunc == nil {
		return nil, errors.New("not implemented")
	}
	return m.listBySessionFunc(sessionID, limit)
}

type mockPublisher struct {
	mu          sync.Mutex
	exchanges   []string
	bodies      [][]byte
	publishFunc func(exchange string, body []byte) error
}

func (m *mockPublisher) Publish(exchange string, body []byte) error {
	m.mu.Lock()
	m.exchanges = append(m.exchanges, exchange)
	m.bodies = append(m.bodies, body)
	m.mu.Unlock()
	if m.publishFunc == nil {
		return nil
	}
	return m.publishFunc(exchange, body)
}

type serviceFixture struct {
	clock    *clock.Manual
	registry *attendance.Registry
	archiver *Archiver
	auditor  *ScanAuditor
	archive  *mockArchiveRepo
	events   *mockScanEventRepo
	service  *AttendanceService
}

func newServiceFixture(t *testing.T, config attendance.Config) *serviceFixture {
	t.Helper()
	log := quietLogger()
	m := metrics.New(prometheus.NewRegistry(), nil)
	archive := &mockArchiveRepo{saveFunc: func(*entity.AttendanceSession) error { return nil }}
	events := &mockScanEventRepo{}
	archiver := NewArchiver(archive, nil, "", 16, m, log)
	auditor := NewScanAuditor(events, 16, m, log)
	clk := clock.NewManual(testStart)
	registry := attendance.NewRegistry(clk, attendance.RandomSourceFactory, archiver, log, config)
	return &serviceFixture{
		clock:    clk,
		registry: registry,
		archiver: archiver,
		auditor:  auditor,
		archive:  archive,
		events:   events,
		service:  NewAttendanceService(registry, archive, events, auditor, m, log),
	}
}

// drained runs fn against a context that is already cancelled, which makes
// a queue worker process whatever is buffered and return.
func drained(t *testing.T, run func(context.Context) error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := run(ctx); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}
