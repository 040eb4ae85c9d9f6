package repository

import (
	"context"
	"strings"
	"testing"
	"time"

	"attendly/internal/entity"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	sqlDB, _ := db.DB()
	t.Cleanup(func() { sqlDB.Close() })
	return db
}

func archivedSession(classID string, closedAt time.Time, students ...string) *entity.AttendanceSession {
	session := &entity.AttendanceSession{
		ID:            uuid.New(),
		ClassID:       classID,
		OwnerID:       "teacher1",
		CloseReason:   entity.CloseEnded,
		Capacity:      45,
		AcceptedCount: len(students),
		CreatedAt:     closedAt.Add(-10 * time.Minute),
		ClosesAt:      closedAt,
		ClosedAt:      closedAt,
	}
	for i, student := range students {
		session.Records = append(session.Records, entity.AttendanceRecord{
			StudentID:        student,
			Location:         "Room 101",
			AcceptedAt:       session.CreatedAt.Add(time.Duration(i) * time.Second),
			SuspicionReasons: datatypes.JSON(`[]`),
		})
	}
	return session
}

func TestSessionArchiveRepository_SaveAndFind(t *testing.T) {
	repo := NewSessionArchiveRepository(newTestDB(t))
	ctx := context.Background()
	closedAt := time.Date(2026, 3, 2, 9, 10, 0, 0, time.UTC)
	session := archivedSession("CS101", closedAt, "2021CS001", "2021CS002")

	if err := repo.Save(ctx, session); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	found, err := repo.FindByID(ctx, session.ID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if found == nil {
		t.Fatalf("expected session, got nil")
	}
	if len(found.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(found.Records))
	}
	if found.Records[0].StudentID != "2021CS002" {
		t.Fatalf("expected newest record first, got %s", found.Records[0].StudentID)
	}
	if found.Records[0].ID == uuid.Nil {
		t.Fatalf("expected record id assigned")
	}
	if found.Records[0].Location != "Room 101" {
		t.Fatalf("expected location persisted, got %q", found.Records[0].Location)
	}
}

func TestSessionArchiveRepository_Save_Idempotent(t *testing.T) {
	repo := NewSessionArchiveRepository(newTestDB(t))
	ctx := context.Background()
	session := archivedSession("CS101", time.Now().UTC(), "2021CS001")

	if err := repo.Save(ctx, session); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	again := *session
	again.Records = []entity.AttendanceRecord{{StudentID: "2021CS099", AcceptedAt: time.Now()}}
	if err := repo.Save(ctx, &again); err != nil {
		t.Fatalf("expected no error on second save, got %v", err)
	}

	found, _ := repo.FindByID(ctx, session.ID)
	if len(found.Records) != 1 || found.Records[0].StudentID != "2021CS001" {
		t.Fatalf("expected first archive kept, got %+v", found.Records)
	}
}

func TestSessionArchiveRepository_FindByID_Missing(t *testing.T) {
	repo := NewSessionArchiveRepository(newTestDB(t))
	found, err := repo.FindByID(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if found != nil {
		t.Fatalf("expected nil, got %+v", found)
	}
}

func TestSessionArchiveRepository_ListByClass(t *testing.T) {
	repo := NewSessionArchiveRepository(newTestDB(t))
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if err := repo.Save(ctx, archivedSession("CS101", base.Add(time.Duration(i)*24*time.Hour))); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
	}
	if err := repo.Save(ctx, archivedSession("MA201", base)); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	sessions, total, err := repo.ListByClass(ctx, "CS101", 2, 0)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if total != 3 {
		t.Fatalf("expected total 3, got %d", total)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected page of 2, got %d", len(sessions))
	}
	if !sessions[0].ClosedAt.After(sessions[1].ClosedAt) {
		t.Fatalf("expected newest first")
	}
}

func TestScanEventRepository_LogAndList(t *testing.T) {
	repo := NewScanEventRepository(newTestDB(t))
	ctx := context.Background()
	for i, outcome := range []entity.ScanOutcome{entity.ScanAccepted, entity.ScanRejected} {
		event := &entity.ScanEvent{
			SessionID: "s1",
			StudentID: "2021CS001",
			Outcome:   outcome,
			TokenHash: "hash",
			CreatedAt: time.Date(2026, 3, 2, 9, 0, i, 0, time.UTC),
		}
		if err := repo.Log(ctx, event); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
	}
	if err := repo.Log(ctx, &entity.ScanEvent{SessionID: "s2", StudentID: "x", Outcome: entity.ScanAccepted}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	events, err := repo.ListBySession(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Outcome != entity.ScanRejected {
		t.Fatalf("expected newest first, got %s", events[0].Outcome)
	}
}
