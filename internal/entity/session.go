package entity

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type CloseReason string

const (
	CloseEnded    CloseReason = "ended"
	CloseExpired  CloseReason = "expired"
	CloseShutdown CloseReason = "shutdown"
)

// AttendanceSession is the archived form of a closed session.
type AttendanceSession struct {
	ID      uuid.UUID `gorm:"type:uuid;primaryKey"`
	ClassID string    `gorm:"type:varchar(64);not null;index"`
	OwnerID string    `gorm:"type:varchar(64);not null;index"`

	CloseReason CloseReason `gorm:"type:varchar(16);not null"`
	Capacity    int

	AcceptedCount   int
	SuspiciousCount int

	CreatedAt time.Time
	ClosesAt  time.Time
	ClosedAt  time.Time `gorm:"index"`

	Records []AttendanceRecord `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE"`
}

func (s *AttendanceSession) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

type AttendanceRecord struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	SessionID uuid.UUID `gorm:"type:uuid;not null;index"`
	StudentID string    `gorm:"type:varchar(64);not null;index"`
	Location  string    `gorm:"type:varchar(128)"`

	AcceptedAt       time.Time
	Suspicious       bool
	SuspicionReasons datatypes.JSON

	RemovedAt *time.Time
	RemovedBy *string `gorm:"type:varchar(64)"`
}

func (r *AttendanceRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}
