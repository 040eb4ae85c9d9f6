package entity

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ScanOutcome string

const (
	ScanAccepted ScanOutcome = "accepted"
	ScanRejected ScanOutcome = "rejected"
)

// ScanEvent is one audited scan decision. The presented token is stored
// hashed only.
type ScanEvent struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey"`

	SessionID string  `gorm:"type:varchar(64);not null;index"`
	StudentID string  `gorm:"type:varchar(64);not null;index"`
	EntryID   *string `gorm:"type:varchar(64)"`

	Outcome    ScanOutcome `gorm:"type:varchar(16);not null"`
	Reason     string      `gorm:"type:varchar(32)"`
	Suspicious bool
	TokenHash  string `gorm:"type:varchar(64)"`

	IPAddress *string `gorm:"type:varchar(45)"`
	UserAgent *string `gorm:"type:text"`

	Metadata datatypes.JSON

	CreatedAt time.Time `gorm:"index"`
}

func (e *ScanEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}
