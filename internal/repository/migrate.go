package repository

import (
	"attendly/internal/entity"

	"gorm.io/gorm"
)

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&entity.AttendanceSession{},
		&entity.AttendanceRecord{},
		&entity.ScanEvent{},
	)
}
