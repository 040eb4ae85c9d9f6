package repository

import (
	"context"

	"attendly/internal/entity"

	"gorm.io/gorm"
)

type ScanEventRepository interface {
	Log(ctx context.Context, event *entity.ScanEvent) error
	ListBySession(ctx context.Context, sessionID string, limit int) ([]entity.ScanEvent, error)
}

type scanEventRepository struct {
	db *gorm.DB
}

func NewScanEventRepository(db *gorm.DB) ScanEventRepository {
	return &scanEventRepository{db: db}
}

func (r *scanEventRepository) Log(ctx context.Context, event *entity.ScanEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}

func (r *scanEventRepository) ListBySession(ctx context.Context, sessionID string, limit int) ([]entity.ScanEvent, error) {
	var events []entity.ScanEvent
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC").
		Limit(limit).
		Find(&events).Error
	return events, err
}
