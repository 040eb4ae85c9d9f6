package repository

import (
	"context"
	"errors"

	"attendly/internal/entity"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SessionArchiveRepository interface {
	Save(ctx context.Context, session *entity.AttendanceSession) error
	FindByID(ctx context.Context, id uuid.UUID) (*entity.AttendanceSession, error)
	ListByClass(ctx context.Context, classID string, limit int, offset int) ([]entity.AttendanceSession, int64, error)
}

type sessionArchiveRepository struct {
	db *gorm.DB
}

func NewSessionArchiveRepository(db *gorm.DB) SessionArchiveRepository {
	return &sessionArchiveRepository{db: db}
}

// Save is idempotent: archiving the same session twice keeps the first copy.
func (r *sessionArchiveRepository) Save(ctx context.Context, session *entity.AttendanceSession) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Omit(clause.Associations).
			Create(session)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 || len(session.Records) == 0 {
			return nil
		}
		for i := range session.Records {
			session.Records[i].SessionID = session.ID
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).
			CreateInBatches(&session.Records, 200).
			Error
	})
}

func (r *sessionArchiveRepository) FindByID(ctx context.Context, id uuid.UUID) (*entity.AttendanceSession, error) {
	var session entity.AttendanceSession
	err := r.db.WithContext(ctx).
		Preload("Records", func(db *gorm.DB) *gorm.DB {
			return db.Order("accepted_at DESC")
		}).
		Where("id = ?", id).
		First(&session).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *sessionArchiveRepository) ListByClass(ctx context.Context, classID string, limit int, offset int) ([]entity.AttendanceSession, int64, error) {
	var total int64
	query := r.db.WithContext(ctx).Model(&entity.AttendanceSession{}).Where("class_id = ?", classID)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var sessions []entity.AttendanceSession
	err := r.db.WithContext(ctx).
		Where("class_id = ?", classID).
		Order("closed_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&sessions).Error
	if err != nil {
		return nil, 0, err
	}
	return sessions, total, nil
}
