package repo

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"aura/internal/delivery"
	"aura/internal/models"
)

type AssignmentStore struct{ db *gorm.DB }

func NewAssignmentStore(db *gorm.DB) *AssignmentStore { return &AssignmentStore{db: db} }

var _ delivery.Store = (*AssignmentStore)(nil)

// Upsert — INSERT ... ON CONFLICT (device_id) DO UPDATE: одна атомарная
// запись, два релиза не могут перемешать поля инструкции.
func (s *AssignmentStore) Upsert(ctx context.Context, a *models.Assignment) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}},
		UpdateAll: true,
	}).Create(a).Error
}

func (s *AssignmentStore) Get(ctx context.Context, deviceID string) (*models.Assignment, error) {
	var a models.Assignment
	if err := s.db.WithContext(ctx).Where("device_id = ?", deviceID).First(&a).Error; err != nil {
		return nil, notFound(err, "no assignment for device %s", deviceID)
	}
	return &a, nil
}
