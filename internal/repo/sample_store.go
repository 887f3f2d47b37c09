package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"aura/internal/health"
	"aura/internal/models"
)

type SampleStore struct{ db *gorm.DB }

func NewSampleStore(db *gorm.DB) *SampleStore { return &SampleStore{db: db} }

var _ health.Store = (*SampleStore)(nil)

func (s *SampleStore) Append(ctx context.Context, sample *models.HealthSample) error {
	return s.db.WithContext(ctx).Create(sample).Error
}

func (s *SampleStore) Window(ctx context.Context, releaseID string, deviceIDs []string, since, until time.Time) ([]models.HealthSample, error) {
	var out []models.HealthSample
	err := inChunks(deviceIDs, 500, func(chunk []string) error {
		var part []models.HealthSample
		if err := s.db.WithContext(ctx).
			Where("release_id = ? AND device_id IN ? AND reported_at BETWEEN ? AND ?", releaseID, chunk, since, until).
			Order("reported_at, id").
			Find(&part).Error; err != nil {
			return err
		}
		out = append(out, part...)
		return nil
	})
	return out, err
}
