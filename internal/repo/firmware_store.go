package repo

import (
	"context"

	"gorm.io/gorm"

	"aura/internal/artifact"
	"aura/internal/models"
)

// FirmwareStore — каталог метаданных прошивок (байты живут в artifact.Blobs).
type FirmwareStore struct{ db *gorm.DB }

func NewFirmwareStore(db *gorm.DB) *FirmwareStore { return &FirmwareStore{db: db} }

var _ artifact.Catalog = (*FirmwareStore)(nil)

func (s *FirmwareStore) Create(ctx context.Context, fw *models.Firmware) error {
	return s.db.WithContext(ctx).Create(fw).Error
}

func (s *FirmwareStore) Get(ctx context.Context, id string) (*models.Firmware, error) {
	var fw models.Firmware
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&fw).Error; err != nil {
		return nil, notFound(err, "firmware %s not found", id)
	}
	return &fw, nil
}

func (s *FirmwareStore) List(ctx context.Context) ([]models.Firmware, error) {
	var out []models.Firmware
	err := s.db.WithContext(ctx).Order("created_at DESC, id").Find(&out).Error
	return out, err
}
