package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"aura/internal/models"
	"aura/internal/pki"
)

type PKIStore struct{ db *gorm.DB }

func NewPKIStore(db *gorm.DB) *PKIStore { return &PKIStore{db: db} }

var _ pki.Store = (*PKIStore)(nil)

func (s *PKIStore) GetOrCreateCA(ctx context.Context, name string, create func() (*models.CA, error)) (*models.CA, error) {
	var ca models.CA
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&ca).Error
	if err == nil {
		return &ca, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	newCA, err := create()
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Create(newCA).Error; err != nil {
		// другой процесс успел создать CA с тем же именем
		if s.db.WithContext(ctx).Where("name = ?", name).First(&ca).Error == nil {
			return &ca, nil
		}
		return nil, err
	}
	return newCA, nil
}

func (s *PKIStore) SaveCert(ctx context.Context, c *models.Certificate) error {
	return s.db.WithContext(ctx).Create(c).Error
}

func (s *PKIStore) CertForDevice(ctx context.Context, deviceID string) (*models.Certificate, error) {
	var c models.Certificate
	if err := s.db.WithContext(ctx).Where("device_id = ?", deviceID).Order("created_at DESC, id DESC").First(&c).Error; err != nil {
		return nil, notFound(err, "no certificate for device %s", deviceID)
	}
	return &c, nil
}
