package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"aura/internal/errs"
	"aura/internal/models"
	"aura/internal/registry"
)

type DeviceStore struct{ db *gorm.DB }

func NewDeviceStore(db *gorm.DB) *DeviceStore { return &DeviceStore{db: db} }

var _ registry.Store = (*DeviceStore)(nil)

func (s *DeviceStore) Create(ctx context.Context, d *models.Device) error {
	return s.db.WithContext(ctx).Create(d).Error
}

func (s *DeviceStore) Get(ctx context.Context, id string) (*models.Device, error) {
	return s.get(s.db.WithContext(ctx), id)
}

func (s *DeviceStore) get(tx *gorm.DB, id string) (*models.Device, error) {
	var d models.Device
	if err := tx.Preload("Tags").Where("id = ?", id).First(&d).Error; err != nil {
		return nil, notFound(err, "device %s not found", id)
	}
	return &d, nil
}

func (s *DeviceStore) List(ctx context.Context) ([]models.Device, error) {
	var ds []models.Device
	err := s.db.WithContext(ctx).Preload("Tags").Order("created_at, id").Find(&ds).Error
	return ds, err
}

func (s *DeviceStore) ListByTag(ctx context.Context, tag string) ([]models.Device, error) {
	q := s.db.WithContext(ctx).Preload("Tags").Where("deregistered_at IS NULL")
	if tag != "" {
		q = q.Where("id IN (?)", s.db.Model(&models.DeviceTag{}).Select("device_id").Where("tag = ?", tag))
	}
	var ds []models.Device
	err := q.Order("created_at, id").Find(&ds).Error
	return ds, err
}

// Claim — CAS одним UPDATE: гонку двух claim разрешает БД, второй получит
// RowsAffected == 0 и увидит claimed_at.
func (s *DeviceStore) Claim(ctx context.Context, tokenHash string, at time.Time) (*models.Device, error) {
	at = at.UTC()
	tx := s.db.WithContext(ctx)
	res := tx.Model(&models.Device{}).
		Where("token_hash = ? AND claimed_at IS NULL AND deregistered_at IS NULL", tokenHash).
		Updates(map[string]any{"claimed_at": at, "updated_at": at})
	if res.Error != nil {
		return nil, res.Error
	}

	var d models.Device
	err := tx.Preload("Tags").Where("token_hash = ?", tokenHash).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.InvalidToken
	}
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 1 {
		return &d, nil
	}
	if d.DeregisteredAt != nil {
		return nil, errs.InvalidToken
	}
	return nil, errs.AlreadyClaimed
}

func (s *DeviceStore) MarkProvisioned(ctx context.Context, id string, at time.Time) (*models.Device, error) {
	var out *models.Device
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		d, err := s.get(tx.Clauses(clause.Locking{Strength: "UPDATE"}), id)
		if err != nil {
			return err
		}
		if err := registry.CheckProvisionable(d); err != nil {
			return err
		}
		if d.ProvisionedAt == nil {
			t := registry.ProvisionTime(d, at)
			if err := tx.Model(&models.Device{}).Where("id = ? AND provisioned_at IS NULL", id).
				Updates(map[string]any{"provisioned_at": t, "updated_at": t}).Error; err != nil {
				return err
			}
			d.ProvisionedAt = &t
			d.UpdatedAt = t
		}
		out = d
		return nil
	})
	return out, err
}

func (s *DeviceStore) SetTags(ctx context.Context, id string, tags []string) (*models.Device, error) {
	var out *models.Device
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.get(tx, id); err != nil {
			return err
		}
		if err := tx.Where("device_id = ?", id).Delete(&models.DeviceTag{}).Error; err != nil {
			return err
		}
		if len(tags) > 0 {
			rows := make([]models.DeviceTag, 0, len(tags))
			for _, t := range tags {
				rows = append(rows, models.DeviceTag{DeviceID: id, Tag: t})
			}
			if err := tx.Create(&rows).Error; err != nil {
				return err
			}
		}
		if err := tx.Model(&models.Device{}).Where("id = ?", id).Update("updated_at", time.Now().UTC()).Error; err != nil {
			return err
		}
		d, err := s.get(tx, id)
		out = d
		return err
	})
	return out, err
}

// SetFirmware — одиночный UPDATE, last-writer-wins.
func (s *DeviceStore) SetFirmware(ctx context.Context, id, firmwareID string) error {
	return s.updateOne(ctx, id, map[string]any{"firmware_id": firmwareID, "updated_at": time.Now().UTC()})
}

func (s *DeviceStore) SetCertificateSerial(ctx context.Context, id, serial string) error {
	return s.updateOne(ctx, id, map[string]any{"certificate_serial": serial})
}

func (s *DeviceStore) updateOne(ctx context.Context, id string, fields map[string]any) error {
	res := s.db.WithContext(ctx).Model(&models.Device{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errs.New(errs.CodeNotFound, "device %s not found", id)
	}
	return nil
}

func (s *DeviceStore) Deregister(ctx context.Context, id string, at time.Time) (*models.Device, error) {
	at = at.UTC()
	if err := s.db.WithContext(ctx).Model(&models.Device{}).
		Where("id = ? AND deregistered_at IS NULL", id).
		Updates(map[string]any{"deregistered_at": at, "updated_at": at}).Error; err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}
