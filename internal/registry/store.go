package registry

import (
	"context"
	"time"

	"aura/internal/models"
)

// Store — хранилище устройств. Реализации: in-memory (ниже) и gorm (repo.DeviceStore).
//
// Claim обязан быть атомарным compare-and-set: из двух одновременных вызовов
// с одним хэшем успешен ровно один, второй получает errs.AlreadyClaimed.
type Store interface {
	Create(ctx context.Context, d *models.Device) error
	Get(ctx context.Context, id string) (*models.Device, error)
	List(ctx context.Context) ([]models.Device, error)
	// ListByTag: пустой tag — все устройства. Дерегистрированные не возвращаются.
	ListByTag(ctx context.Context, tag string) ([]models.Device, error)
	Claim(ctx context.Context, tokenHash string, at time.Time) (*models.Device, error)
	MarkProvisioned(ctx context.Context, id string, at time.Time) (*models.Device, error)
	SetTags(ctx context.Context, id string, tags []string) (*models.Device, error)
	SetFirmware(ctx context.Context, id, firmwareID string) error
	SetCertificateSerial(ctx context.Context, id, serial string) error
	Deregister(ctx context.Context, id string, at time.Time) (*models.Device, error)
}
