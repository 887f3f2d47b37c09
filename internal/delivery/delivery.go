// Package delivery — интерфейс доставки обновлений: последняя инструкция
// устройству хранится как Assignment (pull) и дублируется push-ом по MQTT.
package delivery

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"aura/internal/errs"
	"aura/internal/logs"
	"aura/internal/models"
)

// Store — одна строка на устройство, запись атомарная (last-writer-wins).
type Store interface {
	Upsert(ctx context.Context, a *models.Assignment) error
	Get(ctx context.Context, deviceID string) (*models.Assignment, error)
}

// Publisher — push-канал. Ошибка публикации не фатальна.
type Publisher interface {
	Publish(ctx context.Context, a models.Assignment) error
}

type Service struct {
	store   Store
	pub     Publisher
	baseURL string
	Now     func() time.Time
}

// New: pub может быть nil (MQTT выключен); baseURL — префикс URL скачивания прошивки.
func New(store Store, pub Publisher, baseURL string) *Service {
	return &Service{store: store, pub: pub, baseURL: strings.TrimRight(baseURL, "/"), Now: time.Now}
}

// Install поручает устройству поставить прошивку fw в рамках релиза.
func (s *Service) Install(ctx context.Context, deviceID, releaseID string, fw *models.Firmware, previousFirmwareID string) error {
	a := &models.Assignment{
		DeviceID:           deviceID,
		ReleaseID:          releaseID,
		Action:             models.ActionInstall,
		FirmwareID:         fw.ID,
		Version:            fw.Version,
		Checksum:           fw.Checksum,
		Size:               fw.Size,
		URL:                s.FirmwareURL(fw.ID),
		PreviousFirmwareID: previousFirmwareID,
	}
	return s.send(ctx, a)
}

// Revert возвращает устройство на предыдущую прошивку. previous == nil —
// предыдущая неизвестна, устройство откатывается на свой резервный слот.
func (s *Service) Revert(ctx context.Context, deviceID, releaseID string, previous *models.Firmware) error {
	a := &models.Assignment{
		DeviceID:  deviceID,
		ReleaseID: releaseID,
		Action:    models.ActionRevert,
	}
	if previous != nil {
		a.FirmwareID = previous.ID
		a.Version = previous.Version
		a.Checksum = previous.Checksum
		a.Size = previous.Size
		a.URL = s.FirmwareURL(previous.ID)
	}
	return s.send(ctx, a)
}

// Assignment — текущая инструкция устройству (NotFound, если её нет).
func (s *Service) Assignment(ctx context.Context, deviceID string) (*models.Assignment, error) {
	return s.store.Get(ctx, deviceID)
}

func (s *Service) FirmwareURL(firmwareID string) string {
	return s.baseURL + "/" + firmwareID + "/blob"
}

func (s *Service) send(ctx context.Context, a *models.Assignment) error {
	a.UpdatedAt = s.Now().UTC()
	if err := s.store.Upsert(ctx, a); err != nil {
		return err
	}
	log := logs.With("delivery").WithFields(logrus.Fields{
		"device": a.DeviceID, "release": a.ReleaseID, "action": a.Action, "firmware": a.FirmwareID,
	})
	if s.pub != nil {
		if err := s.pub.Publish(ctx, *a); err != nil {
			log.WithError(err).Warn("push failed, device will pick the assignment up on poll")
			return nil
		}
	}
	log.Debug("assignment sent")
	return nil
}

type memoryStore struct {
	mu    sync.RWMutex
	items map[string]models.Assignment
}

func NewMemoryStore() Store {
	return &memoryStore{items: make(map[string]models.Assignment)}
}

func (m *memoryStore) Upsert(_ context.Context, a *models.Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[a.DeviceID] = *a
	return nil
}

func (m *memoryStore) Get(_ context.Context, deviceID string) (*models.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.items[deviceID]
	if !ok {
		return nil, errs.New(errs.CodeNotFound, "no assignment for device %s", deviceID)
	}
	return &a, nil
}
