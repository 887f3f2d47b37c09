package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"aura/internal/errs"
	"aura/internal/models"
)

type memoryStore struct {
	mu      sync.RWMutex
	devices map[string]*models.Device
	byHash  map[string]string
}

func NewMemoryStore() Store {
	return &memoryStore{
		devices: make(map[string]*models.Device),
		byHash:  make(map[string]string),
	}
}

func cloneDevice(d *models.Device) *models.Device {
	c := *d
	c.Tags = append([]models.DeviceTag(nil), d.Tags...)
	return &c
}

func (s *memoryStore) Create(_ context.Context, d *models.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[d.ID]; ok {
		return errs.New(errs.CodeInvalidArgument, "device %s already exists", d.ID)
	}
	if _, ok := s.byHash[d.TokenHash]; ok {
		return errs.New(errs.CodeInvalidArgument, "bootstrap token collision")
	}
	s.devices[d.ID] = cloneDevice(d)
	s.byHash[d.TokenHash] = d.ID
	return nil
}

func (s *memoryStore) Get(_ context.Context, id string) (*models.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[id]
	if !ok {
		return nil, errs.New(errs.CodeNotFound, "device %s not found", id)
	}
	return cloneDevice(d), nil
}

func (s *memoryStore) List(_ context.Context) ([]models.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, *cloneDevice(d))
	}
	sortDevices(out)
	return out, nil
}

func (s *memoryStore) ListByTag(_ context.Context, tag string) ([]models.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Device
	for _, d := range s.devices {
		if d.DeregisteredAt != nil {
			continue
		}
		if tag != "" && !d.HasTag(tag) {
			continue
		}
		out = append(out, *cloneDevice(d))
	}
	sortDevices(out)
	return out, nil
}

// Claim — CAS под эксклюзивной блокировкой.
func (s *memoryStore) Claim(_ context.Context, tokenHash string, at time.Time) (*models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byHash[tokenHash]
	if !ok {
		return nil, errs.InvalidToken
	}
	d := s.devices[id]
	if d.DeregisteredAt != nil {
		return nil, errs.InvalidToken
	}
	if d.ClaimedAt != nil {
		return nil, errs.AlreadyClaimed
	}
	t := at.UTC()
	d.ClaimedAt = &t
	d.UpdatedAt = t
	return cloneDevice(d), nil
}

func (s *memoryStore) MarkProvisioned(_ context.Context, id string, at time.Time) (*models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return nil, errs.New(errs.CodeNotFound, "device %s not found", id)
	}
	if err := checkProvisionable(d); err != nil {
		return nil, err
	}
	if d.ProvisionedAt == nil {
		t := provisionTime(d, at)
		d.ProvisionedAt = &t
		d.UpdatedAt = t
	}
	return cloneDevice(d), nil
}

func (s *memoryStore) SetTags(_ context.Context, id string, tags []string) (*models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return nil, errs.New(errs.CodeNotFound, "device %s not found", id)
	}
	d.Tags = d.Tags[:0]
	for _, t := range tags {
		d.Tags = append(d.Tags, models.DeviceTag{DeviceID: id, Tag: t})
	}
	d.UpdatedAt = time.Now().UTC()
	return cloneDevice(d), nil
}

func (s *memoryStore) SetFirmware(_ context.Context, id, firmwareID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return errs.New(errs.CodeNotFound, "device %s not found", id)
	}
	fw := firmwareID
	d.FirmwareID = &fw
	d.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memoryStore) SetCertificateSerial(_ context.Context, id, serial string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return errs.New(errs.CodeNotFound, "device %s not found", id)
	}
	sr := serial
	d.CertificateSerial = &sr
	return nil
}

func (s *memoryStore) Deregister(_ context.Context, id string, at time.Time) (*models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return nil, errs.New(errs.CodeNotFound, "device %s not found", id)
	}
	if d.DeregisteredAt == nil {
		t := at.UTC()
		d.DeregisteredAt = &t
		d.UpdatedAt = t
	}
	return cloneDevice(d), nil
}

func sortDevices(ds []models.Device) {
	sort.Slice(ds, func(i, j int) bool {
		if !ds[i].CreatedAt.Equal(ds[j].CreatedAt) {
			return ds[i].CreatedAt.Before(ds[j].CreatedAt)
		}
		return ds[i].ID < ds[j].ID
	})
}

// checkProvisionable — общие правила для всех реализаций Store.
func checkProvisionable(d *models.Device) error {
	if d.DeregisteredAt != nil {
		return errs.New(errs.CodeInvalidArgument, "device %s is deregistered", d.ID)
	}
	if d.ClaimedAt == nil {
		return errs.New(errs.CodeNotClaimed, "device %s is not claimed", d.ID)
	}
	return nil
}

// provisionTime гарантирует claimed_at <= provisioned_at даже при скачке часов.
func provisionTime(d *models.Device, at time.Time) time.Time {
	t := at.UTC()
	if d.ClaimedAt != nil && t.Before(*d.ClaimedAt) {
		t = *d.ClaimedAt
	}
	return t
}

// CheckProvisionable и ProvisionTime экспортируются для gorm-реализации.
func CheckProvisionable(d *models.Device) error              { return checkProvisionable(d) }
func ProvisionTime(d *models.Device, at time.Time) time.Time { return provisionTime(d, at) }
