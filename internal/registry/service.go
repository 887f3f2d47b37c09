// Package registry — реестр устройств: идентичность и жизненный цикл
// unclaimed → claimed → provisioned. Источник истины для вопроса
// "может ли это устройство получать обновления".
package registry

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"aura/internal/errs"
	"aura/internal/logs"
	"aura/internal/models"
)

// AllFleets — цель релиза "весь парк".
const AllFleets = "all"

type Service struct {
	store Store
	Now   func() time.Time
}

func New(store Store) *Service {
	return &Service{store: store, Now: time.Now}
}

// Register создаёт устройство в состоянии unclaimed и возвращает
// bootstrap-токен. Токен больше никогда не выдаётся: храним только хэш.
func (s *Service) Register(ctx context.Context, fleets ...string) (*models.Device, string, error) {
	tags, err := normalizeTags(fleets)
	if err != nil {
		return nil, "", err
	}
	token, err := NewToken()
	if err != nil {
		return nil, "", err
	}
	now := s.Now().UTC()
	d := &models.Device{
		ID:        uuid.NewString(),
		TokenHash: HashToken(token),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, t := range tags {
		d.Tags = append(d.Tags, models.DeviceTag{DeviceID: d.ID, Tag: t})
	}
	if err := s.store.Create(ctx, d); err != nil {
		return nil, "", err
	}
	logs.With("registry").WithField("device", d.ID).Info("device registered")
	return d.Hydrate(), token, nil
}

// Claim обменивает токен на устройство. Ровно один успешный вызов на токен.
func (s *Service) Claim(ctx context.Context, token string) (*models.Device, error) {
	token = strings.TrimSpace(token)
	if token == "" || len(token) > maxTokenLength {
		return nil, errs.InvalidToken
	}
	d, err := s.store.Claim(ctx, HashToken(token), s.Now())
	if err != nil {
		return nil, err
	}
	logs.With("registry").WithField("device", d.ID).Info("device claimed")
	return d.Hydrate(), nil
}

// MarkProvisioned идемпотентен: повторный вызов — no-op.
func (s *Service) MarkProvisioned(ctx context.Context, id string) (*models.Device, error) {
	d, err := s.store.MarkProvisioned(ctx, id, s.Now())
	if err != nil {
		return nil, err
	}
	return d.Hydrate(), nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Device, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return d.Hydrate(), nil
}

func (s *Service) List(ctx context.Context) ([]models.Device, error) {
	ds, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range ds {
		ds[i].Hydrate()
	}
	return ds, nil
}

// ListByFleet — id устройств флита (без фильтра по состоянию).
func (s *Service) ListByFleet(ctx context.Context, tag string) ([]string, error) {
	ds, err := s.Fleet(ctx, tag)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(ds))
	for _, d := range ds {
		ids = append(ids, d.ID)
	}
	return ids, nil
}

// Fleet — устройства флита; "" и "all" означают весь парк.
func (s *Service) Fleet(ctx context.Context, tag string) ([]models.Device, error) {
	tag = strings.TrimSpace(tag)
	if tag == AllFleets {
		tag = ""
	}
	ds, err := s.store.ListByTag(ctx, tag)
	if err != nil {
		return nil, err
	}
	for i := range ds {
		ds[i].Hydrate()
	}
	return ds, nil
}

func (s *Service) SetFleets(ctx context.Context, id string, fleets []string) (*models.Device, error) {
	tags, err := normalizeTags(fleets)
	if err != nil {
		return nil, err
	}
	d, err := s.store.SetTags(ctx, id, tags)
	if err != nil {
		return nil, err
	}
	return d.Hydrate(), nil
}

// SetFirmware фиксирует установленную прошивку (отчёт устройства).
func (s *Service) SetFirmware(ctx context.Context, id, firmwareID string) error {
	return s.store.SetFirmware(ctx, id, firmwareID)
}

func (s *Service) SetCertificateSerial(ctx context.Context, id, serial string) error {
	return s.store.SetCertificateSerial(ctx, id, serial)
}

// InstalledFirmware — текущая прошивка для набора устройств ("" если неизвестна).
func (s *Service) InstalledFirmware(ctx context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	for _, id := range ids {
		d, err := s.store.Get(ctx, id)
		if err != nil {
			if errs.CodeOf(err) == errs.CodeNotFound {
				continue
			}
			return nil, err
		}
		if d.FirmwareID != nil {
			out[id] = *d.FirmwareID
		} else {
			out[id] = ""
		}
	}
	return out, nil
}

// Deregister — терминальное состояние, устройство выпадает из всех флитов.
func (s *Service) Deregister(ctx context.Context, id string) (*models.Device, error) {
	d, err := s.store.Deregister(ctx, id, s.Now())
	if err != nil {
		return nil, err
	}
	logs.With("registry").WithField("device", id).Info("device deregistered")
	return d.Hydrate(), nil
}

func normalizeTags(in []string) ([]string, error) {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, t := range in {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		if t == AllFleets {
			return nil, errs.New(errs.CodeInvalidArgument, "fleet tag %q is reserved", AllFleets)
		}
		if len(t) > 128 {
			return nil, errs.New(errs.CodeInvalidArgument, "fleet tag too long")
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}
