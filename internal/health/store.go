package health

import (
	"context"
	"sync"
	"time"

	"aura/internal/models"
)

// Store — фид сэмплов. gorm-реализация: repo.SampleStore.
type Store interface {
	Append(ctx context.Context, s *models.HealthSample) error
	// Window — сэмплы релиза от перечисленных устройств в [since, until].
	Window(ctx context.Context, releaseID string, deviceIDs []string, since, until time.Time) ([]models.HealthSample, error)
}

type memoryStore struct {
	mu      sync.RWMutex
	nextID  uint
	samples []models.HealthSample
}

func NewMemoryStore() Store {
	return &memoryStore{}
}

func (m *memoryStore) Append(_ context.Context, s *models.HealthSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	s.ID = m.nextID
	m.samples = append(m.samples, *s)
	return nil
}

func (m *memoryStore) Window(_ context.Context, releaseID string, deviceIDs []string, since, until time.Time) ([]models.HealthSample, error) {
	want := make(map[string]bool, len(deviceIDs))
	for _, id := range deviceIDs {
		want[id] = true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.HealthSample
	for _, s := range m.samples {
		if s.ReleaseID != releaseID || !want[s.DeviceID] {
			continue
		}
		if s.ReportedAt.Before(since) || s.ReportedAt.After(until) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}
