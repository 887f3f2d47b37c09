package rollout

import (
	"context"
	"sort"
	"sync"
	"time"

	"aura/internal/errs"
	"aura/internal/models"
)

// Store хранит релизы и их историю. Save обновляет релиз и дописывает
// события атомарно; Seq событий назначает хранилище. gorm: repo.ReleaseStore.
type Store interface {
	Create(ctx context.Context, r *models.Release, ev models.ReleaseEvent) error
	Get(ctx context.Context, id string) (*models.Release, error)
	List(ctx context.Context) ([]models.Release, error)
	ListByStatus(ctx context.Context, statuses ...models.ReleaseStatus) ([]models.Release, error)
	Save(ctx context.Context, r *models.Release, events ...models.ReleaseEvent) error
	Events(ctx context.Context, id string) ([]models.ReleaseEvent, error)
}

type memoryStore struct {
	mu       sync.RWMutex
	releases map[string]models.Release
	events   map[string][]models.ReleaseEvent
	nextID   uint
}

func NewMemoryStore() Store {
	return &memoryStore{
		releases: make(map[string]models.Release),
		events:   make(map[string][]models.ReleaseEvent),
	}
}

func (m *memoryStore) Create(_ context.Context, r *models.Release, ev models.ReleaseEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.releases[r.ID]; ok {
		return errs.New(errs.CodeInvalidArgument, "release %s already exists", r.ID)
	}
	m.releases[r.ID] = *r
	m.appendLocked(r.ID, ev)
	return nil
}

func (m *memoryStore) Get(_ context.Context, id string) (*models.Release, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.releases[id]
	if !ok {
		return nil, errs.New(errs.CodeNotFound, "release %s not found", id)
	}
	return &r, nil
}

func (m *memoryStore) List(_ context.Context) ([]models.Release, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Release, 0, len(m.releases))
	for _, r := range m.releases {
		out = append(out, r)
	}
	sortReleases(out)
	return out, nil
}

func (m *memoryStore) ListByStatus(_ context.Context, statuses ...models.ReleaseStatus) ([]models.Release, error) {
	want := map[models.ReleaseStatus]bool{}
	for _, s := range statuses {
		want[s] = true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Release
	for _, r := range m.releases {
		if want[r.Status] {
			out = append(out, r)
		}
	}
	sortReleases(out)
	return out, nil
}

func (m *memoryStore) Save(_ context.Context, r *models.Release, events ...models.ReleaseEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.releases[r.ID]; !ok {
		return errs.New(errs.CodeNotFound, "release %s not found", r.ID)
	}
	m.releases[r.ID] = *r
	for _, ev := range events {
		m.appendLocked(r.ID, ev)
	}
	return nil
}

func (m *memoryStore) Events(_ context.Context, id string) ([]models.ReleaseEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.releases[id]; !ok {
		return nil, errs.New(errs.CodeNotFound, "release %s not found", id)
	}
	return append([]models.ReleaseEvent(nil), m.events[id]...), nil
}

func (m *memoryStore) appendLocked(id string, ev models.ReleaseEvent) {
	m.nextID++
	ev.ID = m.nextID
	ev.ReleaseID = id
	ev.Seq = len(m.events[id]) + 1
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	m.events[id] = append(m.events[id], ev)
}

// новые сверху
func sortReleases(rs []models.Release) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].CreatedAt.After(rs[j].CreatedAt)
		}
		return rs[i].ID < rs[j].ID
	})
}
