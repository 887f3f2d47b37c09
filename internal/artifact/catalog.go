package artifact

import (
	"context"
	"sort"
	"sync"

	"aura/internal/errs"
	"aura/internal/models"
)

// Catalog — метаданные прошивок. gorm-реализация: repo.FirmwareStore.
type Catalog interface {
	Create(ctx context.Context, fw *models.Firmware) error
	Get(ctx context.Context, id string) (*models.Firmware, error)
	List(ctx context.Context) ([]models.Firmware, error)
}

type memoryCatalog struct {
	mu    sync.RWMutex
	items map[string]models.Firmware
}

func NewMemoryCatalog() Catalog {
	return &memoryCatalog{items: make(map[string]models.Firmware)}
}

func (c *memoryCatalog) Create(_ context.Context, fw *models.Firmware) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[fw.ID]; ok {
		return errs.New(errs.CodeInvalidArgument, "firmware %s already exists", fw.ID)
	}
	c.items[fw.ID] = *fw
	return nil
}

func (c *memoryCatalog) Get(_ context.Context, id string) (*models.Firmware, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fw, ok := c.items[id]
	if !ok {
		return nil, errs.New(errs.CodeNotFound, "firmware %s not found", id)
	}
	return &fw, nil
}

// List — новые сверху, как в консоли.
func (c *memoryCatalog) List(_ context.Context) ([]models.Firmware, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Firmware, 0, len(c.items))
	for _, fw := range c.items {
		out = append(out, fw)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
