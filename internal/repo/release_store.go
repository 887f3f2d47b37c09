package repo

import (
	"context"

	"gorm.io/gorm"

	"aura/internal/errs"
	"aura/internal/models"
	"aura/internal/rollout"
)

type ReleaseStore struct{ db *gorm.DB }

func NewReleaseStore(db *gorm.DB) *ReleaseStore { return &ReleaseStore{db: db} }

var _ rollout.Store = (*ReleaseStore)(nil)

func (s *ReleaseStore) Create(ctx context.Context, r *models.Release, ev models.ReleaseEvent) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(r).Error; err != nil {
			return err
		}
		ev.ID = 0
		ev.ReleaseID = r.ID
		ev.Seq = 1
		return tx.Create(&ev).Error
	})
}

func (s *ReleaseStore) Get(ctx context.Context, id string) (*models.Release, error) {
	var r models.Release
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&r).Error; err != nil {
		return nil, notFound(err, "release %s not found", id)
	}
	return &r, nil
}

func (s *ReleaseStore) List(ctx context.Context) ([]models.Release, error) {
	var out []models.Release
	err := s.db.WithContext(ctx).Order("created_at DESC, id").Find(&out).Error
	return out, err
}

func (s *ReleaseStore) ListByStatus(ctx context.Context, statuses ...models.ReleaseStatus) ([]models.Release, error) {
	var out []models.Release
	err := s.db.WithContext(ctx).Where("status IN ?", statuses).Order("created_at DESC, id").Find(&out).Error
	return out, err
}

// Save — обновление релиза и дописывание событий в одной транзакции.
// Уникальный индекс (release_id, seq) не даст двум процессам записать
// одно и то же место истории.
func (s *ReleaseStore) Save(ctx context.Context, r *models.Release, events ...models.ReleaseEvent) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Release{}).Where("id = ?", r.ID).Select("*").Omit("id", "created_at").Updates(r)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errs.New(errs.CodeNotFound, "release %s not found", r.ID)
		}
		if len(events) == 0 {
			return nil
		}
		var last int
		if err := tx.Model(&models.ReleaseEvent{}).Where("release_id = ?", r.ID).
			Select("COALESCE(MAX(seq), 0)").Scan(&last).Error; err != nil {
			return err
		}
		rows := make([]models.ReleaseEvent, len(events))
		for i, ev := range events {
			ev.ID = 0
			ev.ReleaseID = r.ID
			last++
			ev.Seq = last
			rows[i] = ev
		}
		return tx.Create(&rows).Error
	})
}

func (s *ReleaseStore) Events(ctx context.Context, id string) ([]models.ReleaseEvent, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	var out []models.ReleaseEvent
	err := s.db.WithContext(ctx).Where("release_id = ?", id).Order("seq").Find(&out).Error
	return out, err
}
