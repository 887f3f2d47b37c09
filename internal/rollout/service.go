package rollout

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"aura/internal/errs"
	"aura/internal/logs"
	"aura/internal/models"
)

// Service — операции консоли над релизами.
type Service struct {
	engine *Engine
}

func NewService(engine *Engine) *Service {
	return &Service{engine: engine}
}

type CreateRequest struct {
	FirmwareID   string              `json:"firmware_id"`
	TargetFleet  string              `json:"target_fleet"`
	HealthPolicy models.HealthPolicy `json:"health_policy"`
}

// Create — новый релиз в (pending, canary). Прошивка должна существовать.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*models.Release, error) {
	req.FirmwareID = strings.TrimSpace(req.FirmwareID)
	if req.FirmwareID == "" {
		return nil, errs.New(errs.CodeInvalidArgument, "firmware_id is required")
	}
	policy, err := parsePolicy(req.HealthPolicy)
	if err != nil {
		return nil, err
	}
	fleetTag := strings.TrimSpace(req.TargetFleet)
	if fleetTag == "" {
		fleetTag = "all"
	}
	if _, err := s.engine.artifacts.Describe(ctx, req.FirmwareID); err != nil {
		return nil, err
	}

	now := s.engine.Now().UTC()
	r := &models.Release{
		ID:           uuid.NewString(),
		FirmwareID:   req.FirmwareID,
		TargetFleet:  fleetTag,
		HealthPolicy: policy,
		Status:       models.StatusPending,
		Stage:        models.StageCanary,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	ev := models.ReleaseEvent{
		Type:      EvCreated,
		Status:    r.Status,
		Stage:     r.Stage,
		Payload:   payload(req),
		CreatedAt: now,
	}
	if err := s.engine.store.Create(ctx, r, ev); err != nil {
		return nil, err
	}
	logs.Ctx(ctx, "rollout").WithFields(logrus.Fields{
		"release": r.ID, "firmware": r.FirmwareID, "fleet": r.TargetFleet, "policy": r.HealthPolicy,
	}).Info("release created")
	if s.engine.OnChange != nil {
		s.engine.OnChange(r.ID)
	}
	return r, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Release, error) {
	r, err := s.engine.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.withDeadline(r), nil
}

func (s *Service) List(ctx context.Context) ([]models.Release, error) {
	rs, err := s.engine.store.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range rs {
		s.withDeadline(&rs[i])
	}
	return rs, nil
}

func (s *Service) Events(ctx context.Context, id string) ([]models.ReleaseEvent, error) {
	return s.engine.store.Events(ctx, id)
}

// Command — PUT /releases/{id}/status.
func (s *Service) Command(ctx context.Context, id string, cmd Command) (*models.Release, error) {
	r, err := s.engine.Apply(ctx, id, cmd)
	if err != nil {
		return nil, err
	}
	return s.withDeadline(r), nil
}

func parsePolicy(p models.HealthPolicy) (models.HealthPolicy, error) {
	switch models.HealthPolicy(strings.ToLower(strings.TrimSpace(string(p)))) {
	case "", models.PolicyAutoRollback, "auto_rollback", "auto":
		return models.PolicyAutoRollback, nil
	case models.PolicyManual:
		return models.PolicyManual, nil
	}
	return "", errs.New(errs.CodeInvalidArgument, "health_policy must be %q or %q", models.PolicyAutoRollback, models.PolicyManual)
}

// withDeadline проставляет конец окна наблюдения текущей стадии (для консоли).
func (s *Service) withDeadline(r *models.Release) *models.Release {
	r.StageDeadline = nil
	if r.StageStartedAt != nil && r.Status == models.StatusInProgress {
		d := r.StageStartedAt.Add(s.engine.window)
		r.StageDeadline = &d
	}
	return r
}
