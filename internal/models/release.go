package models

import (
	"time"

	"gorm.io/datatypes"
)

type ReleaseStatus string

const (
	StatusPending    ReleaseStatus = "pending"
	StatusInProgress ReleaseStatus = "in_progress"
	StatusCompleted  ReleaseStatus = "completed"
	StatusRolledBack ReleaseStatus = "rolled_back"
)

type Stage string

const (
	StageCanary     Stage = "canary"
	StageStaging    Stage = "staging"
	StageProduction Stage = "production"
	StageCompleted  Stage = "completed"
	StageRollback   Stage = "rollback"
)

type HealthPolicy string

const (
	PolicyAutoRollback HealthPolicy = "auto-rollback"
	PolicyManual       HealthPolicy = "manual"
)

type Release struct {
	ID             string         `gorm:"primaryKey;size:36" json:"id"`
	FirmwareID     string         `gorm:"size:36;index;not null" json:"firmware_id"`
	TargetFleet    string         `gorm:"size:128" json:"target_fleet"`
	HealthPolicy   HealthPolicy   `gorm:"size:32;not null" json:"health_policy"`
	Status         ReleaseStatus  `gorm:"size:32;index;not null" json:"status"`
	Stage          Stage          `gorm:"size:32;not null" json:"stage"`
	StageStartedAt *time.Time     `json:"stage_started_at,omitempty"`
	LastVerdict    string         `gorm:"size:32" json:"last_verdict,omitempty"`
	StageDeadline  *time.Time     `gorm:"-" json:"stage_deadline,omitempty"` // конец окна наблюдения, вычисляется
	Progress       datatypes.JSON `json:"progress,omitempty"`                // map[stage]StageProgress, восстанавливается из событий
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Active — релиз ещё обслуживается контрольным циклом.
func (r *Release) Active() bool {
	return r.Status == StatusPending || r.Status == StatusInProgress
}

// ReleaseEvent — append-only история релиза (аудит + источник прогресса).
type ReleaseEvent struct {
	ID        uint           `gorm:"primaryKey" json:"-"`
	ReleaseID string         `gorm:"size:36;uniqueIndex:uniq_release_seq,priority:1;not null" json:"release_id"`
	Seq       int            `gorm:"uniqueIndex:uniq_release_seq,priority:2;not null" json:"seq"`
	Type      string         `gorm:"size:32;not null" json:"type"`
	Status    ReleaseStatus  `gorm:"size:32" json:"status"`
	Stage     Stage          `gorm:"size:32" json:"stage"`
	Payload   datatypes.JSON `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
