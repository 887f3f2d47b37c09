package models

import "time"

type Severity string

const (
	SeverityOK   Severity = "ok"
	SeveritySoft Severity = "soft"
	SeverityHard Severity = "hard"
)

// HealthSample — одно наблюдение из телеметрии устройства.
type HealthSample struct {
	ID         uint      `gorm:"primaryKey" json:"-"`
	DeviceID   string    `gorm:"size:36;index:idx_sample_release_device,priority:2;not null" json:"device_id"`
	ReleaseID  string    `gorm:"size:36;index:idx_sample_release_device,priority:1" json:"release_id"`
	Kind       string    `gorm:"size:64;not null" json:"kind"`
	Severity   Severity  `gorm:"size:16;not null" json:"severity"`
	Detail     string    `gorm:"size:1024" json:"detail,omitempty"`
	ReportedAt time.Time `gorm:"index" json:"reported_at"`
}
