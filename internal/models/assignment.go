package models

import "time"

type AssignmentAction string

const (
	ActionInstall AssignmentAction = "install"
	ActionRevert  AssignmentAction = "revert"
)

// Assignment — последняя инструкция для устройства (одна строка на устройство,
// last-writer-wins). Устройство опрашивает её или получает push по MQTT.
type Assignment struct {
	DeviceID           string           `gorm:"primaryKey;size:36" json:"device_id"`
	ReleaseID          string           `gorm:"size:36;index" json:"release_id"`
	Action             AssignmentAction `gorm:"size:16;not null" json:"action"`
	FirmwareID         string           `gorm:"size:36" json:"firmware_id,omitempty"`
	Version            string           `gorm:"size:64" json:"version,omitempty"`
	Checksum           string           `gorm:"size:64" json:"checksum,omitempty"`
	Size               int64            `json:"size,omitempty"`
	URL                string           `gorm:"size:512" json:"url,omitempty"`
	PreviousFirmwareID string           `gorm:"size:36" json:"previous_firmware_id,omitempty"`
	UpdatedAt          time.Time        `json:"updated_at"`
}
