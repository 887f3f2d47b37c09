package models

import "time"

// Firmware неизменяема после сохранения: новая версия — новая запись.
type Firmware struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	Version     string    `gorm:"size:64;index;not null" json:"version"`
	Description string    `gorm:"size:1024" json:"description"`
	Size        int64     `gorm:"not null" json:"file_size"`
	Checksum    string    `gorm:"size:64;index;not null" json:"checksum"` // sha256 hex
	Locator     string    `gorm:"size:255;not null" json:"-"`             // ключ блоба
	CreatedAt   time.Time `json:"created_at"`
}
