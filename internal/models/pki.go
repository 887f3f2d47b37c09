package models

import "time"

type CA struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"uniqueIndex;size:255"`
	CertPEM   []byte
	KeyPEM    []byte
	NotBefore time.Time
	NotAfter  time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Certificate struct {
	ID        uint   `gorm:"primaryKey"`
	CAID      uint   `gorm:"index"`
	DeviceID  string `gorm:"size:36;index"`
	Serial    string `gorm:"size:64;uniqueIndex"`
	CN        string
	CertPEM   []byte
	KeyPEM    []byte
	NotBefore time.Time
	NotAfter  time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}
