package models

import (
	"time"
)

// DeviceState — производное состояние жизненного цикла устройства.
type DeviceState string

const (
	DeviceUnclaimed    DeviceState = "unclaimed"
	DeviceClaimed      DeviceState = "claimed"
	DeviceProvisioned  DeviceState = "provisioned"
	DeviceDeregistered DeviceState = "deregistered"
)

type Device struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// храним только хэш bootstrap-токена (argon2id), сам токен не возвращается
	TokenHash string `gorm:"uniqueIndex;size:128;not null" json:"-"`

	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
	ProvisionedAt  *time.Time `json:"provisioned_at,omitempty"`
	DeregisteredAt *time.Time `gorm:"index" json:"deregistered_at,omitempty"`

	FirmwareID        *string `gorm:"size:36" json:"firmware_id,omitempty"` // установленная прошивка
	CertificateSerial *string `gorm:"size:64" json:"certificate_serial,omitempty"`

	Tags []DeviceTag `gorm:"foreignKey:DeviceID;constraint:OnDelete:CASCADE" json:"-"`

	State  DeviceState `gorm:"-" json:"state"`
	Fleets []string    `gorm:"-" json:"fleets"`
}

// DeviceTag — членство устройства во флите.
type DeviceTag struct {
	DeviceID string `gorm:"primaryKey;size:36"`
	Tag      string `gorm:"primaryKey;size:128;index"`
}

// Hydrate заполняет вычисляемые поля перед отдачей наружу.
func (d *Device) Hydrate() *Device {
	d.State = d.CurrentState()
	d.Fleets = make([]string, 0, len(d.Tags))
	for _, t := range d.Tags {
		d.Fleets = append(d.Fleets, t.Tag)
	}
	return d
}

func (d *Device) CurrentState() DeviceState {
	switch {
	case d.DeregisteredAt != nil:
		return DeviceDeregistered
	case d.ProvisionedAt != nil:
		return DeviceProvisioned
	case d.ClaimedAt != nil:
		return DeviceClaimed
	default:
		return DeviceUnclaimed
	}
}

func (d *Device) HasTag(tag string) bool {
	for _, t := range d.Tags {
		if t.Tag == tag {
			return true
		}
	}
	return false
}
