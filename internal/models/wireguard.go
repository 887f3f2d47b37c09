package models

// WireGuardPeer — management-VPN пир устройства; выдаётся один раз.
type WireGuardPeer struct {
	ID           uint   `gorm:"primaryKey" json:"-"`
	DeviceID     string `gorm:"size:36;uniqueIndex" json:"device_id"`
	PrivateKey   string `json:"-"`
	PublicKey    string `json:"public_key"`
	PresharedKey string `json:"-"`
	AddressCIDR  string `gorm:"size:64;uniqueIndex" json:"address"` // "10.77.0.X/32"
	ServerPub    string `json:"server_public_key"`
	Endpoint     string `json:"endpoint"`    // "host:port"
	AllowedIPs   string `json:"allowed_ips"` // CSV
	Keepalive    int    `json:"keepalive"`
}
