// Package provision — первое конфигурационное рукопожатие устройства:
// клиентский сертификат, координаты брокера и (опционально) VPN-пир.
// Успешное рукопожатие переводит устройство в provisioned.
package provision

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"aura/internal/errs"
	"aura/internal/logs"
	"aura/internal/models"
	"aura/internal/pki"
	"aura/internal/tarball"
	"aura/internal/vpn/wireguard"
)

type Registry interface {
	Get(ctx context.Context, id string) (*models.Device, error)
	MarkProvisioned(ctx context.Context, id string) (*models.Device, error)
	SetCertificateSerial(ctx context.Context, id, serial string) error
}

type WireGuardOptions struct {
	Enabled         bool
	Endpoint        string
	ServerPublicKey string
	AddressPoolCIDR string
	AllowedIPs      []string
	Keepalive       int
}

type Options struct {
	CAName    string
	CertTTL   time.Duration
	MQTTHost  string
	MQTTPort  int
	WireGuard WireGuardOptions
}

// caTTL — срок корневого CA; сертификаты устройств обрезаются по нему.
const caTTL = 10 * 365 * 24 * time.Hour

// Bundle — всё, что устройство получает при provisioning.
type Bundle struct {
	DeviceID        string    `json:"device_id"`
	CACert          string    `json:"ca_cert"`
	ClientCert      string    `json:"client_cert"`
	ClientKey       string    `json:"client_key"`
	CertSerial      string    `json:"certificate_serial"`
	MQTTHost        string    `json:"mqtt_host"`
	MQTTPort        int       `json:"mqtt_port"`
	WireGuardConfig string    `json:"wireguard_config,omitempty"`
	ProvisionedAt   time.Time `json:"provisioned_at"`
}

type Service struct {
	registry Registry
	pki      *pki.Service
	peers    wireguard.Store
	opts     Options
	Now      func() time.Time
}

// New: peers может быть nil, если VPN выключен.
func New(registry Registry, p *pki.Service, peers wireguard.Store, opts Options) *Service {
	if opts.CertTTL <= 0 {
		opts.CertTTL = 365 * 24 * time.Hour
	}
	return &Service{registry: registry, pki: p, peers: peers, opts: opts, Now: time.Now}
}

// Provision идемпотентен: повтор отдаёт тот же сертификат и того же пира,
// пока сертификат не истёк.
func (s *Service) Provision(ctx context.Context, deviceID string) (*Bundle, error) {
	d, err := s.registry.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	switch d.CurrentState() {
	case models.DeviceDeregistered:
		return nil, errs.New(errs.CodeInvalidArgument, "device %s is deregistered", d.ID)
	case models.DeviceUnclaimed:
		return nil, errs.New(errs.CodeNotClaimed, "device %s is not claimed", d.ID)
	}

	ca, err := s.pki.EnsureRootCA(ctx, s.opts.CAName, caTTL)
	if err != nil {
		return nil, err
	}
	cert, err := s.pki.Store.CertForDevice(ctx, d.ID)
	if err != nil && errs.CodeOf(err) != errs.CodeNotFound {
		return nil, err
	}
	if cert == nil || cert.CAID != ca.ID || !s.Now().Before(cert.NotAfter) {
		if cert, err = s.pki.IssueDeviceCert(ctx, ca, d.ID, s.opts.CertTTL, d.ID); err != nil {
			return nil, err
		}
	}

	b := &Bundle{
		DeviceID:   d.ID,
		CACert:     string(ca.CertPEM),
		ClientCert: string(cert.CertPEM),
		ClientKey:  string(cert.KeyPEM),
		CertSerial: cert.Serial,
		MQTTHost:   s.opts.MQTTHost,
		MQTTPort:   s.opts.MQTTPort,
	}

	if wg := s.opts.WireGuard; wg.Enabled && s.peers != nil {
		peer, err := s.peers.EnsurePeer(ctx, d.ID, func(index int) (*models.WireGuardPeer, error) {
			addr, err := wireguard.AllocateAddress(wg.AddressPoolCIDR, index)
			if err != nil {
				return nil, err
			}
			return wireguard.GeneratePeer(addr, wg.ServerPublicKey, wg.Endpoint, wg.AllowedIPs, wg.Keepalive)
		})
		if err != nil {
			return nil, err
		}
		b.WireGuardConfig = wireguard.Config(peer)
	}

	if err := s.registry.SetCertificateSerial(ctx, d.ID, cert.Serial); err != nil {
		return nil, err
	}
	d, err = s.registry.MarkProvisioned(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	if d.ProvisionedAt != nil {
		b.ProvisionedAt = *d.ProvisionedAt
	}
	logs.With("provision").WithFields(logrus.Fields{
		"device": d.ID, "serial": cert.Serial, "vpn": b.WireGuardConfig != "",
	}).Info("device provisioned")
	return b, nil
}

// Archive — бандл как детерминированный tar.gz (для Accept: application/gzip).
func (b *Bundle) Archive() ([]byte, string, error) {
	broker, err := json.MarshalIndent(map[string]any{
		"device_id": b.DeviceID,
		"host":      b.MQTTHost,
		"port":      b.MQTTPort,
		"url":       "ssl://" + b.MQTTHost + ":" + strconv.Itoa(b.MQTTPort),
	}, "", "  ")
	if err != nil {
		return nil, "", err
	}
	files := []tarball.File{
		{Name: "aura/ca.pem", Data: []byte(b.CACert)},
		{Name: "aura/client.pem", Data: []byte(b.ClientCert)},
		{Name: "aura/client.key", Mode: 0o600, Data: []byte(b.ClientKey)},
		{Name: "aura/mqtt.json", Data: broker},
	}
	if b.WireGuardConfig != "" {
		files = append(files, tarball.File{Name: "etc/wireguard/wg0.conf", Mode: 0o600, Data: []byte(b.WireGuardConfig)})
	}
	return tarball.Build(files)
}
