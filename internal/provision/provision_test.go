package provision

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"aura/internal/errs"
	"aura/internal/models"
	"aura/internal/pki"
	"aura/internal/registry"
	"aura/internal/vpn/wireguard"
)

func newService(t *testing.T, vpn bool) (*Service, *registry.Service) {
	t.Helper()
	reg := registry.New(registry.NewMemoryStore())
	server, _ := wgtypes.GeneratePrivateKey()
	svc := New(reg, pki.New(pki.NewMemoryStore()), wireguard.NewMemoryStore(), Options{
		CAName:   "Test CA",
		CertTTL:  24 * time.Hour,
		MQTTHost: "broker.local",
		MQTTPort: 8883,
		WireGuard: WireGuardOptions{
			Enabled:         vpn,
			Endpoint:        "vpn.local:51820",
			ServerPublicKey: server.PublicKey().String(),
			AddressPoolCIDR: "10.77.0.0/16",
			AllowedIPs:      []string{"10.77.0.1/32"},
			Keepalive:       25,
		},
	})
	return svc, reg
}

func TestProvisionClaimedDevice(t *testing.T) {
	svc, reg := newService(t, true)
	ctx := context.Background()
	d, token, _ := reg.Register(ctx, "lab")

	if _, err := svc.Provision(ctx, d.ID); !errors.Is(err, errs.NotClaimed) {
		t.Fatalf("unclaimed: err = %v", err)
	}
	if _, err := reg.Claim(ctx, token); err != nil {
		t.Fatal(err)
	}

	b, err := svc.Provision(ctx, d.ID)
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if b.ClientCert == "" || b.ClientKey == "" || b.MQTTPort != 8883 || !strings.Contains(b.WireGuardConfig, "10.77.0.2/32") {
		t.Fatalf("bundle = %+v", b)
	}

	got, _ := reg.Get(ctx, d.ID)
	if got.State != models.DeviceProvisioned || got.CertificateSerial == nil || *got.CertificateSerial != b.CertSerial {
		t.Fatalf("device = %+v", got)
	}

	again, err := svc.Provision(ctx, d.ID)
	if err != nil {
		t.Fatalf("repeat: %v", err)
	}
	if again.CertSerial != b.CertSerial || again.WireGuardConfig != b.WireGuardConfig || !again.ProvisionedAt.Equal(b.ProvisionedAt) {
		t.Fatal("repeat provisioning issued new credentials")
	}
}

func TestBundleArchive(t *testing.T) {
	svc, reg := newService(t, false)
	ctx := context.Background()
	d, token, _ := reg.Register(ctx)
	_, _ = reg.Claim(ctx, token)
	b, err := svc.Provision(ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	archive, sum, err := b.Archive()
	if err != nil || len(sum) != 64 {
		t.Fatalf("Archive: %v", err)
	}
	gz, err := gzip.NewReader(bytes.NewReader(archive))
	if err != nil {
		t.Fatal(err)
	}
	tr := tar.NewReader(gz)
	files := map[string]bool{}
	for {
		h, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		files[h.Name] = true
	}
	for _, want := range []string{"aura/ca.pem", "aura/client.pem", "aura/client.key", "aura/mqtt.json"} {
		if !files[want] {
			t.Errorf("archive lacks %s", want)
		}
	}
	if files["etc/wireguard/wg0.conf"] {
		t.Error("wg0.conf present with VPN disabled")
	}
}

func TestProvisionUnknownDevice(t *testing.T) {
	svc, _ := newService(t, false)
	if _, err := svc.Provision(context.Background(), "nope"); !errors.Is(err, errs.NotFound) {
		t.Fatalf("err = %v", err)
	}
}
