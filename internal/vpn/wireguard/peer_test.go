package wireguard

import (
	"context"
	"strings"
	"testing"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"aura/internal/models"
)

func TestAllocateAddress(t *testing.T) {
	tests := []struct {
		pool  string
		index int
		want  string
		ok    bool
	}{
		{"10.77.0.0/16", 0, "10.77.0.2/32", true},
		{"10.77.0.0/16", 254, "10.77.1.0/32", true},
		{"10.77.0.9/30", 0, "10.77.0.10/32", true},
		{"10.77.0.8/30", 1, "", false},
		{"fd00::/64", 0, "", false},
		{"garbage", 0, "", false},
	}
	for _, tt := range tests {
		got, err := AllocateAddress(tt.pool, tt.index)
		if tt.ok != (err == nil) || got != tt.want {
			t.Errorf("AllocateAddress(%s, %d) = %q, %v; want %q", tt.pool, tt.index, got, err, tt.want)
		}
	}
}

func TestEnsurePeerIsStable(t *testing.T) {
	server, _ := wgtypes.GeneratePrivateKey()
	store := NewMemoryStore()
	ctx := context.Background()
	gen := func(index int) (*models.WireGuardPeer, error) {
		addr, err := AllocateAddress("10.77.0.0/24", index)
		if err != nil {
			return nil, err
		}
		return GeneratePeer(addr, server.PublicKey().String(), "vpn.example:51820", []string{"10.77.0.1/32"}, 25)
	}

	a, err := store.EnsurePeer(ctx, "dev-a", gen)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := store.EnsurePeer(ctx, "dev-b", gen)
	again, _ := store.EnsurePeer(ctx, "dev-a", gen)
	if a.AddressCIDR == b.AddressCIDR {
		t.Fatal("two devices share an address")
	}
	if again.PrivateKey != a.PrivateKey {
		t.Fatal("peer regenerated for the same device")
	}

	conf := Config(a)
	for _, want := range []string{"[Interface]", "Address = 10.77.0.2/32", "Endpoint = vpn.example:51820", "PersistentKeepalive = 25"} {
		if !strings.Contains(conf, want) {
			t.Errorf("config lacks %q:\n%s", want, conf)
		}
	}
}

func TestGeneratePeerRejectsBadServerKey(t *testing.T) {
	if _, err := GeneratePeer("10.0.0.2/32", "not-a-key", "h:1", nil, 0); err == nil {
		t.Fatal("expected error")
	}
}
