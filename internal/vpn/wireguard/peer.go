// Package wireguard выдаёт устройствам пиров management-VPN.
package wireguard

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/netip"
	"strings"
	"sync"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"aura/internal/models"
)

// Store — пиры устройств. EnsurePeer отдаёт существующего пира или создаёт
// нового; index — число уже выданных пиров (для адреса из пула).
type Store interface {
	EnsurePeer(ctx context.Context, deviceID string, newPeer func(index int) (*models.WireGuardPeer, error)) (*models.WireGuardPeer, error)
}

func GeneratePeer(addressCIDR, serverPub, endpoint string, allowed []string, keepalive int) (*models.WireGuardPeer, error) {
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("wireguard private key: %w", err)
	}
	psk, err := wgtypes.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("wireguard psk: %w", err)
	}
	if _, err := wgtypes.ParseKey(serverPub); err != nil {
		return nil, fmt.Errorf("server public key: %w", err)
	}
	return &models.WireGuardPeer{
		PrivateKey:   priv.String(),
		PublicKey:    priv.PublicKey().String(),
		PresharedKey: psk.String(),
		AddressCIDR:  addressCIDR,
		ServerPub:    serverPub,
		Endpoint:     endpoint,
		AllowedIPs:   strings.Join(allowed, ","),
		Keepalive:    keepalive,
	}, nil
}

// AllocateAddress — адрес /32 с номером index в пуле. Первые два адреса
// пула (сеть и сервер) не выдаются.
func AllocateAddress(poolCIDR string, index int) (string, error) {
	pool, err := netip.ParsePrefix(poolCIDR)
	if err != nil {
		return "", fmt.Errorf("address pool: %w", err)
	}
	if !pool.Addr().Is4() {
		return "", fmt.Errorf("address pool %s: only IPv4 is supported", poolCIDR)
	}
	pool = pool.Masked()
	size := uint64(1) << (32 - pool.Bits())
	offset := uint64(index) + 2
	if index < 0 || offset >= size-1 {
		return "", fmt.Errorf("address pool %s exhausted", poolCIDR)
	}
	base := pool.Addr().As4()
	n := binary.BigEndian.Uint32(base[:]) + uint32(offset)
	var out [4]byte
	binary.BigEndian.PutUint32(out[:], n)
	return netip.AddrFrom4(out).String() + "/32", nil
}

// Config — wg0.conf для устройства.
func Config(p *models.WireGuardPeer) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[Interface]\nPrivateKey = %s\nAddress = %s\n\n", p.PrivateKey, p.AddressCIDR)
	fmt.Fprintf(&b, "[Peer]\nPublicKey = %s\n", p.ServerPub)
	if p.PresharedKey != "" {
		fmt.Fprintf(&b, "PresharedKey = %s\n", p.PresharedKey)
	}
	fmt.Fprintf(&b, "Endpoint = %s\nAllowedIPs = %s\n", p.Endpoint, strings.ReplaceAll(p.AllowedIPs, ",", ", "))
	if p.Keepalive > 0 {
		fmt.Fprintf(&b, "PersistentKeepalive = %d\n", p.Keepalive)
	}
	return b.String()
}

type memoryStore struct {
	mu    sync.Mutex
	peers map[string]models.WireGuardPeer
}

func NewMemoryStore() Store {
	return &memoryStore{peers: make(map[string]models.WireGuardPeer)}
}

func (m *memoryStore) EnsurePeer(_ context.Context, deviceID string, newPeer func(index int) (*models.WireGuardPeer, error)) (*models.WireGuardPeer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.peers[deviceID]; ok {
		return &p, nil
	}
	p, err := newPeer(len(m.peers))
	if err != nil {
		return nil, err
	}
	p.ID = uint(len(m.peers) + 1)
	p.DeviceID = deviceID
	m.peers[deviceID] = *p
	return p, nil
}
