package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"aura/internal/models"
	"aura/internal/vpn/wireguard"
)

type PeerStore struct{ db *gorm.DB }

func NewPeerStore(db *gorm.DB) *PeerStore { return &PeerStore{db: db} }

var _ wireguard.Store = (*PeerStore)(nil)

func (s *PeerStore) EnsurePeer(ctx context.Context, deviceID string, newPeer func(index int) (*models.WireGuardPeer, error)) (*models.WireGuardPeer, error) {
	var out *models.WireGuardPeer
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p models.WireGuardPeer
		err := tx.Where("device_id = ?", deviceID).First(&p).Error
		if err == nil {
			out = &p
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		var n int64
		if err := tx.Model(&models.WireGuardPeer{}).Count(&n).Error; err != nil {
			return err
		}
		np, err := newPeer(int(n))
		if err != nil {
			return err
		}
		np.DeviceID = deviceID
		if err := tx.Create(np).Error; err != nil {
			return err
		}
		out = np
		return nil
	})
	return out, err
}
