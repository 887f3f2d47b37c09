package server

import (
	"fmt"

	"gorm.io/gorm"

	"aura/config"
	"aura/internal/artifact"
	"aura/internal/delivery"
	"aura/internal/health"
	"aura/internal/pki"
	"aura/internal/registry"
	"aura/internal/repo"
	"aura/internal/rollout"
	"aura/internal/vpn/wireguard"
)

// stores — набор хранилищ ядра: gorm при настроенной БД, иначе in-memory.
type stores struct {
	devices     registry.Store
	firmware    artifact.Catalog
	releases    rollout.Store
	samples     health.Store
	assignments delivery.Store
	pki         pki.Store
	peers       wireguard.Store
}

func newStores(db *gorm.DB) stores {
	if db == nil {
		return stores{
			devices:     registry.NewMemoryStore(),
			firmware:    artifact.NewMemoryCatalog(),
			releases:    rollout.NewMemoryStore(),
			samples:     health.NewMemoryStore(),
			assignments: delivery.NewMemoryStore(),
			pki:         pki.NewMemoryStore(),
			peers:       wireguard.NewMemoryStore(),
		}
	}
	return stores{
		devices:     repo.NewDeviceStore(db),
		firmware:    repo.NewFirmwareStore(db),
		releases:    repo.NewReleaseStore(db),
		samples:     repo.NewSampleStore(db),
		assignments: repo.NewAssignmentStore(db),
		pki:         repo.NewPKIStore(db),
		peers:       repo.NewPeerStore(db),
	}
}

// newBlobs: пустой storage.dir — блобы в памяти (только для разработки).
func newBlobs(cfg *config.Config) (artifact.Blobs, error) {
	if cfg.Storage.Dir == "" {
		return artifact.NewMemoryBlobs(), nil
	}
	b, err := artifact.NewFileBlobs(cfg.Storage.Dir, cfg.Storage.Compression == "zstd")
	if err != nil {
		return nil, fmt.Errorf("blob storage %s: %w", cfg.Storage.Dir, err)
	}
	return b, nil
}
