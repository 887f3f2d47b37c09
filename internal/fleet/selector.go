// Package fleet превращает цель релиза (тег флита + стадия) в конкретный
// стабильный набор устройств.
package fleet

import (
	"bytes"
	"context"
	"math"
	"sort"

	"github.com/zeebo/blake3"

	"aura/internal/errs"
	"aura/internal/models"
)

// Devices — источник кандидатов (registry.Service).
type Devices interface {
	Fleet(ctx context.Context, tag string) ([]models.Device, error)
}

// Cohorts — непересекающиеся когорты одного релиза в порядке ранжирования.
type Cohorts struct {
	Canary     []string `json:"canary"`
	Staging    []string `json:"staging"`
	Production []string `json:"production"`
}

func (c Cohorts) Stage(stage models.Stage) []string {
	switch stage {
	case models.StageCanary:
		return c.Canary
	case models.StageStaging:
		return c.Staging
	case models.StageProduction:
		return c.Production
	}
	return nil
}

func (c Cohorts) Total() int { return len(c.Canary) + len(c.Staging) + len(c.Production) }

type Selector struct {
	devices        Devices
	canaryPercent  float64
	stagingPercent float64
}

func NewSelector(devices Devices, canaryPercent, stagingPercent float64) *Selector {
	return &Selector{devices: devices, canaryPercent: canaryPercent, stagingPercent: stagingPercent}
}

// Resolve — упорядоченные устройства стадии. EmptyFleet, если во флите нет
// ни одного provisioned устройства; пустая когорта стадии ошибкой не является.
func (s *Selector) Resolve(ctx context.Context, fleetTag, releaseID string, stage models.Stage) ([]string, error) {
	c, err := s.Partition(ctx, fleetTag, releaseID)
	if err != nil {
		return nil, err
	}
	return c.Stage(stage), nil
}

// Partition ранжирует provisioned устройства флита по ключевому BLAKE3 от
// (release, device) и режет ранжированный список на canary/staging/production.
func (s *Selector) Partition(ctx context.Context, fleetTag, releaseID string) (Cohorts, error) {
	ds, err := s.devices.Fleet(ctx, fleetTag)
	if err != nil {
		return Cohorts{}, err
	}
	ids := make([]string, 0, len(ds))
	for i := range ds {
		if ds[i].CurrentState() == models.DeviceProvisioned {
			ids = append(ids, ds[i].ID)
		}
	}
	if len(ids) == 0 {
		return Cohorts{}, errs.New(errs.CodeEmptyFleet, "fleet %q has no provisioned devices", displayTag(fleetTag))
	}

	ranked := Rank(releaseID, ids)
	canary, staging := Sizes(len(ranked), s.canaryPercent, s.stagingPercent)
	return Cohorts{
		Canary:     ranked[:canary],
		Staging:    ranked[canary : canary+staging],
		Production: ranked[canary+staging:],
	}, nil
}

// Sizes — размеры canary и staging для флита из n устройств; production — остаток.
func Sizes(n int, canaryPercent, stagingPercent float64) (canary, staging int) {
	if n <= 0 {
		return 0, 0
	}
	canary = int(math.Round(float64(n) * canaryPercent / 100))
	if canary < 1 {
		canary = 1
	}
	if canary > n {
		canary = n
	}
	staging = int(math.Round(float64(n) * stagingPercent / 100))
	if staging > n-canary {
		staging = n - canary
	}
	return canary, staging
}

var rankKey = blake3.Sum256([]byte("aura fleet cohort ranking v1"))

// Rank — детерминированный порядок устройств для релиза. Разные релизы
// получают разные canary, один релиз всегда один и тот же.
func Rank(releaseID string, ids []string) []string {
	type ranked struct {
		id  string
		key []byte
	}
	h, err := blake3.NewKeyed(rankKey[:])
	if err != nil {
		panic("fleet: blake3 keyed init: " + err.Error())
	}
	rs := make([]ranked, 0, len(ids))
	for _, id := range ids {
		h.Reset()
		_, _ = h.Write([]byte(releaseID))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(id))
		rs = append(rs, ranked{id: id, key: h.Sum(nil)})
	}
	sort.Slice(rs, func(i, j int) bool {
		if c := bytes.Compare(rs[i].key, rs[j].key); c != 0 {
			return c < 0
		}
		return rs[i].id < rs[j].id
	})
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.id
	}
	return out
}

func displayTag(tag string) string {
	if tag == "" {
		return "all"
	}
	return tag
}
