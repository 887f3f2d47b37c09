// Package reports принимает отчёты устройств (HTTP или MQTT) и превращает их
// в сэмплы здоровья. Отчёт об успешной установке фиксирует прошивку в реестре.
package reports

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"aura/internal/errs"
	"aura/internal/logs"
	"aura/internal/models"
)

// KindInstallOK — устройство подтвердило установку из текущей инструкции.
const KindInstallOK = "install_ok"

type Report struct {
	DeviceID   string    `json:"device_id"`
	ReleaseID  string    `json:"release_id,omitempty"`
	Kind       string    `json:"kind"`
	Detail     string    `json:"detail,omitempty"`
	ReportedAt time.Time `json:"reported_at,omitempty"`
}

type Devices interface {
	Get(ctx context.Context, id string) (*models.Device, error)
	SetFirmware(ctx context.Context, id, firmwareID string) error
}

type Assignments interface {
	Assignment(ctx context.Context, deviceID string) (*models.Assignment, error)
}

type Feed interface {
	Ingest(ctx context.Context, s models.HealthSample) (*models.HealthSample, error)
}

type Reporter struct {
	devices     Devices
	assignments Assignments
	feed        Feed
}

func New(devices Devices, assignments Assignments, feed Feed) *Reporter {
	return &Reporter{devices: devices, assignments: assignments, feed: feed}
}

// Handle записывает отчёт. release_id берётся из текущей инструкции устройства,
// если устройство его не передало.
func (r *Reporter) Handle(ctx context.Context, rep Report) (*models.HealthSample, error) {
	rep.Kind = strings.ToLower(strings.TrimSpace(rep.Kind))
	if rep.DeviceID == "" || rep.Kind == "" {
		return nil, errs.New(errs.CodeInvalidArgument, "device id and kind are required")
	}
	d, err := r.devices.Get(ctx, rep.DeviceID)
	if err != nil {
		return nil, err
	}
	if d.DeregisteredAt != nil {
		return nil, errs.New(errs.CodeInvalidArgument, "device %s is deregistered", d.ID)
	}

	a, err := r.assignments.Assignment(ctx, rep.DeviceID)
	if err != nil && !errors.Is(err, errs.NotFound) {
		return nil, err
	}
	if rep.ReleaseID == "" && a != nil {
		rep.ReleaseID = a.ReleaseID
	}

	sample, err := r.feed.Ingest(ctx, models.HealthSample{
		DeviceID:   rep.DeviceID,
		ReleaseID:  rep.ReleaseID,
		Kind:       rep.Kind,
		Detail:     rep.Detail,
		ReportedAt: rep.ReportedAt,
	})
	if err != nil {
		return nil, err
	}

	log := logs.Ctx(ctx, "reports").WithFields(logrus.Fields{
		"device": rep.DeviceID, "release": rep.ReleaseID, "kind": rep.Kind, "severity": sample.Severity,
	})
	// прошивку фиксируем только по инструкции того же релиза
	if rep.Kind == KindInstallOK && a != nil && a.FirmwareID != "" && a.ReleaseID == rep.ReleaseID {
		if err := r.devices.SetFirmware(ctx, rep.DeviceID, a.FirmwareID); err != nil {
			return nil, err
		}
		log = log.WithField("firmware", a.FirmwareID)
	}
	log.Debug("report accepted")
	return sample, nil
}
