package reports

import (
	"context"
	"errors"
	"testing"
	"time"

	"aura/internal/delivery"
	"aura/internal/errs"
	"aura/internal/health"
	"aura/internal/models"
	"aura/internal/registry"
)

type fixture struct {
	reg      *registry.Service
	delivery *delivery.Service
	samples  health.Store
	rep      *Reporter
	device   *models.Device
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	reg := registry.New(registry.NewMemoryStore())
	d, _, err := reg.Register(ctx, "production")
	if err != nil {
		t.Fatal(err)
	}
	samples := health.NewMemoryStore()
	ev := health.NewEvaluator(samples, health.Policy{MaxMissingFraction: 0.1, RetryMaxInterval: time.Second})
	dl := delivery.New(delivery.NewMemoryStore(), nil, "http://x/fw")
	return &fixture{reg: reg, delivery: dl, samples: samples, rep: New(reg, dl, ev), device: d}
}

func TestInstallOKRecordsFirmware(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	fw := &models.Firmware{ID: "fw-2", Version: "2.0.0", Checksum: "ab"}
	if err := f.delivery.Install(ctx, f.device.ID, "rel-1", fw, "fw-1"); err != nil {
		t.Fatal(err)
	}

	s, err := f.rep.Handle(ctx, Report{DeviceID: f.device.ID, Kind: KindInstallOK})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if s.ReleaseID != "rel-1" || s.Severity != models.SeverityOK {
		t.Fatalf("sample = %+v", s)
	}
	d, _ := f.reg.Get(ctx, f.device.ID)
	if d.FirmwareID == nil || *d.FirmwareID != "fw-2" {
		t.Fatalf("firmware = %v", d.FirmwareID)
	}

	got, _ := f.samples.Window(ctx, "rel-1", []string{f.device.ID}, time.Time{}, time.Now().Add(time.Minute))
	if len(got) != 1 {
		t.Fatalf("samples = %d", len(got))
	}
}

func TestForeignReleaseDoesNotTouchFirmware(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_ = f.delivery.Install(ctx, f.device.ID, "rel-2", &models.Firmware{ID: "fw-3"}, "")

	if _, err := f.rep.Handle(ctx, Report{DeviceID: f.device.ID, ReleaseID: "rel-1", Kind: KindInstallOK}); err != nil {
		t.Fatal(err)
	}
	d, _ := f.reg.Get(ctx, f.device.ID)
	if d.FirmwareID != nil {
		t.Fatalf("firmware = %s, want unchanged", *d.FirmwareID)
	}
}

func TestHandleValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if _, err := f.rep.Handle(ctx, Report{DeviceID: f.device.ID}); !errors.Is(err, errs.InvalidArgument) {
		t.Fatalf("missing kind: %v", err)
	}
	if _, err := f.rep.Handle(ctx, Report{DeviceID: "nope", Kind: "heartbeat"}); !errors.Is(err, errs.NotFound) {
		t.Fatalf("unknown device: %v", err)
	}
	// без инструкции отчёт всё равно принимается
	s, err := f.rep.Handle(ctx, Report{DeviceID: f.device.ID, Kind: "crash_loop"})
	if err != nil || s.Severity != models.SeverityHard || s.ReleaseID != "" {
		t.Fatalf("sample = %+v, %v", s, err)
	}
}
