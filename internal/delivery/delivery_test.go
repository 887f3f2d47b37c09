package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"

	"aura/internal/errs"
	"aura/internal/models"
)

type recordingPublisher struct {
	mu   sync.Mutex
	sent []models.Assignment
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, a models.Assignment) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, a)
	return p.err
}

func TestInstallAndRevert(t *testing.T) {
	pub := &recordingPublisher{}
	svc := New(NewMemoryStore(), pub, "http://core/device-api/v1/firmware/")
	ctx := context.Background()
	fw := &models.Firmware{ID: "fw-2", Version: "2.0.0", Checksum: "abc", Size: 10}

	if err := svc.Install(ctx, "dev-1", "rel-1", fw, "fw-1"); err != nil {
		t.Fatalf("Install: %v", err)
	}
	a, err := svc.Assignment(ctx, "dev-1")
	if err != nil {
		t.Fatalf("Assignment: %v", err)
	}
	if a.Action != models.ActionInstall || a.URL != "http://core/device-api/v1/firmware/fw-2/blob" || a.PreviousFirmwareID != "fw-1" {
		t.Fatalf("assignment = %+v", a)
	}

	prev := &models.Firmware{ID: "fw-1", Version: "1.0.0"}
	if err := svc.Revert(ctx, "dev-1", "rel-1", prev); err != nil {
		t.Fatalf("Revert: %v", err)
	}
	a, _ = svc.Assignment(ctx, "dev-1")
	if a.Action != models.ActionRevert || a.FirmwareID != "fw-1" {
		t.Fatalf("assignment after revert = %+v", a)
	}
	if len(pub.sent) != 2 {
		t.Fatalf("published %d, want 2", len(pub.sent))
	}
}

func TestPublishFailureKeepsAssignment(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	svc := New(NewMemoryStore(), pub, "http://core")
	ctx := context.Background()
	if err := svc.Revert(ctx, "dev-1", "rel-1", nil); err != nil {
		t.Fatalf("Revert: %v", err)
	}
	if _, err := svc.Assignment(ctx, "dev-1"); err != nil {
		t.Fatalf("assignment missing: %v", err)
	}
}

func TestAssignmentNotFound(t *testing.T) {
	svc := New(NewMemoryStore(), nil, "")
	if _, err := svc.Assignment(context.Background(), "x"); !errors.Is(err, errs.NotFound) {
		t.Fatalf("err = %v", err)
	}
}
