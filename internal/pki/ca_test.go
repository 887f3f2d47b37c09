package pki

import (
	"context"
	"errors"
	"testing"
	"time"

	"aura/internal/errs"
)

func TestIssueAndVerify(t *testing.T) {
	svc := New(NewMemoryStore())
	ctx := context.Background()

	ca, err := svc.EnsureRootCA(ctx, "Test CA", 24*time.Hour)
	if err != nil {
		t.Fatalf("EnsureRootCA: %v", err)
	}
	again, err := svc.EnsureRootCA(ctx, "Test CA", 24*time.Hour)
	if err != nil || string(again.CertPEM) != string(ca.CertPEM) {
		t.Fatalf("CA was regenerated: %v", err)
	}

	cert, err := svc.IssueDeviceCert(ctx, ca, "dev-1", 48*time.Hour, "dev-1")
	if err != nil {
		t.Fatalf("IssueDeviceCert: %v", err)
	}
	if cert.Serial == "" || cert.NotAfter.After(ca.NotAfter) {
		t.Fatalf("cert = serial %q notAfter %v (CA %v)", cert.Serial, cert.NotAfter, ca.NotAfter)
	}
	if err := Verify(ca, cert.CertPEM, time.Now()); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	other, _ := svc.EnsureRootCA(ctx, "Other CA", time.Hour)
	if err := Verify(other, cert.CertPEM, time.Now()); err == nil {
		t.Fatal("certificate verified against foreign CA")
	}

	got, err := svc.Store.CertForDevice(ctx, "dev-1")
	if err != nil || got.Serial != cert.Serial {
		t.Fatalf("CertForDevice = %v, %v", got, err)
	}
	if _, err := svc.Store.CertForDevice(ctx, "dev-2"); !errors.Is(err, errs.NotFound) {
		t.Fatalf("err = %v", err)
	}
}
