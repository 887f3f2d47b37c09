package deviceapi

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"aura/internal/artifact"
	"aura/internal/delivery"
	"aura/internal/health"
	"aura/internal/models"
	"aura/internal/pki"
	"aura/internal/provision"
	"aura/internal/registry"
	"aura/internal/reports"
)

const secret = "s3cret"

type env struct {
	router   *mux.Router
	reg      *registry.Service
	delivery *delivery.Service
	art      *artifact.Store
	blobs    *artifact.MemoryBlobs
}

func newEnv(t *testing.T) *env {
	t.Helper()
	reg := registry.New(registry.NewMemoryStore())
	blobs := artifact.NewMemoryBlobs()
	art := artifact.New(blobs, artifact.NewMemoryCatalog(), 0)
	dl := delivery.New(delivery.NewMemoryStore(), nil, "http://core"+Prefix+"/firmware")
	eval := health.NewEvaluator(health.NewMemoryStore(), health.Policy{MaxMissingFraction: 0.1, RetryMaxInterval: time.Millisecond})
	prov := provision.New(reg, pki.New(pki.NewMemoryStore()), nil, provision.Options{
		CAName: "Test CA", CertTTL: time.Hour, MQTTHost: "broker", MQTTPort: 8883,
	})

	r := mux.NewRouter()
	RegisterRoutes(r, secret, NewHandler(prov, dl, reports.New(reg, dl, eval), art))
	return &env{router: r, reg: reg, delivery: dl, art: art, blobs: blobs}
}

func (e *env) do(t *testing.T, method, path string, body []byte, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+secret)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *env) claimed(t *testing.T) *models.Device {
	t.Helper()
	ctx := context.Background()
	d, token, err := e.reg.Register(ctx, "lab")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.reg.Claim(ctx, token); err != nil {
		t.Fatal(err)
	}
	return d
}

func TestProvisionJSONAndArchive(t *testing.T) {
	e := newEnv(t)
	d := e.claimed(t)

	rec := e.do(t, http.MethodPost, Prefix+"/devices/"+d.ID+"/provision", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("provision: %d %s", rec.Code, rec.Body)
	}
	var b provision.Bundle
	if err := json.Unmarshal(rec.Body.Bytes(), &b); err != nil || b.ClientCert == "" || b.MQTTHost != "broker" {
		t.Fatalf("bundle = %+v %v", b, err)
	}

	rec = e.do(t, http.MethodPost, Prefix+"/devices/"+d.ID+"/provision", nil, map[string]string{"Accept": "application/gzip"})
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "application/gzip" {
		t.Fatalf("archive: %d %s", rec.Code, rec.Header().Get("Content-Type"))
	}
	sum := sha256.Sum256(rec.Body.Bytes())
	if rec.Header().Get("X-Checksum-Sha256") != hex.EncodeToString(sum[:]) {
		t.Fatal("archive checksum header does not match body")
	}

	got, _ := e.reg.Get(context.Background(), d.ID)
	if got.State != models.DeviceProvisioned {
		t.Fatalf("state = %s", got.State)
	}
}

func TestProvisionUnclaimedIsConflict(t *testing.T) {
	e := newEnv(t)
	d, _, _ := e.reg.Register(context.Background())
	rec := e.do(t, http.MethodPost, Prefix+"/devices/"+d.ID+"/provision", nil, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAssignmentAndReport(t *testing.T) {
	e := newEnv(t)
	d := e.claimed(t)
	path := Prefix + "/devices/" + d.ID + "/assignment"

	if rec := e.do(t, http.MethodGet, path, nil, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("no assignment: %d", rec.Code)
	}

	fw := &models.Firmware{ID: "fw-2", Version: "2.0.0"}
	if err := e.delivery.Install(context.Background(), d.ID, "rel-1", fw, ""); err != nil {
		t.Fatal(err)
	}
	rec := e.do(t, http.MethodGet, path, nil, nil)
	var a models.Assignment
	_ = json.Unmarshal(rec.Body.Bytes(), &a)
	if rec.Code != http.StatusOK || a.Action != models.ActionInstall || a.URL != "http://core"+Prefix+"/firmware/fw-2/blob" {
		t.Fatalf("assignment = %d %+v", rec.Code, a)
	}

	rec = e.do(t, http.MethodPost, Prefix+"/devices/"+d.ID+"/reports", []byte(`{"kind":"install_ok"}`), nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("report: %d %s", rec.Code, rec.Body)
	}
	var s models.HealthSample
	_ = json.Unmarshal(rec.Body.Bytes(), &s)
	if s.ReleaseID != "rel-1" || s.Severity != models.SeverityOK {
		t.Fatalf("sample = %+v", s)
	}

	rec = e.do(t, http.MethodPost, Prefix+"/devices/"+d.ID+"/reports", []byte(`{`), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed report: %d", rec.Code)
	}
}

func TestFirmwareBlob(t *testing.T) {
	e := newEnv(t)
	img := []byte("firmware bytes")
	sum := sha256.Sum256(img)
	fw, err := e.art.Put(context.Background(), bytes.NewReader(img), artifact.Upload{
		Version: "1.0.0", Size: int64(len(img)), Checksum: hex.EncodeToString(sum[:]),
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := e.do(t, http.MethodGet, Prefix+"/firmware/"+fw.ID+"/blob", nil, nil)
	body, _ := io.ReadAll(rec.Body)
	if rec.Code != http.StatusOK || !bytes.Equal(body, img) || rec.Header().Get("X-Checksum-Sha256") != fw.Checksum {
		t.Fatalf("blob: %d %q", rec.Code, body)
	}

	e.blobs.Tamper(fw.Locator, []byte("evil bytes!!!!"))
	rec = e.do(t, http.MethodGet, Prefix+"/firmware/"+fw.ID+"/blob", nil, nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("tampered blob must not be served, got %d", rec.Code)
	}
}

func TestRequiresSharedSecret(t *testing.T) {
	e := newEnv(t)
	req := httptest.NewRequest(http.MethodGet, Prefix+"/devices/x/assignment", nil)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}
