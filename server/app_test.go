package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"aura/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	var c config.Config
	c.Server.Address = "127.0.0.1"
	c.Server.HTTPPort = "0"
	c.Server.APIPrefix = "/api/v1"
	c.Server.CORSOrigins = []string{"https://console.example"}
	c.Logging.Level = "error"
	c.Storage.Dir = t.TempDir()
	c.Storage.Compression = "zstd"
	c.Storage.MaxUploadBytes = 1 << 20
	c.Storage.PublicURL = "http://localhost/device-api/v1/firmware"
	c.DeviceAPI.SharedSecret = "s3cret"
	c.Rollout.PollInterval = time.Second
	c.Rollout.ObservationWindow = time.Minute
	c.Rollout.CanaryPercent = 5
	c.Rollout.StagingPercent = 25
	c.Health.MaxMissingFraction = 0.1
	c.Health.RetryMaxInterval = time.Second
	c.Provisioning.CAName = "Test CA"
	c.Provisioning.CertTTL = "24h"
	c.Provisioning.MQTTHost = "localhost"
	c.Provisioning.MQTTPort = 8883
	return &c
}

func TestInitializeInMemory(t *testing.T) {
	a := &App{}
	if err := a.Initialize(testConfig(t)); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	tests := []struct {
		method, path, auth string
		want               int
	}{
		{http.MethodGet, "/healthz", "", http.StatusOK},
		{http.MethodGet, "/readyz", "", http.StatusOK},
		{http.MethodGet, "/api/v1/devices", "", http.StatusOK},
		{http.MethodGet, "/api/v1/releases", "", http.StatusOK},
		{http.MethodGet, "/device-api/v1/devices/x/assignment", "", http.StatusUnauthorized},
		{http.MethodGet, "/device-api/v1/devices/x/assignment", "Bearer s3cret", http.StatusNoContent},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, tt.path, nil)
		if tt.auth != "" {
			req.Header.Set("Authorization", tt.auth)
		}
		rec := httptest.NewRecorder()
		a.Handler.ServeHTTP(rec, req)
		if rec.Code != tt.want {
			t.Errorf("%s %s: %d, want %d", tt.method, tt.path, rec.Code, tt.want)
		}
	}
}

func TestCORSForConsole(t *testing.T) {
	a := &App{}
	if err := a.Initialize(testConfig(t)); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
	req.Header.Set("Origin", "https://console.example")
	rec := httptest.NewRecorder()
	a.Handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://console.example" {
		t.Fatalf("allow origin = %q", got)
	}
}

func TestInitializeRejectsBadCertTTL(t *testing.T) {
	c := testConfig(t)
	c.Provisioning.CertTTL = "forever"
	if err := (&App{}).Initialize(c); err == nil {
		t.Fatal("expected error")
	}
}
