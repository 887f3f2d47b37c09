package mqtt

import (
	"encoding/json"
	"testing"
	"time"

	"aura/internal/models"
	"aura/internal/reports"
)

func TestTopics(t *testing.T) {
	tp := Topics{Prefix: "/fleet/"}
	if got := tp.Command("d1"); got != "fleet/devices/d1/update/command" {
		t.Errorf("command = %s", got)
	}
	if got := tp.StatusFilter(); got != "fleet/devices/+/update/status" {
		t.Errorf("status filter = %s", got)
	}
	if got := (Topics{}).TelemetryFilter(); got != "aura/devices/+/telemetry" {
		t.Errorf("default prefix = %s", got)
	}

	id, ok := tp.DeviceFromTopic("fleet/devices/d1/update/status")
	if !ok || id != "d1" {
		t.Errorf("DeviceFromTopic = %q %v", id, ok)
	}
	if _, ok := tp.DeviceFromTopic("other/devices/d1/telemetry"); ok {
		t.Error("foreign prefix must not match")
	}
}

func TestEncode(t *testing.T) {
	tp := Topics{Prefix: "aura"}
	topic, b, err := tp.Encode(models.Assignment{
		DeviceID: "d1", ReleaseID: "r1", Action: models.ActionInstall,
		FirmwareID: "f2", URL: "http://x/f2/blob", Version: "2.0.0", Checksum: "ab", Size: 3,
	})
	if err != nil || topic != "aura/devices/d1/update/command" {
		t.Fatalf("install: %s %v", topic, err)
	}
	var cmd UpdateCommand
	if err := json.Unmarshal(b, &cmd); err != nil || cmd.FirmwareURL != "http://x/f2/blob" || cmd.ReleaseID != "r1" {
		t.Fatalf("command = %+v %v", cmd, err)
	}

	topic, b, err = tp.Encode(models.Assignment{DeviceID: "d1", ReleaseID: "r1", Action: models.ActionRevert})
	if err != nil || topic != "aura/devices/d1/update/rollback" {
		t.Fatalf("revert: %s %v", topic, err)
	}
	var rb map[string]any
	_ = json.Unmarshal(b, &rb)
	if rb["action"] != "rollback" {
		t.Fatalf("rollback = %v", rb)
	}
	if _, ok := rb["firmware_url"]; ok {
		t.Fatal("unknown previous firmware must not carry a url")
	}

	if _, _, err := tp.Encode(models.Assignment{DeviceID: "d1", Action: "wipe"}); err == nil {
		t.Fatal("expected error for unknown action")
	}
}

func TestStatusReport(t *testing.T) {
	tests := []struct {
		status string
		kind   string
		ok     bool
	}{
		{"completed", reports.KindInstallOK, true},
		{"FAILED", "install_failed", true},
		{"checksum_mismatch", "checksum_mismatch", true},
		{"downloading", "", false},
	}
	for _, tt := range tests {
		r, ok := StatusReport("d1", UpdateStatus{Status: tt.status, Error: "e"})
		if ok != tt.ok || r.Kind != tt.kind {
			t.Errorf("%s: got %q %v", tt.status, r.Kind, ok)
		}
		if ok && r.DeviceID != "d1" {
			t.Errorf("%s: device = %q", tt.status, r.DeviceID)
		}
	}
}

func TestTelemetryReport(t *testing.T) {
	r := TelemetryReport("d1", DeviceTelemetry{Status: "online", Timestamp: 1700000000, FirmwareVersion: "1.2.0"})
	if r.Kind != "heartbeat" || !r.ReportedAt.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("report = %+v", r)
	}
	if r := TelemetryReport("d1", DeviceTelemetry{Status: "crash_loop"}); r.Kind != "crash_loop" || !r.ReportedAt.IsZero() {
		t.Fatalf("report = %+v", r)
	}
}
