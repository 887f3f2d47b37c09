package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"aura/internal/models"
	"aura/internal/reports"
)

// Topics — раскладка топиков под общим префиксом (по умолчанию "aura").
type Topics struct{ Prefix string }

func (t Topics) base() string {
	p := strings.Trim(t.Prefix, "/")
	if p == "" {
		p = "aura"
	}
	return p + "/devices"
}

func (t Topics) Command(deviceID string) string { return t.base() + "/" + deviceID + "/update/command" }
func (t Topics) Rollback(deviceID string) string {
	return t.base() + "/" + deviceID + "/update/rollback"
}
func (t Topics) StatusFilter() string    { return t.base() + "/+/update/status" }
func (t Topics) TelemetryFilter() string { return t.base() + "/+/telemetry" }

// DeviceFromTopic достаёт id устройства из "<prefix>/devices/<id>/...".
func (t Topics) DeviceFromTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, t.base()+"/")
	if !ok {
		return "", false
	}
	id, _, _ := strings.Cut(rest, "/")
	return id, id != ""
}

type UpdateCommand struct {
	DeviceID    string `json:"device_id"`
	ReleaseID   string `json:"release_id"`
	FirmwareID  string `json:"firmware_id"`
	FirmwareURL string `json:"firmware_url"`
	Version     string `json:"version"`
	Checksum    string `json:"checksum"`
	Size        int64  `json:"size"`
}

// RollbackCommand: без firmware_url устройство откатывается на резервный слот.
type RollbackCommand struct {
	Action      string `json:"action"`
	DeviceID    string `json:"device_id"`
	ReleaseID   string `json:"release_id"`
	FirmwareID  string `json:"firmware_id,omitempty"`
	FirmwareURL string `json:"firmware_url,omitempty"`
	Version     string `json:"version,omitempty"`
	Checksum    string `json:"checksum,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

type UpdateStatus struct {
	DeviceID  string `json:"device_id"`
	ReleaseID string `json:"release_id,omitempty"`
	Status    string `json:"status"`
	Progress  int    `json:"progress"`
	Error     string `json:"error,omitempty"`
}

type DeviceTelemetry struct {
	DeviceID        string  `json:"device_id"`
	Timestamp       int64   `json:"timestamp"`
	BatteryLevel    float64 `json:"battery_level,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
	Uptime          int64   `json:"uptime,omitempty"`
	FirmwareVersion string  `json:"firmware_version,omitempty"`
	Status          string  `json:"status"`
}

// Encode превращает инструкцию в (топик, payload).
func (t Topics) Encode(a models.Assignment) (string, []byte, error) {
	var (
		topic string
		msg   any
	)
	switch a.Action {
	case models.ActionInstall:
		topic = t.Command(a.DeviceID)
		msg = UpdateCommand{
			DeviceID: a.DeviceID, ReleaseID: a.ReleaseID, FirmwareID: a.FirmwareID,
			FirmwareURL: a.URL, Version: a.Version, Checksum: a.Checksum, Size: a.Size,
		}
	case models.ActionRevert:
		topic = t.Rollback(a.DeviceID)
		msg = RollbackCommand{
			Action: "rollback", DeviceID: a.DeviceID, ReleaseID: a.ReleaseID, FirmwareID: a.FirmwareID,
			FirmwareURL: a.URL, Version: a.Version, Checksum: a.Checksum, Size: a.Size,
		}
	default:
		return "", nil, fmt.Errorf("unknown assignment action %q", a.Action)
	}
	b, err := json.Marshal(msg)
	return topic, b, err
}

// StatusReport: промежуточные статусы (downloading, installing) сэмплом не
// являются — ok=false.
func StatusReport(deviceID string, st UpdateStatus) (reports.Report, bool) {
	var kind string
	switch strings.ToLower(st.Status) {
	case "completed", "installed", "success":
		kind = reports.KindInstallOK
	case "failed", "error":
		kind = "install_failed"
	case "checksum_mismatch":
		kind = "checksum_mismatch"
	case "rolled_back":
		kind = "rolled_back"
	default:
		return reports.Report{}, false
	}
	return reports.Report{DeviceID: deviceID, ReleaseID: st.ReleaseID, Kind: kind, Detail: st.Error}, true
}

// TelemetryReport: живое устройство — heartbeat, иначе статус как kind.
func TelemetryReport(deviceID string, tm DeviceTelemetry) reports.Report {
	kind := strings.ToLower(strings.TrimSpace(tm.Status))
	switch kind {
	case "", "ok", "online", "healthy":
		kind = "heartbeat"
	}
	r := reports.Report{DeviceID: deviceID, Kind: kind}
	if tm.Timestamp > 0 {
		r.ReportedAt = time.Unix(tm.Timestamp, 0).UTC()
	}
	if tm.FirmwareVersion != "" {
		r.Detail = "firmware " + tm.FirmwareVersion
	}
	return r
}
