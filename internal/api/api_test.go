package api

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"aura/internal/artifact"
	"aura/internal/delivery"
	"aura/internal/fleet"
	"aura/internal/health"
	"aura/internal/models"
	"aura/internal/registry"
	"aura/internal/rollout"
)

type testServer struct {
	router *mux.Router
	reg    *registry.Service
}

func newTestServer(t *testing.T, maxUpload int64) *testServer {
	t.Helper()
	reg := registry.New(registry.NewMemoryStore())
	art := artifact.New(artifact.NewMemoryBlobs(), artifact.NewMemoryCatalog(), maxUpload)
	eval := health.NewEvaluator(health.NewMemoryStore(), health.Policy{MaxMissingFraction: 0.1, RetryMaxInterval: time.Millisecond})
	engine := rollout.NewEngine(rollout.Deps{
		Store:     rollout.NewMemoryStore(),
		Selector:  fleet.NewSelector(reg, 5, 25),
		Artifacts: art,
		Evaluator: eval,
		Delivery:  delivery.New(delivery.NewMemoryStore(), nil, "http://core/fw"),
		Devices:   reg,
	}, time.Minute)

	r := mux.NewRouter()
	RegisterRoutes(r, "/api/v1", NewHandler(reg, art, rollout.NewService(engine), maxUpload))
	return &testServer{router: r, reg: reg}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func problemCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var p models.Problem
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("problem body: %v (%s)", err, rec.Body.String())
	}
	return p.Code
}

func (s *testServer) upload(t *testing.T, data []byte, checksum string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("version", "2.0.0")
	_ = mw.WriteField("description", "nightly")
	if checksum != "" {
		_ = mw.WriteField("checksum", checksum)
	}
	fw, _ := mw.CreateFormFile("file", "fw.bin")
	_, _ = fw.Write(data)
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/firmware", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestDeviceRegisterAndClaim(t *testing.T) {
	s := newTestServer(t, 0)

	rec := s.do(t, http.MethodPost, "/api/v1/devices/register", map[string]any{"fleets": []string{"lab"}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", rec.Code, rec.Body)
	}
	var reg struct {
		Device models.Device `json:"device"`
		Token  string        `json:"bootstrap_token"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &reg)
	if reg.Token == "" || reg.Device.State != models.DeviceUnclaimed {
		t.Fatalf("register body = %s", rec.Body)
	}

	rec = s.do(t, http.MethodPost, "/api/v1/devices", map[string]string{"bootstrap_token": reg.Token})
	if rec.Code != http.StatusCreated {
		t.Fatalf("claim: %d %s", rec.Code, rec.Body)
	}
	rec = s.do(t, http.MethodPost, "/api/v1/devices", map[string]string{"bootstrap_token": reg.Token})
	if rec.Code != http.StatusConflict || problemCode(t, rec) != "already_claimed" {
		t.Fatalf("second claim: %d %s", rec.Code, rec.Body)
	}
	rec = s.do(t, http.MethodPost, "/api/v1/devices", map[string]string{"bootstrap_token": "bogus"})
	if rec.Code != http.StatusUnauthorized || problemCode(t, rec) != "invalid_token" {
		t.Fatalf("bogus claim: %d %s", rec.Code, rec.Body)
	}

	rec = s.do(t, http.MethodGet, "/api/v1/devices", nil)
	var list struct {
		Devices []models.Device `json:"devices"`
		Total   int             `json:"total"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &list)
	if list.Total != 1 || list.Devices[0].State != models.DeviceClaimed {
		t.Fatalf("list = %s", rec.Body)
	}

	rec = s.do(t, http.MethodPut, "/api/v1/devices/"+reg.Device.ID+"/fleets", map[string]any{"fleets": []string{"prod"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("fleets: %d %s", rec.Code, rec.Body)
	}
	rec = s.do(t, http.MethodDelete, "/api/v1/devices/"+reg.Device.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("deregister: %d", rec.Code)
	}
	if rec := s.do(t, http.MethodGet, "/api/v1/devices/nope", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown device: %d", rec.Code)
	}
}

func TestFirmwareUpload(t *testing.T) {
	s := newTestServer(t, 1024)
	img := []byte("firmware image")
	sum := sha256.Sum256(img)

	rec := s.upload(t, img, hex.EncodeToString(sum[:]))
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload: %d %s", rec.Code, rec.Body)
	}
	var out struct {
		Firmware models.Firmware `json:"firmware"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	if out.Firmware.Size != int64(len(img)) || out.Firmware.Checksum != hex.EncodeToString(sum[:]) {
		t.Fatalf("firmware = %+v", out.Firmware)
	}

	rec = s.upload(t, img, hex.EncodeToString(make([]byte, 32)))
	if rec.Code != http.StatusUnprocessableEntity || problemCode(t, rec) != "checksum_mismatch" {
		t.Fatalf("bad checksum: %d %s", rec.Code, rec.Body)
	}

	rec = s.upload(t, bytes.Repeat([]byte{1}, 2048), "")
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("too large: %d %s", rec.Code, rec.Body)
	}

	rec = s.do(t, http.MethodGet, "/api/v1/firmware", nil)
	var list struct {
		Total int `json:"total"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &list)
	if list.Total != 1 {
		t.Fatalf("rejected uploads must leave no record, total = %d", list.Total)
	}
	if rec := s.do(t, http.MethodGet, "/api/v1/firmware/"+out.Firmware.ID, nil); rec.Code != http.StatusOK {
		t.Fatalf("get firmware: %d", rec.Code)
	}
}

func TestFirmwareUploadComputesChecksum(t *testing.T) {
	s := newTestServer(t, 1024)
	img := []byte("plain console upload")
	sum := sha256.Sum256(img)

	rec := s.upload(t, img, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload without checksum: %d %s", rec.Code, rec.Body)
	}
	var out struct {
		Firmware models.Firmware `json:"firmware"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	if out.Firmware.Checksum != hex.EncodeToString(sum[:]) || out.Firmware.Version != "2.0.0" {
		t.Fatalf("firmware = %+v", out.Firmware)
	}
}

func TestReleaseLifecycle(t *testing.T) {
	s := newTestServer(t, 0)
	img := []byte("v2")
	sum := sha256.Sum256(img)
	rec := s.upload(t, img, hex.EncodeToString(sum[:]))
	var up struct {
		Firmware models.Firmware `json:"firmware"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &up)

	rec = s.do(t, http.MethodPost, "/api/v1/releases", map[string]string{"firmware_id": "missing"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown firmware: %d %s", rec.Code, rec.Body)
	}

	rec = s.do(t, http.MethodPost, "/api/v1/releases", map[string]string{
		"firmware_id": up.Firmware.ID, "target_fleet": "prod", "health_policy": "manual",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body)
	}
	var created struct {
		Release models.Release `json:"release"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &created)
	if created.Release.Status != models.StatusPending || created.Release.Stage != models.StageCanary {
		t.Fatalf("release = %+v", created.Release)
	}
	id := created.Release.ID

	// pending -> rolled_back не предусмотрен таблицей переходов
	rec = s.do(t, http.MethodPut, "/api/v1/releases/"+id+"/status", map[string]string{"status": "rolled_back"})
	if rec.Code != http.StatusConflict || problemCode(t, rec) != "illegal_transition" {
		t.Fatalf("illegal: %d %s", rec.Code, rec.Body)
	}

	rec = s.do(t, http.MethodPut, "/api/v1/releases/"+id+"/status", map[string]string{"action": "start"})
	if rec.Code != http.StatusConflict || problemCode(t, rec) != "empty_fleet" {
		t.Fatalf("start on empty fleet: %d %s", rec.Code, rec.Body)
	}

	rec = s.do(t, http.MethodGet, "/api/v1/releases/"+id+"/events", nil)
	var evs struct {
		Events []models.ReleaseEvent `json:"events"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &evs)
	if len(evs.Events) == 0 || evs.Events[0].Type != "created" {
		t.Fatalf("events = %s", rec.Body)
	}

	rec = s.do(t, http.MethodGet, "/api/v1/releases", nil)
	var list struct {
		Total int `json:"total"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &list)
	if list.Total != 1 {
		t.Fatalf("releases total = %d", list.Total)
	}
}

func TestMalformedBody(t *testing.T) {
	s := newTestServer(t, 0)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/releases", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest || problemCode(t, rec) != "invalid_argument" {
		t.Fatalf("malformed: %d %s", rec.Code, rec.Body)
	}
}
