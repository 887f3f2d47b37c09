// Package deviceapi — ручки для самих устройств под /device-api/v1:
// provisioning, опрос инструкции, отчёты и скачивание прошивки.
// Все запросы идут с общим секретом (Bearer).
package deviceapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"aura/internal/errs"
	"aura/internal/logs"
	"aura/internal/middleware"
	"aura/internal/models"
	"aura/internal/provision"
	"aura/internal/reports"
)

const Prefix = "/device-api/v1"

type Provisioner interface {
	Provision(ctx context.Context, deviceID string) (*provision.Bundle, error)
}

type Assignments interface {
	Assignment(ctx context.Context, deviceID string) (*models.Assignment, error)
}

type Reporter interface {
	Handle(ctx context.Context, rep reports.Report) (*models.HealthSample, error)
}

// Blobs — проверенный поток байтов прошивки.
type Blobs interface {
	Open(ctx context.Context, id string) (*models.Firmware, io.ReadCloser, error)
}

type Handler struct {
	provisioner Provisioner
	assignments Assignments
	reporter    Reporter
	blobs       Blobs
}

func NewHandler(p Provisioner, a Assignments, rep Reporter, blobs Blobs) *Handler {
	return &Handler{provisioner: p, assignments: a, reporter: rep, blobs: blobs}
}

func RegisterRoutes(r *mux.Router, sharedSecret string, h *Handler) {
	sub := r.PathPrefix(Prefix).Subrouter()
	sub.Use(middleware.SharedSecretAuth(sharedSecret))

	sub.HandleFunc("/devices/{id}/provision", h.Provision).Methods(http.MethodPost)
	sub.HandleFunc("/devices/{id}/assignment", h.Assignment).Methods(http.MethodGet)
	sub.HandleFunc("/devices/{id}/reports", h.Report).Methods(http.MethodPost)
	sub.HandleFunc("/firmware/{id}/blob", h.FirmwareBlob).Methods(http.MethodGet)
}

// Provision отдаёт бандл JSON-ом или tar.gz при Accept: application/gzip.
func (h *Handler) Provision(w http.ResponseWriter, r *http.Request) {
	b, err := h.provisioner.Provision(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !wantsArchive(r) {
		models.WriteJSON(w, http.StatusOK, b)
		return
	}
	data, sum, err := b.Archive()
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", `attachment; filename="aura-`+b.DeviceID+`.tar.gz"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("X-Checksum-Sha256", sum)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func wantsArchive(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		mt, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		if mt == "application/gzip" || mt == "application/x-gzip" {
			return true
		}
	}
	return false
}

// Assignment — pull-контракт: 204, если инструкции нет.
func (h *Handler) Assignment(w http.ResponseWriter, r *http.Request) {
	a, err := h.assignments.Assignment(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, errs.NotFound) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, a)
}

func (h *Handler) Report(w http.ResponseWriter, r *http.Request) {
	var rep reports.Report
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&rep); err != nil {
		writeError(w, r, errs.Wrap(errs.CodeInvalidArgument, err, "malformed JSON body"))
		return
	}
	rep.DeviceID = mux.Vars(r)["id"]
	s, err := h.reporter.Handle(r.Context(), rep)
	if err != nil {
		writeError(w, r, err)
		return
	}
	models.WriteJSON(w, http.StatusAccepted, s)
}

// FirmwareBlob стримит прошивку после сверки контрольной суммы; битый
// артефакт не отдаётся (500 corrupt).
func (h *Handler) FirmwareBlob(w http.ResponseWriter, r *http.Request) {
	fw, rc, err := h.blobs.Open(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(fw.Size, 10))
	w.Header().Set("X-Checksum-Sha256", fw.Checksum)
	w.Header().Set("X-Firmware-Version", fw.Version)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		logs.Ctx(r.Context(), "deviceapi").WithError(err).WithFields(logrus.Fields{"firmware": fw.ID}).Warn("firmware download interrupted")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errs.CodeOf(err)
	status := errs.HTTPStatus(code)
	detail := "unexpected server error"
	var e *errs.Error
	if errors.As(err, &e) {
		detail = e.Message
	}
	if status >= http.StatusInternalServerError {
		logs.Ctx(r.Context(), "deviceapi").WithError(err).WithField("uri", r.RequestURI).Error("request failed")
	}
	models.WriteProblem(w, status, string(code), http.StatusText(status), detail, nil)
}
