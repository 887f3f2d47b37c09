// Package api — REST-поверхность для консоли управления (devices, firmware,
// releases). Ошибки отдаются как problem+json со стабильным code.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"aura/internal/artifact"
	"aura/internal/errs"
	"aura/internal/logs"
	"aura/internal/models"
	"aura/internal/rollout"
)

type Devices interface {
	Register(ctx context.Context, fleets ...string) (*models.Device, string, error)
	Claim(ctx context.Context, token string) (*models.Device, error)
	Get(ctx context.Context, id string) (*models.Device, error)
	List(ctx context.Context) ([]models.Device, error)
	SetFleets(ctx context.Context, id string, fleets []string) (*models.Device, error)
	Deregister(ctx context.Context, id string) (*models.Device, error)
}

type Firmware interface {
	Put(ctx context.Context, r io.Reader, in artifact.Upload) (*models.Firmware, error)
	Describe(ctx context.Context, id string) (*models.Firmware, error)
	List(ctx context.Context) ([]models.Firmware, error)
}

type Releases interface {
	Create(ctx context.Context, req rollout.CreateRequest) (*models.Release, error)
	Get(ctx context.Context, id string) (*models.Release, error)
	List(ctx context.Context) ([]models.Release, error)
	Events(ctx context.Context, id string) ([]models.ReleaseEvent, error)
	Command(ctx context.Context, id string, cmd rollout.Command) (*models.Release, error)
}

type Handler struct {
	devices   Devices
	firmware  Firmware
	releases  Releases
	maxUpload int64
}

func NewHandler(devices Devices, firmware Firmware, releases Releases, maxUpload int64) *Handler {
	return &Handler{devices: devices, firmware: firmware, releases: releases, maxUpload: maxUpload}
}

// RegisterRoutes вешает ручки консоли под prefix (обычно /api/v1).
func RegisterRoutes(r *mux.Router, prefix string, h *Handler) {
	sub := r.PathPrefix(prefix).Subrouter()

	sub.HandleFunc("/devices", h.ListDevices).Methods(http.MethodGet)
	sub.HandleFunc("/devices", h.ClaimDevice).Methods(http.MethodPost)
	sub.HandleFunc("/devices/register", h.RegisterDevice).Methods(http.MethodPost)
	sub.HandleFunc("/devices/{id}", h.GetDevice).Methods(http.MethodGet)
	sub.HandleFunc("/devices/{id}", h.DeregisterDevice).Methods(http.MethodDelete)
	sub.HandleFunc("/devices/{id}/fleets", h.SetFleets).Methods(http.MethodPut)

	sub.HandleFunc("/firmware", h.ListFirmware).Methods(http.MethodGet)
	sub.HandleFunc("/firmware", h.UploadFirmware).Methods(http.MethodPost)
	sub.HandleFunc("/firmware/{id}", h.GetFirmware).Methods(http.MethodGet)

	sub.HandleFunc("/releases", h.ListReleases).Methods(http.MethodGet)
	sub.HandleFunc("/releases", h.CreateRelease).Methods(http.MethodPost)
	sub.HandleFunc("/releases/{id}", h.GetRelease).Methods(http.MethodGet)
	sub.HandleFunc("/releases/{id}/events", h.ReleaseEvents).Methods(http.MethodGet)
	sub.HandleFunc("/releases/{id}/status", h.UpdateReleaseStatus).Methods(http.MethodPut)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return errs.Wrap(errs.CodeInvalidArgument, err, "malformed JSON body")
	}
	return nil
}

// writeError переводит ошибку ядра в problem+json. Внутренние ошибки
// наружу не раскрываются.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		err = errs.Wrap(errs.CodeTooLarge, err, "upload exceeds %d bytes", mbe.Limit)
	}
	code := errs.CodeOf(err)
	status := errs.HTTPStatus(code)
	detail := err.Error()
	var e *errs.Error
	if errors.As(err, &e) {
		detail = e.Message
	}
	if status >= http.StatusInternalServerError {
		logs.Ctx(r.Context(), "api").WithError(err).WithField("uri", r.RequestURI).Error("request failed")
		if code == errs.CodeInternal {
			detail = "unexpected server error"
		}
	}
	models.WriteProblem(w, status, string(code), http.StatusText(status), detail, nil)
}
