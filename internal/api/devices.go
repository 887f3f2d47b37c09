package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"aura/internal/errs"
	"aura/internal/models"
)

func (h *Handler) ListDevices(w http.ResponseWriter, r *http.Request) {
	ds, err := h.devices.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, map[string]any{"devices": ds, "total": len(ds)})
}

// ClaimDevice — консоль предъявляет bootstrap-токен с наклейки устройства.
func (h *Handler) ClaimDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BootstrapToken string `json:"bootstrap_token"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.BootstrapToken == "" {
		writeError(w, r, errs.New(errs.CodeInvalidArgument, "bootstrap_token is required"))
		return
	}
	d, err := h.devices.Claim(r.Context(), req.BootstrapToken)
	if err != nil {
		writeError(w, r, err)
		return
	}
	models.WriteJSON(w, http.StatusCreated, map[string]any{"device": d})
}

// RegisterDevice — заводская регистрация: токен возвращается один раз.
func (h *Handler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Fleets []string `json:"fleets"`
	}
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}
	d, token, err := h.devices.Register(r.Context(), req.Fleets...)
	if err != nil {
		writeError(w, r, err)
		return
	}
	models.WriteJSON(w, http.StatusCreated, map[string]any{"device": d, "bootstrap_token": token})
}

func (h *Handler) GetDevice(w http.ResponseWriter, r *http.Request) {
	d, err := h.devices.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, map[string]any{"device": d})
}

func (h *Handler) SetFleets(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Fleets []string `json:"fleets"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	d, err := h.devices.SetFleets(r.Context(), mux.Vars(r)["id"], req.Fleets)
	if err != nil {
		writeError(w, r, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, map[string]any{"device": d})
}

func (h *Handler) DeregisterDevice(w http.ResponseWriter, r *http.Request) {
	d, err := h.devices.Deregister(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, map[string]any{"device": d})
}
