package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"aura/internal/models"
	"aura/internal/rollout"
)

func (h *Handler) ListReleases(w http.ResponseWriter, r *http.Request) {
	rs, err := h.releases.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, map[string]any{"releases": rs, "total": len(rs)})
}

func (h *Handler) CreateRelease(w http.ResponseWriter, r *http.Request) {
	var req rollout.CreateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	rel, err := h.releases.Create(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	models.WriteJSON(w, http.StatusCreated, map[string]any{"release": rel})
}

func (h *Handler) GetRelease(w http.ResponseWriter, r *http.Request) {
	rel, err := h.releases.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, map[string]any{"release": rel})
}

func (h *Handler) ReleaseEvents(w http.ResponseWriter, r *http.Request) {
	evs, err := h.releases.Events(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, map[string]any{"events": evs, "total": len(evs)})
}

// UpdateReleaseStatus: {"action":"advance|abort|start"} или целевое
// {"status":..., "stage":...}. Нелегальный переход — 409 illegal_transition.
func (h *Handler) UpdateReleaseStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action string               `json:"action"`
		Status models.ReleaseStatus `json:"status"`
		Stage  models.Stage         `json:"stage"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	rel, err := h.releases.Command(r.Context(), mux.Vars(r)["id"], rollout.Command{
		Action: req.Action, Status: req.Status, Stage: req.Stage,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, map[string]any{"release": rel})
}
