package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"aura/internal/artifact"
	"aura/internal/errs"
	"aura/internal/models"
)

// multipart: всё сверх этого порога уходит во временный файл
const formMemory = 8 << 20

// UploadFirmware: multipart с полями version, description, checksum?, size? и file.
func (h *Handler) UploadFirmware(w http.ResponseWriter, r *http.Request) {
	if h.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+formMemory)
	}
	if err := r.ParseMultipartForm(formMemory); err != nil {
		writeError(w, r, errs.Wrap(errs.CodeInvalidArgument, err, "expected multipart/form-data"))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, errs.Wrap(errs.CodeInvalidArgument, err, "file part is required"))
		return
	}
	defer file.Close()

	in := artifact.Upload{
		Version:     r.FormValue("version"),
		Description: r.FormValue("description"),
		Checksum:    r.FormValue("checksum"),
		Size:        -1,
	}
	if s := strings.TrimSpace(r.FormValue("size")); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n < 0 {
			writeError(w, r, errs.New(errs.CodeInvalidArgument, "size must be a non-negative integer"))
			return
		}
		in.Size = n
	}

	fw, err := h.firmware.Put(r.Context(), file, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	models.WriteJSON(w, http.StatusCreated, map[string]any{"firmware": fw})
}

func (h *Handler) ListFirmware(w http.ResponseWriter, r *http.Request) {
	fws, err := h.firmware.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, map[string]any{"firmwares": fws, "total": len(fws)})
}

func (h *Handler) GetFirmware(w http.ResponseWriter, r *http.Request) {
	fw, err := h.firmware.Describe(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, map[string]any{"firmware": fw})
}
