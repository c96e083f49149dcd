package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/quillchat/quill/internal/log"
	"github.com/quillchat/quill/internal/registry"
)

// ModelsHandler exposes the model catalog and the per-client roster.
type ModelsHandler struct {
	ident  *identity
	logger log.Logger
}

// NewModelsHandler creates a models handler.
func NewModelsHandler(ident *identity, logger log.Logger) *ModelsHandler {
	return &ModelsHandler{ident: ident, logger: logger}
}

// RegisterRoutes registers model routes on the given mux.
func (h *ModelsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/models", h.list)
	mux.HandleFunc("PUT /api/v1/models/roster", h.updateRoster)
}

// list handles GET /api/v1/models: the catalog plus the caller's current
// roster.
func (h *ModelsHandler) list(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"models": registry.Catalog(),
		"roster": h.ident.roster(r),
	}, h.logger)
}

// updateRoster handles PUT /api/v1/models/roster. Empty slots keep their
// defaults; every named model must exist and carry the slot's capability.
func (h *ModelsHandler) updateRoster(w http.ResponseWriter, r *http.Request) {
	var roster registry.Roster
	if err := json.NewDecoder(r.Body).Decode(&roster); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body", h.logger)
		return
	}

	// Re-parse through the default-filling path so partial updates work.
	roster, err := registry.ParseRoster(roster.Encode())
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_roster", err.Error(), h.logger)
		return
	}
	if err := roster.Validate(); err != nil {
		status := http.StatusBadRequest
		code := "invalid_roster"
		if errors.Is(err, registry.ErrUnknownModel) {
			code = "unknown_model"
		}
		if errors.Is(err, registry.ErrMissingCapability) {
			code = "missing_capability"
		}
		writeError(w, status, code, err.Error(), h.logger)
		return
	}

	h.ident.setRosterCookie(w, roster)
	writeJSON(w, http.StatusOK, roster, h.logger)
}
