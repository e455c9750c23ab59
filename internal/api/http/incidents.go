package http

import (
	"context"
	"net/http"

	"github.com/srebi/intake/pkg/types"
)

// Incidents creates and reads incident records.
type Incidents interface {
	Create(ctx context.Context, input types.IncidentInput) (*types.Incident, error)
	Get(ctx context.Context, id string) (*types.Incident, error)
}

// IncidentHandler serves the intake form endpoints.
type IncidentHandler struct {
	incidents Incidents
}

// NewIncidentHandler creates an incident handler.
func NewIncidentHandler(incidents Incidents) *IncidentHandler {
	return &IncidentHandler{incidents: incidents}
}

// Create handles POST /api/incidents.
func (h *IncidentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req types.CreateIncidentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	inc, err := h.incidents.Create(r.Context(), types.IncidentInput{
		Email:   req.Email,
		Company: req.Company,
		System:  req.System,
		Notes:   req.Notes,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, types.CreateIncidentResponse{
		IncidentID: inc.ID,
		CreatedAt:  inc.CreatedAt,
	})
}

// Get handles GET /api/incidents/{id}.
func (h *IncidentHandler) Get(w http.ResponseWriter, r *http.Request) {
	inc, err := h.incidents.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}
