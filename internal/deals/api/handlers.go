package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"dealflow/internal/common/api"
	"dealflow/internal/common/identity"
	"dealflow/internal/common/middleware"
	"dealflow/internal/deals"
)

// Handler handles deal HTTP requests
type Handler struct {
	service *deals.Service
	logger  *slog.Logger
}

// NewHandler creates a new deal handler
func NewHandler(service *deals.Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Routes returns the deal routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/{id}", h.GetDeal)
	r.With(middleware.RequireRole(identity.RoleMarketer)).
		Post("/{id}/milestones/{milestoneId}/release", h.ReleaseMilestone)
	r.With(middleware.RequireRole(identity.RoleMarketer, identity.RoleCreator)).
		Post("/{id}/milestones/{milestoneId}/dispute", h.DisputeMilestone)

	return r
}

// GetDeal handles GET /deals/{id}
func (h *Handler) GetDeal(w http.ResponseWriter, r *http.Request) {
	actor, _ := identity.FromContext(r.Context())
	deal, err := h.service.Get(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}
	api.WriteData(w, http.StatusOK, deal)
}

// ReleaseMilestone handles POST /deals/{id}/milestones/{milestoneId}/release
func (h *Handler) ReleaseMilestone(w http.ResponseWriter, r *http.Request) {
	actor, _ := identity.FromContext(r.Context())
	deal, err := h.service.ReleaseMilestone(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "milestoneId"), actor)
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}
	api.WriteData(w, http.StatusOK, deal)
}

// DisputeMilestone handles POST /deals/{id}/milestones/{milestoneId}/dispute
func (h *Handler) DisputeMilestone(w http.ResponseWriter, r *http.Request) {
	actor, _ := identity.FromContext(r.Context())

	var req deals.DisputeRequest
	if err := api.DecodeOptionalAndValidate(r, &req); err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}

	deal, err := h.service.DisputeMilestone(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "milestoneId"), actor, req)
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}
	api.WriteData(w, http.StatusOK, deal)
}
