package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"dealflow/internal/common/api"
	"dealflow/internal/common/identity"
	"dealflow/internal/common/middleware"
	"dealflow/internal/negotiation"
)

// Handler handles offer HTTP requests
type Handler struct {
	service *negotiation.Service
	logger  *slog.Logger
}

// NewHandler creates a new offer handler
func NewHandler(service *negotiation.Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Routes returns the offer routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	marketer := middleware.RequireRole(identity.RoleMarketer)
	party := middleware.RequireRole(identity.RoleMarketer, identity.RoleCreator)

	r.With(marketer).Post("/", h.CreateOffer)
	r.With(middleware.RequireRole(identity.RoleMarketer, identity.RoleCreator, identity.RoleAdmin)).Get("/", h.ListOffers)
	r.Get("/{id}", h.GetOffer)
	r.With(marketer).Post("/{id}/send", h.SendOffer)
	r.With(party).Post("/{id}/accept", h.AcceptOffer)
	r.With(party).Post("/{id}/reject", h.RejectOffer)
	r.With(party).Post("/{id}/counter", h.CounterOffer)

	return r
}

// CreateOffer handles POST /offers
func (h *Handler) CreateOffer(w http.ResponseWriter, r *http.Request) {
	actor, _ := identity.FromContext(r.Context())

	var req negotiation.CreateOfferRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}

	offer, err := h.service.Create(r.Context(), actor, req)
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}
	api.WriteData(w, http.StatusCreated, offer)
}

// ListOffers handles GET /offers
func (h *Handler) ListOffers(w http.ResponseWriter, r *http.Request) {
	actor, _ := identity.FromContext(r.Context())

	params, err := api.GetPaginationParams(r, 20, 100)
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}

	q := r.URL.Query()
	page, err := h.service.List(r.Context(), actor, negotiation.ListOffersRequest{
		UserID: q.Get("userId"),
		Role:   q.Get("role"),
		Status: q.Get("status"),
		Page:   params.Page,
		Limit:  params.Limit,
	})
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}

	api.WritePaginated(w, page.Offers, &api.Pagination{
		Page:    page.Page,
		Limit:   page.Limit,
		HasMore: page.HasMore,
	})
}

// GetOffer handles GET /offers/{id}
func (h *Handler) GetOffer(w http.ResponseWriter, r *http.Request) {
	actor, _ := identity.FromContext(r.Context())
	offer, err := h.service.Get(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}
	api.WriteData(w, http.StatusOK, offer)
}

// SendOffer handles POST /offers/{id}/send
func (h *Handler) SendOffer(w http.ResponseWriter, r *http.Request) {
	actor, _ := identity.FromContext(r.Context())
	offer, err := h.service.Send(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}
	api.WriteData(w, http.StatusOK, offer)
}

// AcceptOffer handles POST /offers/{id}/accept
func (h *Handler) AcceptOffer(w http.ResponseWriter, r *http.Request) {
	actor, _ := identity.FromContext(r.Context())

	var req negotiation.AcceptRequest
	if err := api.DecodeOptionalAndValidate(r, &req); err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}

	result, err := h.service.Accept(r.Context(), chi.URLParam(r, "id"), actor, req)
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}
	api.WriteData(w, http.StatusOK, result)
}

// RejectOffer handles POST /offers/{id}/reject
func (h *Handler) RejectOffer(w http.ResponseWriter, r *http.Request) {
	actor, _ := identity.FromContext(r.Context())

	var req negotiation.RejectRequest
	if err := api.DecodeOptionalAndValidate(r, &req); err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}

	offer, err := h.service.Reject(r.Context(), chi.URLParam(r, "id"), actor, req)
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}
	api.WriteData(w, http.StatusOK, offer)
}

// CounterOffer handles POST /offers/{id}/counter
func (h *Handler) CounterOffer(w http.ResponseWriter, r *http.Request) {
	actor, _ := identity.FromContext(r.Context())

	var req negotiation.CounterRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}

	offer, err := h.service.Counter(r.Context(), chi.URLParam(r, "id"), actor, req)
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}
	api.WriteData(w, http.StatusOK, offer)
}
