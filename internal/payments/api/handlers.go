package api

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"dealflow/internal/common/api"
	"dealflow/internal/common/identity"
	"dealflow/internal/common/middleware"
	"dealflow/internal/payments"
)

// SignatureHeader carries the processor's webhook signature.
const SignatureHeader = "Stripe-Signature"

// Handler handles payment HTTP requests
type Handler struct {
	service *payments.Service
	logger  *slog.Logger
}

// NewHandler creates a new payment handler
func NewHandler(service *payments.Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Routes returns the authenticated payment routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireRole(identity.RoleMarketer))
		r.Post("/create-payment-intent", h.CreateIntent)
		r.Post("/create-checkout-session", h.CreateCheckoutSession)
		r.Post("/confirm-payment", h.ConfirmPayment)
	})
	r.Get("/intents/{id}", h.GetIntent)

	return r
}

// CreateIntent handles POST /payments/create-payment-intent
func (h *Handler) CreateIntent(w http.ResponseWriter, r *http.Request) {
	actor, _ := identity.FromContext(r.Context())

	var req payments.CreateIntentRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}

	res, err := h.service.CreateIntent(r.Context(), actor, req)
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}
	api.WriteData(w, http.StatusCreated, res)
}

// CreateCheckoutSession handles POST /payments/create-checkout-session
func (h *Handler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	actor, _ := identity.FromContext(r.Context())

	var req payments.CreateIntentRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}

	res, err := h.service.CreateCheckoutSession(r.Context(), actor, req)
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}
	api.WriteData(w, http.StatusCreated, res)
}

// ConfirmPayment handles POST /payments/confirm-payment
func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	actor, _ := identity.FromContext(r.Context())

	var req payments.ConfirmRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}

	res, err := h.service.Confirm(r.Context(), actor, req)
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}
	api.WriteData(w, http.StatusOK, res)
}

// GetIntent handles GET /payments/intents/{id}
func (h *Handler) GetIntent(w http.ResponseWriter, r *http.Request) {
	actor, _ := identity.FromContext(r.Context())
	in, err := h.service.GetIntent(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}
	api.WriteData(w, http.StatusOK, in)
}

type webhookReceipt struct {
	Received bool `json:"received"`
}

// Webhook handles POST /webhooks/stripe. It needs the raw body for
// signature verification and is mounted outside authentication.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		api.WriteAppError(w, h.logger, api.DecodeError(err))
		return
	}

	if err := h.service.Ingest(r.Context(), payload, r.Header.Get(SignatureHeader)); err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}
	api.WriteData(w, http.StatusOK, webhookReceipt{Received: true})
}
