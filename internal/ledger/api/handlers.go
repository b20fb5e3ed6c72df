package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"dealflow/internal/common/api"
	"dealflow/internal/common/identity"
	"dealflow/internal/common/middleware"
	"dealflow/internal/ledger"
	"dealflow/internal/ledger/domain"
)

// Handler handles earnings and withdrawal HTTP requests
type Handler struct {
	service *ledger.Service
	logger  *slog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(service *ledger.Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register adds the ledger routes to r, which is shared with the payment
// routes.
func (h *Handler) Register(r chi.Router) {
	r.Get("/earnings", h.ListEarnings)
	r.Get("/earnings/summary", h.Summary)
	r.With(middleware.RequireRole(identity.RoleCreator)).Post("/withdrawals", h.RequestWithdrawal)
	r.Get("/withdrawals", h.ListWithdrawals)
}

// ListEarnings handles GET /earnings
func (h *Handler) ListEarnings(w http.ResponseWriter, r *http.Request) {
	actor, _ := identity.FromContext(r.Context())

	params, err := api.GetPaginationParams(r, domain.DefaultLimit, domain.MaxLimit)
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}

	q := r.URL.Query()
	page, err := h.service.ListEarnings(r.Context(), actor, q.Get("adminUserId"), domain.EarningsRequest{
		Filter:    q.Get("filter"),
		StartDate: q.Get("startDate"),
		EndDate:   q.Get("endDate"),
		Status:    q.Get("status"),
		Page:      params.Page,
		Limit:     params.Limit,
		Cursor:    params.Cursor,
	})
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}

	api.WritePaginated(w, page.Earnings, &api.Pagination{
		Page:       page.Page,
		Limit:      page.Limit,
		Total:      page.Total,
		TotalPages: api.TotalPages(page.Total, page.Limit),
		HasMore:    page.HasMore,
		NextCursor: page.NextCursor,
	})
}

// Summary handles GET /earnings/summary
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	actor, _ := identity.FromContext(r.Context())
	summary, err := h.service.Summary(r.Context(), actor, r.URL.Query().Get("adminUserId"))
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}
	api.WriteData(w, http.StatusOK, summary)
}

// RequestWithdrawal handles POST /withdrawals
func (h *Handler) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	actor, _ := identity.FromContext(r.Context())

	var req ledger.WithdrawalRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}

	wd, err := h.service.RequestWithdrawal(r.Context(), actor, req)
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}
	api.WriteData(w, http.StatusCreated, wd)
}

// ListWithdrawals handles GET /withdrawals
func (h *Handler) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	actor, _ := identity.FromContext(r.Context())

	params, err := api.GetPaginationParams(r, domain.DefaultLimit, domain.MaxLimit)
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}

	q := r.URL.Query()
	rows, total, err := h.service.ListWithdrawals(r.Context(), actor, ledger.WithdrawalsRequest{
		AdminUserID: q.Get("adminUserId"),
		Status:      q.Get("status"),
		Page:        params.Page,
		Limit:       params.Limit,
	})
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}

	api.WritePaginated(w, rows, &api.Pagination{
		Page:       params.Page,
		Limit:      params.Limit,
		Total:      total,
		TotalPages: api.TotalPages(total, params.Limit),
		HasMore:    int64(params.Offset()+len(rows)) < total,
	})
}
