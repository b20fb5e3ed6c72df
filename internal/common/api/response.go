package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"dealflow/internal/common/apperr"
	"dealflow/internal/common/money"
)

// Response is the standard API response envelope
type Response[T any] struct {
	Data  T      `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// Error represents an API error
type Error struct {
	Code        string            `json:"code"`
	Message     string            `json:"message"`
	DeclineCode string            `json:"decline_code,omitempty"`
	Details     map[string]string `json:"details,omitempty"`
}

// PaginatedResponse is the standard paginated response envelope
type PaginatedResponse[T any] struct {
	Data       []T         `json:"data"`
	Pagination *Pagination `json:"pagination"`
	Error      *Error      `json:"error,omitempty"`
}

// Pagination holds pagination info
type Pagination struct {
	Page       int    `json:"page,omitempty"`
	Limit      int    `json:"limit"`
	Total      int64  `json:"total,omitempty"`
	TotalPages int    `json:"total_pages,omitempty"`
	HasMore    bool   `json:"has_more"`
	NextCursor string `json:"next_cursor,omitempty"`
}

// WriteJSON writes a JSON response
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteData writes a successful data response
func WriteData[T any](w http.ResponseWriter, status int, data T) {
	WriteJSON(w, status, Response[T]{Data: data})
}

// WriteError writes an error response
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, Response[any]{
		Error: &Error{
			Code:    code,
			Message: message,
		},
	})
}

// WritePaginated writes a paginated response
func WritePaginated[T any](w http.ResponseWriter, data []T, pagination *Pagination) {
	if data == nil {
		data = []T{}
	}
	WriteJSON(w, http.StatusOK, PaginatedResponse[T]{
		Data:       data,
		Pagination: pagination,
	})
}

// WriteAppError maps err onto the error envelope. Unclassified errors are
// logged and answered with a generic 500.
func WriteAppError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		details := make(map[string]string, len(validationErrors))
		for _, e := range validationErrors {
			details[e.Field()] = formatValidationError(e)
		}
		WriteJSON(w, http.StatusBadRequest, Response[any]{Error: &Error{
			Code:    string(apperr.KindValidation),
			Message: "Validation failed",
			Details: details,
		}})
		return
	}

	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		if logger != nil {
			logger.Error("unhandled error", "error", err)
		}
		WriteError(w, http.StatusInternalServerError, string(apperr.KindInternal), "An unexpected error occurred")
		return
	}

	status := apperr.HTTPStatus(appErr.Kind)
	message := appErr.Message
	if status >= http.StatusInternalServerError && logger != nil {
		logger.Error("request failed", "kind", appErr.Kind, "error", err)
	}
	if appErr.Kind == apperr.KindInternal {
		message = "An unexpected error occurred"
	}
	WriteJSON(w, status, Response[any]{Error: &Error{
		Code:        string(appErr.Kind),
		Message:     message,
		DeclineCode: appErr.DeclineCode,
	}})
}

func formatValidationError(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "This field is required"
	case "min":
		return "Must be at least " + e.Param()
	case "max":
		return "Must be at most " + e.Param()
	case "len":
		return "Must be exactly " + e.Param() + " characters"
	case "ulid":
		return "Must be a valid ULID"
	case "oneof":
		return "Must be one of: " + e.Param()
	case "url":
		return "Must be a valid URL"
	case "gt":
		return "Must be greater than " + e.Param()
	default:
		return "Invalid value"
	}
}

// Validate is a shared validator instance
var Validate = validator.New()

// DecodeAndValidate decodes JSON and validates the result
func DecodeAndValidate(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return DecodeError(err)
	}
	return Validate.Struct(v)
}

// DecodeOptionalAndValidate is DecodeAndValidate for endpoints whose body
// may be empty.
func DecodeOptionalAndValidate(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return DecodeError(err)
	}
	return Validate.Struct(v)
}

// DecodeError classifies a body read or JSON decode failure.
func DecodeError(err error) error {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return apperr.New(apperr.KindPayloadTooLarge, "Request body exceeds %d bytes", tooLarge.Limit)
	case errors.Is(err, io.EOF):
		return apperr.Validation("Request body is required")
	default:
		return apperr.Wrap(err, apperr.KindValidation, "Malformed JSON body")
	}
}

// PaginationParams extracts pagination parameters from query string
type PaginationParams struct {
	Page   int
	Limit  int
	Cursor string
}

// Offset returns the row offset of the page.
func (p PaginationParams) Offset() int {
	return (p.Page - 1) * p.Limit
}

// GetPaginationParams extracts pagination from request. Limits above
// maxLimit are clamped; malformed numbers are rejected.
func GetPaginationParams(r *http.Request, defaultLimit, maxLimit int) (PaginationParams, error) {
	q := r.URL.Query()
	params := PaginationParams{
		Page:   1,
		Limit:  defaultLimit,
		Cursor: q.Get("cursor"),
	}

	if raw := q.Get("limit"); raw != "" {
		l, err := strconv.Atoi(raw)
		if err != nil || l < 1 {
			return params, apperr.Validation("limit must be a positive integer")
		}
		params.Limit = min(l, maxLimit)
	}

	if raw := q.Get("page"); raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil || p < 1 {
			return params, apperr.Validation("page must be a positive integer")
		}
		params.Page = p
	}

	return params, nil
}

// TotalPages returns the number of pages needed for total rows.
func TotalPages(total int64, limit int) int {
	if limit <= 0 {
		return 0
	}
	return int((total + int64(limit) - 1) / int64(limit))
}

// ParseMoney converts a major-unit amount from a request body. Amounts
// finer than the currency's minor unit are rejected, not rounded.
func ParseMoney(amount decimal.Decimal, currency string) (money.Money, error) {
	c, err := money.ParseCurrency(currency)
	if err != nil {
		return money.Money{}, apperr.Validation("Unsupported currency %q", currency)
	}
	m, err := money.FromDecimal(amount, c)
	if err != nil {
		return money.Money{}, apperr.Validation("Amount %s is not representable in %s", amount.String(), c)
	}
	return m, nil
}
