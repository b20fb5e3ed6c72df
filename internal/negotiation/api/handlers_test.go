package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealflow/internal/common/events"
	"dealflow/internal/common/identity"
	"dealflow/internal/common/metrics"
	"dealflow/internal/deals"
	"dealflow/internal/negotiation"
	"dealflow/internal/negotiation/domain"
	"dealflow/internal/store/memstore"
)

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func newRouter(t *testing.T) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := negotiation.NewService(memstore.New(), deals.NewConverter(), events.NewEmitter(nil, logger), metrics.New(), logger)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := identity.Actor{UserID: r.Header.Get("X-Test-User"), Role: identity.Role(r.Header.Get("X-Test-Role"))}
			next.ServeHTTP(w, r.WithContext(identity.NewContext(r.Context(), actor)))
		})
	})
	r.Mount("/offers", NewHandler(svc, logger).Routes())
	return r
}

func do(router http.Handler, method, target string, actor identity.Actor, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Test-User", actor.UserID)
	req.Header.Set("X-Test-Role", string(actor.Role))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error.Code
}

var (
	marketer = identity.Actor{UserID: "marketer-1", Role: identity.RoleMarketer}
	creator  = identity.Actor{UserID: "creator-1", Role: identity.RoleCreator}
)

func createOffer(t *testing.T, router http.Handler) *domain.Offer {
	t.Helper()
	rec := do(router, http.MethodPost, "/offers", marketer,
		`{"creator_id":"creator-1","amount":"1000","currency":"USD","platforms":["instagram"],"send":true}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		Data domain.Offer `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, domain.StatusSent, created.Data.Status)
	return &created.Data
}

func TestNegotiationEndpoints(t *testing.T) {
	router := newRouter(t)
	o := createOffer(t, router)
	base := "/offers/" + o.ID

	rec := do(router, http.MethodPost, base+"/counter", creator, `{"amount":"1200","notes":"two reels"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"status":"rejected_countered"`)

	// the creator cannot accept the terms they proposed
	rec = do(router, http.MethodPost, base+"/accept", creator, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_TRANSITION", errorCode(t, rec))

	rec = do(router, http.MethodPost, base+"/counter", marketer, `{"amount":"-5"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(t, rec))

	rec = do(router, http.MethodPost, base+"/accept", marketer, `{"deal_name":"Spring launch"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var accepted struct {
		Data negotiation.AcceptResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	assert.Equal(t, domain.StatusAccepted, accepted.Data.Offer.Status)
	require.NotNil(t, accepted.Data.Deal)
	assert.Equal(t, int64(120000), accepted.Data.Deal.AgreedAmount.AmountMinor)

	rec = do(router, http.MethodPost, base+"/accept", creator, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "CONFLICT", errorCode(t, rec))

	rec = do(router, http.MethodPost, base+"/counter", creator, `{"amount":"1300"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_TRANSITION", errorCode(t, rec))
}

func TestOfferAccess(t *testing.T) {
	router := newRouter(t)
	o := createOffer(t, router)

	tests := []struct {
		name   string
		method string
		target string
		actor  identity.Actor
		body   string
		status int
	}{
		{"creator cannot create", http.MethodPost, "/offers", creator, `{"creator_id":"creator-2","amount":"10","currency":"USD"}`, http.StatusForbidden},
		{"stranger cannot read", http.MethodGet, "/offers/" + o.ID, identity.Actor{UserID: "marketer-2", Role: identity.RoleMarketer}, "", http.StatusForbidden},
		{"unknown offer", http.MethodGet, "/offers/nope", marketer, "", http.StatusNotFound},
		{"missing currency", http.MethodPost, "/offers", marketer, `{"creator_id":"creator-1","amount":"10"}`, http.StatusBadRequest},
		{"party reads", http.MethodGet, "/offers/" + o.ID, creator, "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(router, tt.method, tt.target, tt.actor, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}
