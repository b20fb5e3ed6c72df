package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealflow/internal/common/identity"
)

var testAuth = AuthConfig{Secret: "test-secret", Issuer: "dealflow-test", ClockSkew: time.Minute}

func echoActor() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := identity.FromContext(r.Context())
		if !ok {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		_, _ = io.WriteString(w, actor.UserID+"/"+string(actor.Role))
	})
}

func TestAuthenticate(t *testing.T) {
	token, err := IssueToken(testAuth, identity.Actor{UserID: "u1", Role: identity.RoleCreator}, time.Hour)
	require.NoError(t, err)

	h := Authenticate(testAuth)(echoActor())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u1/creator", rec.Body.String())
}

func TestAuthenticateRejects(t *testing.T) {
	wrongSecret, err := IssueToken(AuthConfig{Secret: "other", Issuer: testAuth.Issuer}, identity.Actor{UserID: "u1", Role: identity.RoleCreator}, time.Hour)
	require.NoError(t, err)
	expired, err := IssueToken(testAuth, identity.Actor{UserID: "u1", Role: identity.RoleCreator}, -time.Hour)
	require.NoError(t, err)
	badRole, err := IssueToken(testAuth, identity.Actor{UserID: "u1", Role: "superuser"}, time.Hour)
	require.NoError(t, err)

	h := Authenticate(testAuth)(echoActor())
	for name, header := range map[string]string{
		"missing":      "",
		"not bearer":   "Basic abc",
		"wrong secret": "Bearer " + wrongSecret,
		"expired":      "Bearer " + expired,
		"bad role":     "Bearer " + badRole,
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestRequireRole(t *testing.T) {
	h := RequireRole(identity.RoleMarketer)(echoActor())

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req = req.WithContext(identity.NewContext(req.Context(), identity.Actor{UserID: "c1", Role: identity.RoleCreator}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = req.WithContext(identity.NewContext(req.Context(), identity.Actor{UserID: "m1", Role: identity.RoleMarketer}))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBodyLimit(t *testing.T) {
	h := BodyLimit(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("0123456789")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("small")))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCorrelationIDIsEchoed(t *testing.T) {
	h := CorrelationID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, GetCorrelationID(r.Context()))
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Correlation-ID", "abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc", rec.Body.String())
	assert.Equal(t, "abc", rec.Header().Get("X-Correlation-ID"))
}
