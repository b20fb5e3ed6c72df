package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"dealflow/internal/common/identity"
)

const actorSinkKey contextKey = "actor_sink"

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	Secret    string        `envconfig:"AUTH_JWT_SECRET" required:"true"`
	Issuer    string        `envconfig:"AUTH_JWT_ISSUER"`
	ClockSkew time.Duration `envconfig:"AUTH_JWT_CLOCK_SKEW" default:"1m"`
}

// Claims are the identity claims issued by the auth service. The subject
// is the user id.
type Claims struct {
	Role identity.Role `json:"role"`
	jwt.RegisteredClaims
}

// Authenticate verifies an HS256 bearer token and stores the caller in the
// request context.
func Authenticate(cfg AuthConfig) func(http.Handler) http.Handler {
	secret := []byte(strings.TrimSpace(cfg.Secret))
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(cfg.ClockSkew),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	parser := jwt.NewParser(opts...)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || strings.TrimSpace(raw) == "" {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing bearer token")
				return
			}

			actor, err := parseActor(parser, secret, strings.TrimSpace(raw))
			if err != nil {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid token")
				return
			}

			if sink, ok := r.Context().Value(actorSinkKey).(*identity.Actor); ok {
				*sink = actor
			}
			next.ServeHTTP(w, r.WithContext(identity.NewContext(r.Context(), actor)))
		})
	}
}

func parseActor(parser *jwt.Parser, secret []byte, raw string) (identity.Actor, error) {
	if len(secret) == 0 {
		return identity.Actor{}, errors.New("auth secret not configured")
	}
	claims := &Claims{}
	if _, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}); err != nil {
		return identity.Actor{}, err
	}
	if claims.Subject == "" {
		return identity.Actor{}, errors.New("token has no subject")
	}
	if !claims.Role.Valid() {
		return identity.Actor{}, fmt.Errorf("unknown role %q", claims.Role)
	}
	return identity.Actor{UserID: claims.Subject, Role: claims.Role}, nil
}

// RequireRole rejects callers whose role is not in roles.
func RequireRole(roles ...identity.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := identity.FromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
				return
			}
			for _, role := range roles {
				if actor.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Insufficient permissions")
		})
	}
}

// IssueToken signs a token for actor. It is used by local tooling and tests.
func IssueToken(cfg AuthConfig, actor identity.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: actor.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.UserID,
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(strings.TrimSpace(cfg.Secret)))
}
