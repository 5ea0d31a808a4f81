package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const moderatorClaimsKey contextKey = "moderatorClaims"

// ModeratorClaims are the JWT claims accepted on the moderator API. The
// subject is the moderator id recorded as the actor of every transition.
type ModeratorClaims struct {
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// ModeratorJWT enforces an HMAC-signed JWT. Browsers cannot set headers on a
// websocket upgrade, so GET requests may pass the token as ?access_token=.
func ModeratorJWT(secret string) func(http.Handler) http.Handler {
	key := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				unauthorized(w, "moderator auth disabled")
				return
			}
			raw := bearerToken(r)
			if raw == "" {
				unauthorized(w, "missing authorization header")
				return
			}
			claims := &ModeratorClaims{}
			token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return key, nil
			})
			if err != nil || !token.Valid {
				unauthorized(w, "invalid token")
				return
			}
			if strings.TrimSpace(claims.Subject) == "" {
				unauthorized(w, "token has no subject")
				return
			}
			ctx := context.WithValue(r.Context(), moderatorClaimsKey, *claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if r.Method == http.MethodGet {
		return strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	return ""
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": "unauthorized"})
}

// ModeratorClaimsFromContext returns the verified claims if present.
func ModeratorClaimsFromContext(ctx context.Context) (ModeratorClaims, bool) {
	claims, ok := ctx.Value(moderatorClaimsKey).(ModeratorClaims)
	return claims, ok
}

// ModeratorActor returns the moderator id for r, or "" when unauthenticated.
func ModeratorActor(r *http.Request) string {
	claims, ok := ModeratorClaimsFromContext(r.Context())
	if !ok {
		return ""
	}
	return claims.Subject
}
