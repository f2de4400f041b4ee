package review

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type reviewerKey struct{}

func withReviewer(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, reviewerKey{}, subject)
}

// reviewerFromContext returns the authenticated subject, if any.
func reviewerFromContext(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(reviewerKey{}).(string)
	return subject, ok && subject != ""
}

func authenticate(token, secret string) (string, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwt.RegisteredClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}
	if !parsed.Valid {
		return "", errors.New("invalid token")
	}
	if claims.Subject == "" {
		return "", errors.New("subject claim required")
	}
	return claims.Subject, nil
}

func bearerToken(header string) (string, bool) {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// newAuthMiddleware requires an HS256 bearer token on every route except the
// health probe. An empty secret disables authentication.
func newAuthMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" || r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}
			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				writeUnauthorized(w, "authentication required")
				return
			}
			subject, err := authenticate(token, secret)
			if err != nil {
				writeUnauthorized(w, "invalid credentials")
				return
			}
			next.ServeHTTP(w, r.WithContext(withReviewer(r.Context(), subject)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
