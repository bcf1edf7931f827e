// Package auth consumes the identity issued by the external auth subsystem.
// Registration, passwords and OTP flows live elsewhere; this middleware only
// verifies the bearer token it is handed and resolves the user row.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"vidmatch-backend/internal/storage"
)

type contextKey int

const userContextKey contextKey = iota

// UserLoader resolves the authenticated user row.
type UserLoader interface {
	GetUser(ctx context.Context, userID int64) (*storage.User, error)
}

// Toucher records presence on authenticated traffic.
type Toucher interface {
	Touch(ctx context.Context, userID int64)
}

// Middleware validates "Authorization: Bearer <jwt>" (HS256, subject = user
// id), loads the user and stores it on the request context. Every
// authenticated request also touches presence, which is what keeps profiles
// showing as online.
func Middleware(jwtSecret string, users UserLoader, presence Toucher) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := parseBearer(r.Header.Get("Authorization"), jwtSecret)
			if err != nil {
				log.Printf("[AUTH] rejected request to %s: %v", r.URL.Path, err)
				writeUnauthorized(w, "invalid or missing token")
				return
			}

			user, err := users.GetUser(r.Context(), userID)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					writeUnauthorized(w, "user not found")
					return
				}
				http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
				return
			}

			if presence != nil {
				presence.Touch(r.Context(), user.ID)
			}

			ctx := WithUser(r.Context(), user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WithUser returns a context carrying the authenticated user.
func WithUser(ctx context.Context, user *storage.User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// UserFrom extracts the authenticated user placed by Middleware.
func UserFrom(ctx context.Context) (*storage.User, bool) {
	user, ok := ctx.Value(userContextKey).(*storage.User)
	return user, ok
}

func parseBearer(header, secret string) (int64, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return 0, errors.New("missing bearer token")
	}

	token, err := jwt.Parse(strings.TrimPrefix(header, prefix),
		func(t *jwt.Token) (interface{}, error) {
			return []byte(secret), nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil {
		return 0, fmt.Errorf("token validation failed: %w", err)
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return 0, errors.New("token has no subject")
	}

	userID, err := strconv.ParseInt(sub, 10, 64)
	if err != nil || userID <= 0 {
		return 0, fmt.Errorf("invalid subject %q", sub)
	}
	return userID, nil
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	fmt.Fprintf(w, `{"error":"unauthorized","message":%q}`, message)
}
