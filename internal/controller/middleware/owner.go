// Package middleware contains HTTP middleware for the controller.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"runplane/internal/logger"
	"runplane/pkg/api"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// DefaultOwnerHeader is set by the upstream auth proxy.
const DefaultOwnerHeader = "X-Remote-User"

// ownerKey is the context key for the request owner.
type ownerKey struct{}

// NewContextWithOwner returns a new context carrying owner.
func NewContextWithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// OwnerFromContext extracts the owner from the context.
func OwnerFromContext(ctx context.Context) (string, bool) {
	owner, ok := ctx.Value(ownerKey{}).(string)
	return owner, ok && owner != ""
}

// RequireOwner reads the caller identity from a trusted header. The header is
// set by the authenticating proxy in front of the API; requests without it
// are rejected. Every run operation is scoped by this owner.
func RequireOwner(header string) func(http.Handler) http.Handler {
	if header == "" {
		header = DefaultOwnerHeader
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			owner := strings.TrimSpace(r.Header.Get(header))
			if owner == "" {
				writeError(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(NewContextWithOwner(r.Context(), owner)))
		})
	}
}

// RequestLogging copies the request id assigned by chi's RequestID
// middleware into the context so logger.FromContext can attach it.
func RequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := chimw.GetReqID(r.Context()); id != "" {
			r = r.WithContext(logger.WithRequestID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}
