/**
 * @description
 * This file contains custom middleware for the HTTP router. Middlewares are used
 * to process requests before they reach the final handler, perfect for tasks like
 * identity propagation or guarding internal endpoints.
 *
 * @dependencies
 * - context, net/http, strings: Standard Go libraries.
 */

package api

import (
	"context"
	"net/http"
	"strings"
)

// EmailContextKey is a custom type for the context key to avoid collisions.
type EmailContextKey string

const donorEmailKey EmailContextKey = "donorEmail"

// DonorIdentityMiddleware extracts the authenticated donor email injected by
// the gateway. The gateway terminates the session before requests reach this
// service, so an absent header means the request bypassed it.
func DonorIdentityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		email := strings.TrimSpace(r.Header.Get("X-Authenticated-Email"))
		if email == "" {
			http.Error(w, "Authenticated email required", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), donorEmailKey, email)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// InternalAuthMiddleware validates the internal API key for server-to-server calls.
func InternalAuthMiddleware(requiredKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requiredKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			provided := r.Header.Get("X-Internal-API-Key")
			if provided == "" || provided != requiredKey {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GetDonorEmail retrieves the authenticated donor email from the request context.
// Handlers should use this function to identify the caller.
func GetDonorEmail(ctx context.Context) (string, bool) {
	email, ok := ctx.Value(donorEmailKey).(string)
	return email, ok
}
