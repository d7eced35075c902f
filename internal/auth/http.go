// ABOUTME: HTTP middleware for JWT authentication on chat endpoints
// ABOUTME: Reads the token from the Authorization header or session cookie and adds the user to context

package auth

import (
	"net/http"
	"strings"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// tokenFromRequest returns the bearer token, falling back to the session cookie.
func tokenFromRequest(r *http.Request, cookieName string) string {
	if token, errMsg := extractBearerToken(r.Header.Get("Authorization")); errMsg == "" {
		return token
	}
	if cookieName == "" {
		return ""
	}
	if c, err := r.Cookie(cookieName); err == nil {
		return c.Value
	}
	return ""
}

// Authenticate resolves the request's user. It returns nil for anonymous
// requests and for tokens that fail verification.
func Authenticate(r *http.Request, verifier TokenVerifier, cookieName string) *AuthContext {
	token := tokenFromRequest(r, cookieName)
	if token == "" {
		return nil
	}
	user, err := verifier.Verify(token)
	if err != nil {
		return nil
	}
	return user
}

// HTTPAuthMiddleware creates an HTTP middleware that requires a valid token.
func HTTPAuthMiddleware(verifier TokenVerifier, cookieName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := Authenticate(r, verifier, cookieName)
			if user == nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"code":"unauthorized:auth","message":"You need to sign in before continuing."}`))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), user)))
		})
	}
}

// OptionalAuthMiddleware creates an HTTP middleware that attempts JWT auth but allows unauthenticated requests.
// Handlers decide when a missing identity matters.
func OptionalAuthMiddleware(verifier TokenVerifier, cookieName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := Authenticate(r, verifier, cookieName)
			if user == nil {
				next.ServeHTTP(w, r) // Continue as anonymous
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), user)))
		})
	}
}
