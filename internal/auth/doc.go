// Package auth resolves the current user of an HTTP request.
//
// # Tokens
//
// Users authenticate with HS256 JWTs signed with the configured jwt_secret,
// the same scheme Supabase uses for its access tokens. The claims read are:
//
//   - sub: user ID (required)
//   - email: user e-mail (optional)
//   - is_anonymous: true for guest sessions
//
// A token is taken from the Authorization header ("Bearer <token>") or, when
// absent, from the session cookie named by auth.cookie_name.
//
// # Middleware
//
//	HTTPAuthMiddleware(verifier, cookie)     // 401 without a valid token
//	OptionalAuthMiddleware(verifier, cookie) // anonymous requests continue
//
// Both attach an *AuthContext retrievable with FromContext.
//
// # Guests
//
// NewGuest creates a fresh anonymous identity that can be signed with
// JWTVerifier.Generate to start a guest session.
package auth
