// Package gateway runs the policydesk HTTP server.
//
// # Overview
//
// The gateway owns the store, the agent webhook client and the resumable
// stream backend, and exposes the chat pipeline over HTTP:
//
//   - POST /conversations/{id}/messages - Send a user message (UI message stream response)
//   - GET /conversations/{id}/stream - Resume an interrupted reply
//   - GET /conversations/{id}/messages - Chat history (token required)
//   - GET|POST /api/auth/guest - Start a guest session
//   - GET /health, GET|HEAD /api/health, GET|HEAD /ping - Liveness
//   - GET /metrics - Prometheus metrics, when enabled
//
// The chat routes are also served under /api/chat/{id}/... for the web client.
//
// # Backends
//
// database.driver selects SQLite or Postgres. resumable.backend selects the
// in-memory or Redis stream context; when it is empty resumption is disabled
// and the stream route answers 204.
//
// # Limits
//
// Each user has a token bucket for sends (limits.messages_per_minute), and a
// message id can only be sent once per chat within a ten minute window.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	if err != nil { ... }
//	err = gw.Run(ctx) // blocks until ctx is canceled, then shuts down
package gateway
