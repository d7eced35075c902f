// ABOUTME: HTTP API handlers for sending messages, resuming streams, chat history and guest sign-in
// ABOUTME: Maps conversation errors onto JSON responses with "<type>:<surface>" codes

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/policydesk/internal/auth"
	"github.com/2389/policydesk/internal/conversation"
	"github.com/2389/policydesk/internal/dedupe"
	"github.com/2389/policydesk/internal/store"
)

// maxBodyBytes caps the size of a send request body
const maxBodyBytes = 1 << 20

// SendMessageRequest is the JSON body for POST /conversations/{id}/messages.
// The message may be given inline or under "message", as the web client sends it.
type SendMessageRequest struct {
	conversation.IncomingMessage
	Message                *conversation.IncomingMessage `json:"message,omitempty"`
	Visibility             string                        `json:"visibility,omitempty"`
	SelectedVisibilityType string                        `json:"selectedVisibilityType,omitempty"`
}

func (r *SendMessageRequest) message() conversation.IncomingMessage {
	if r.Message != nil {
		return *r.Message
	}
	return r.IncomingMessage
}

func (r *SendMessageRequest) visibility() string {
	if r.Visibility != "" {
		return r.Visibility
	}
	return r.SelectedVisibilityType
}

// HistoryResponse is the JSON response for GET /conversations/{id}/messages.
type HistoryResponse struct {
	ChatID   string           `json:"chatId"`
	Messages []*store.Message `json:"messages"`
}

// GuestResponse is the JSON response for POST /api/auth/guest.
type GuestResponse struct {
	Token string    `json:"token,omitempty"`
	User  GuestUser `json:"user"`
}

// GuestUser describes the identity behind a guest token
type GuestUser struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	IsAnonymous bool   `json:"is_anonymous"`
}

// writeError renders err as a JSON error response.
func (g *Gateway) writeError(w http.ResponseWriter, err error) {
	var e *conversation.Error
	if !errors.As(err, &e) {
		g.logger.Error("unexpected handler error", "error", err)
		e = conversation.NewError(conversation.TypeInternal, conversation.SurfaceAPI, "")
	}
	e.WriteJSON(w)
}

// handleSendMessage handles POST /conversations/{id}/messages.
// The reply is streamed as a UI message stream.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")
	user := auth.FromContext(r.Context())

	if user != nil && !g.limiter.Allow(user.UserID) {
		g.logger.Warn("rate limit exceeded", "user_id", user.UserID)
		g.metrics.MessageReceived(string(conversation.TypeRateLimit))
		g.writeError(w, conversation.NewError(conversation.TypeRateLimit, conversation.SurfaceChat, ""))
		return
	}

	var body SendMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		g.writeError(w, conversation.NewError(conversation.TypeBadRequest, conversation.SurfaceAPI, conversation.CauseInvalidBody))
		return
	}

	msg := body.message()
	var submission string
	if msg.ID != "" && conversation.ValidChatID(chatID) {
		submission = dedupe.MessageKey(chatID, msg.ID)
		if g.dedupe.CheckAndMark(submission) {
			g.logger.Debug("duplicate message ignored", "chat_id", chatID, "message_id", msg.ID)
			g.writeError(w, conversation.NewError(conversation.TypeBadRequest, conversation.SurfaceChat, conversation.CauseDuplicateMessage))
			return
		}
	}

	err := g.relay.Send(r.Context(), w, &conversation.SendRequest{
		ChatID:     chatID,
		User:       user,
		Message:    msg,
		Visibility: body.visibility(),
	})
	if err != nil {
		// Nothing was relayed, so the client may retry the same message
		if submission != "" {
			g.dedupe.Forget(submission)
		}
		g.writeError(w, err)
	}
}

// handleResumeStream handles GET /conversations/{id}/stream.
// An optional ?skip=N drops frames of a live stream the client already has.
func (g *Gateway) handleResumeStream(w http.ResponseWriter, r *http.Request) {
	skip, _ := strconv.Atoi(r.URL.Query().Get("skip"))

	err := g.resumer.Resume(r.Context(), w, conversation.ResumeRequest{
		ChatID: r.PathValue("id"),
		User:   auth.FromContext(r.Context()),
		Skip:   skip,
	})
	if err != nil {
		g.writeError(w, err)
	}
}

// handleHistory handles GET /conversations/{id}/messages.
func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")
	msgs, err := g.resumer.History(r.Context(), chatID, auth.FromContext(r.Context()))
	if err != nil {
		g.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(HistoryResponse{ChatID: chatID, Messages: msgs}); err != nil {
		g.logger.Error("failed to encode history", "error", err, "chat_id", chatID)
	}
}

// handleGuest handles /api/auth/guest.
//
// A caller that already has a valid identity gets it back unchanged.
// Otherwise a new anonymous user is minted and its token set as the session
// cookie. GET redirects to ?redirectUrl (default "/"); POST answers with JSON.
func (g *Gateway) handleGuest(w http.ResponseWriter, r *http.Request) {
	user := auth.FromContext(r.Context())
	var token string
	if user == nil {
		user = auth.NewGuest()
		ttl := g.config.Auth.GuestTokenTTL
		var err error
		token, err = g.verifier.Generate(user, ttl)
		if err != nil {
			g.logger.Error("failed to sign guest token", "error", err)
			g.writeError(w, conversation.NewError(conversation.TypeInternal, conversation.SurfaceAuth, ""))
			return
		}
		http.SetCookie(w, &http.Cookie{
			Name:     g.config.Auth.CookieName,
			Value:    token,
			Path:     "/",
			Expires:  g.now().Add(ttl),
			MaxAge:   int(ttl / time.Second),
			HttpOnly: true,
			Secure:   r.TLS != nil,
			SameSite: http.SameSiteLaxMode,
		})
		g.logger.Info("guest session created", "user_id", user.UserID)
	}

	if r.Method == http.MethodGet {
		http.Redirect(w, r, safeRedirect(r.URL.Query().Get("redirectUrl")), http.StatusFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(GuestResponse{
		Token: token,
		User: GuestUser{
			ID:          user.UserID,
			Email:       user.Email,
			IsAnonymous: user.IsAnonymous,
		},
	})
}

// safeRedirect keeps redirects on this site
func safeRedirect(target string) string {
	if !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") || strings.HasPrefix(target, "/\\") {
		return "/"
	}
	return target
}
