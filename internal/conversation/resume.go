// ABOUTME: Resumer reattaches a reconnecting client to a live reply or replays a fresh finished one
// ABOUTME: Also serves chat history under the same visibility rules

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/policydesk/internal/auth"
	"github.com/2389/policydesk/internal/metrics"
	"github.com/2389/policydesk/internal/resumable"
	"github.com/2389/policydesk/internal/store"
	"github.com/2389/policydesk/internal/uistream"
)

// StaleAfter is how old a finished assistant message may be and still be replayed
const StaleAfter = 15 * time.Second

// Resume outcomes recorded in metrics
const (
	resumeDisabled = "disabled"
	resumeLive     = "live"
	resumeReplay   = "replay"
	resumeEmpty    = "empty"
)

// ResumeRequest identifies the chat a client is reconnecting to
type ResumeRequest struct {
	ChatID string
	User   *auth.AuthContext
	Skip   int // frames of a live stream the client already has
}

// Resumer answers resumption and history requests.
type Resumer struct {
	store   ChatStore
	streams resumable.Context // nil disables resumption
	metrics *metrics.Metrics
	logger  *slog.Logger

	now        func() time.Time
	staleAfter time.Duration
}

// NewResumer creates a Resumer. streams and m may be nil.
func NewResumer(st ChatStore, streams resumable.Context, m *metrics.Metrics, logger *slog.Logger) *Resumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resumer{
		store:      st,
		streams:    streams,
		metrics:    m,
		logger:     logger.With("component", "resumer"),
		now:        time.Now,
		staleAfter: StaleAfter,
	}
}

// Resume writes the resumption response for req to w.
//
// A non-nil error is always an *Error and nothing has been written.
func (r *Resumer) Resume(ctx context.Context, w http.ResponseWriter, req ResumeRequest) error {
	requestedAt := r.now()

	if !ValidChatID(req.ChatID) {
		r.metrics.ResumeResult(string(TypeBadRequest))
		return NewError(TypeBadRequest, SurfaceAPI, CauseInvalidChatID)
	}

	if r.streams == nil {
		r.metrics.ResumeResult(resumeDisabled)
		w.WriteHeader(http.StatusNoContent)
		return nil
	}

	chat, err := r.authorize(ctx, req.ChatID, req.User)
	if err != nil {
		r.recordFailure(err)
		return err
	}

	streamIDs, err := r.store.GetStreamIDsByChatID(ctx, chat.ID)
	if err != nil {
		r.logger.Error("failed to load stream ids", "error", err, "chat_id", chat.ID)
		return wrapError(TypeInternal, SurfaceStream, err)
	}
	if len(streamIDs) == 0 {
		r.metrics.ResumeResult(string(TypeNotFound))
		return NewError(TypeNotFound, SurfaceStream, "")
	}
	latest := streamIDs[len(streamIDs)-1]

	skip := max(req.Skip, 0)
	frames, live, err := r.streams.Resume(ctx, latest, skip)
	if err != nil {
		// Treat an unreachable backend like a finished stream
		r.logger.Warn("failed to resume stream", "error", err, "stream_id", latest)
		live = false
	}
	if live {
		r.metrics.ResumeResult(resumeLive)
		return r.relayLive(w, latest, frames)
	}

	return r.replay(ctx, w, chat.ID, requestedAt)
}

// History returns the stored messages of a chat the caller may read
func (r *Resumer) History(ctx context.Context, chatID string, user *auth.AuthContext) ([]*store.Message, error) {
	if !ValidChatID(chatID) {
		return nil, NewError(TypeBadRequest, SurfaceAPI, CauseInvalidChatID)
	}
	chat, err := r.authorize(ctx, chatID, user)
	if err != nil {
		return nil, err
	}
	msgs, err := r.store.GetMessagesByChatID(ctx, chat.ID)
	if err != nil {
		r.logger.Error("failed to load messages", "error", err, "chat_id", chat.ID)
		return nil, wrapError(TypeInternal, SurfaceChat, err)
	}
	return msgs, nil
}

// authorize loads the chat and checks the caller may read it
func (r *Resumer) authorize(ctx context.Context, chatID string, user *auth.AuthContext) (*store.Chat, error) {
	if user == nil {
		return nil, NewError(TypeUnauthorized, SurfaceChat, "")
	}

	chat, err := r.store.GetChat(ctx, chatID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, NewError(TypeNotFound, SurfaceChat, "")
	}
	if err != nil {
		r.logger.Error("failed to load chat", "error", err, "chat_id", chatID)
		return nil, wrapError(TypeInternal, SurfaceChat, err)
	}

	if !chat.IsReadableBy(user.UserID) {
		return nil, NewError(TypeForbidden, SurfaceChat, "")
	}
	return chat, nil
}

func (r *Resumer) recordFailure(err error) {
	var e *Error
	if errors.As(err, &e) {
		r.metrics.ResumeResult(string(e.Type))
	}
}

// relayLive copies frames from a live stream to the client verbatim
func (r *Resumer) relayLive(w http.ResponseWriter, streamID string, frames <-chan []byte) error {
	sw, err := uistream.NewWriter(w)
	if err != nil {
		return wrapError(TypeInternal, SurfaceStream, err)
	}
	sw.Open()

	for frame := range frames {
		if err := sw.WriteFrame(frame); err != nil {
			// The reader stops once the request context ends
			r.logger.Debug("client went away during resume", "error", err, "stream_id", streamID)
			return nil
		}
	}
	return nil
}

// replay answers for a concluded stream from the latest stored message.
// Staleness is measured against requestedAt.
func (r *Resumer) replay(ctx context.Context, w http.ResponseWriter, chatID string, requestedAt time.Time) error {
	msgs, err := r.store.GetMessagesByChatID(ctx, chatID)
	if err != nil {
		r.logger.Error("failed to load messages", "error", err, "chat_id", chatID)
		return wrapError(TypeInternal, SurfaceChat, err)
	}

	if len(msgs) == 0 {
		return r.empty(w)
	}
	last := msgs[len(msgs)-1]
	if last.Role != store.RoleAssistant {
		return r.empty(w)
	}
	if requestedAt.Sub(last.CreatedAt) >= r.staleAfter {
		return r.empty(w)
	}

	frame, err := appendMessageFrame(last)
	if err != nil {
		r.logger.Error("failed to encode message", "error", err, "message_id", last.ID)
		return wrapError(TypeInternal, SurfaceStream, err)
	}

	sw, err := uistream.NewWriter(w)
	if err != nil {
		return wrapError(TypeInternal, SurfaceStream, err)
	}
	r.metrics.ResumeResult(resumeReplay)
	if err := sw.WriteFrame(frame); err != nil {
		r.logger.Debug("client went away during replay", "error", err, "chat_id", chatID)
		return nil
	}
	_ = sw.WriteFrame(uistream.DoneFrame())
	return nil
}

// empty writes a 200 stream with no frames
func (r *Resumer) empty(w http.ResponseWriter) error {
	r.metrics.ResumeResult(resumeEmpty)
	uistream.SetHeaders(w.Header())
	w.WriteHeader(http.StatusOK)
	return nil
}

// appendMessageFrame encodes msg as a transient data-appendMessage part
func appendMessageFrame(msg *store.Message) ([]byte, error) {
	out := *msg
	if len(out.Attachments) == 0 {
		out.Attachments = json.RawMessage("[]")
	}
	data, err := json.Marshal(&out)
	if err != nil {
		return nil, err
	}
	return uistream.Frame(uistream.AppendMessage(string(data)))
}
