// ABOUTME: Relay forwards a user message to the agent and streams the reply as UI message stream SSE
// ABOUTME: Records the stream in the ledger before generation and persists the reply only when it completes

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/2389/policydesk/internal/agent"
	"github.com/2389/policydesk/internal/auth"
	"github.com/2389/policydesk/internal/metrics"
	"github.com/2389/policydesk/internal/resumable"
	"github.com/2389/policydesk/internal/store"
	"github.com/2389/policydesk/internal/uistream"
)

const (
	// titleMaxRunes bounds a chat title derived from the first message
	titleMaxRunes = 80

	// maxGenerationTime bounds a reply that keeps running after its client left
	maxGenerationTime = 10 * time.Minute

	// persistTimeout bounds writes made after the request context is gone
	persistTimeout = 5 * time.Second
)

var chatIDPattern = regexp.MustCompile(`(?i)^[0-9a-f]{8}-[0-9a-f]{4}-[1-5][0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

// ValidChatID reports whether id is a canonical RFC 4122 UUID (versions 1-5)
func ValidChatID(id string) bool {
	return chatIDPattern.MatchString(id)
}

// ChatStore defines what the pipeline needs from storage
type ChatStore interface {
	CreateChat(ctx context.Context, chat *store.Chat) error
	GetChat(ctx context.Context, id string) (*store.Chat, error)
	SaveMessages(ctx context.Context, msgs []*store.Message) error
	GetMessagesByChatID(ctx context.Context, chatID string) ([]*store.Message, error)
	CreateStreamID(ctx context.Context, record *store.StreamRecord) error
	GetStreamIDsByChatID(ctx context.Context, chatID string) ([]string, error)
}

// Agent defines what the relay needs from the agent layer
type Agent interface {
	Invoke(ctx context.Context, req *agent.Request) (*agent.Stream, error)
}

// IncomingMessage is the user message posted by the client
type IncomingMessage struct {
	ID          string          `json:"id"`
	Role        string          `json:"role"`
	Parts       []store.Part    `json:"parts"`
	Attachments json.RawMessage `json:"attachments,omitempty"`
}

// SendRequest contains everything needed to relay one user message
type SendRequest struct {
	ChatID     string
	User       *auth.AuthContext
	Message    IncomingMessage
	Visibility string // used only when the chat is created
}

// Relay turns a user message into a streamed assistant reply.
type Relay struct {
	store   ChatStore
	agent   Agent
	streams resumable.Context // nil disables resumption
	metrics *metrics.Metrics
	logger  *slog.Logger

	now   func() time.Time
	newID func() string
}

// NewRelay creates a Relay. streams and m may be nil.
func NewRelay(st ChatStore, ag Agent, streams resumable.Context, m *metrics.Metrics, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		store:   st,
		agent:   ag,
		streams: streams,
		metrics: m,
		logger:  logger.With("component", "relay"),
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Send relays req and writes the reply to w.
//
// A non-nil error is always an *Error and means nothing was written to w;
// the caller should render it. Once the first content chunk arrives the
// response is committed and Send returns nil, whatever happens afterwards.
func (r *Relay) Send(ctx context.Context, w http.ResponseWriter, req *SendRequest) error {
	err := r.send(ctx, w, req)
	if err != nil {
		var e *Error
		if errors.As(err, &e) {
			r.metrics.MessageReceived(string(e.Type))
		}
		return err
	}
	r.metrics.MessageReceived("accepted")
	return nil
}

func (r *Relay) send(ctx context.Context, w http.ResponseWriter, req *SendRequest) error {
	if !ValidChatID(req.ChatID) {
		return NewError(TypeBadRequest, SurfaceChat, CauseInvalidChatID)
	}
	if req.User == nil {
		return NewError(TypeUnauthorized, SurfaceChat, "")
	}
	if req.Message.Role != "" && req.Message.Role != store.RoleUser {
		return NewError(TypeBadRequest, SurfaceAPI, CauseInvalidRole)
	}

	msg := &store.Message{
		ID:          req.Message.ID,
		ChatID:      req.ChatID,
		Role:        store.RoleUser,
		Parts:       req.Message.Parts,
		Attachments: req.Message.Attachments,
	}
	utterance := strings.TrimSpace(msg.Text())
	if utterance == "" {
		return NewError(TypeBadRequest, SurfaceChat, CauseEmptyInput)
	}

	chat, history, err := r.prepareChat(ctx, req, utterance)
	if err != nil {
		return err
	}

	// 1. Record the user message first
	if _, err := uuid.Parse(msg.ID); err != nil {
		msg.ID = r.newID()
	}
	msg.CreatedAt = r.now().UTC()
	if err := r.store.SaveMessages(ctx, []*store.Message{msg}); err != nil {
		r.logger.Error("failed to save user message", "error", err, "chat_id", chat.ID)
		return wrapError(TypeInternal, SurfaceChat, err)
	}

	// 2. Ledger entry precedes any generation
	streamID := r.newID()
	record := &store.StreamRecord{ID: streamID, ChatID: chat.ID, CreatedAt: r.now().UTC()}
	if err := r.store.CreateStreamID(ctx, record); err != nil {
		r.logger.Error("failed to record stream", "error", err, "chat_id", chat.ID)
		return wrapError(TypeInternal, SurfaceStream, err)
	}

	// The stream is resumable from its ledger entry on. Closing it on any
	// exit ends readers that attached before the first chunk.
	sink := r.newSink(streamID)
	defer sink.close()

	// With resumption on, the reply outlives its client so a reload can reattach
	genCtx := ctx
	if r.streams != nil {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), maxGenerationTime)
		defer cancel()
	}

	// 3. Ask the agent
	agentReq := &agent.Request{
		SessionID:     chat.ID,
		Utterance:     utterance,
		User:          &agent.User{ID: req.User.UserID, Email: req.User.Email},
		HistoryLength: history,
	}
	started := r.now()
	stream, err := r.agent.Invoke(genCtx, agentReq)
	if err != nil {
		return r.agentError(chat.ID, err)
	}
	defer stream.Close()

	first, err := stream.NextContent()
	if err != nil {
		if errors.Is(err, io.EOF) {
			r.metrics.AgentResult(string(TypeEmptyResponse))
			r.logger.Warn("agent returned no content", "chat_id", chat.ID, "stream_id", streamID)
			return wrapError(TypeEmptyResponse, SurfaceAgent, agent.ErrEmptyResponse)
		}
		return r.agentError(chat.ID, err)
	}
	r.metrics.FirstChunk(r.now().Sub(started))

	// 4. Commit the response and stream
	if err := sink.attach(w); err != nil {
		return wrapError(TypeInternal, SurfaceStream, err)
	}

	r.metrics.StreamStarted()
	defer r.metrics.StreamEnded()

	full, complete := r.relay(sink, stream, first)
	if !complete {
		r.metrics.AgentResult("interrupted")
		return nil
	}
	r.metrics.AgentResult("ok")

	// 5. Persist the complete reply
	r.saveAssistantMessage(chat.ID, full)
	return nil
}

// prepareChat loads or creates the chat and returns it with the number of
// messages already stored.
func (r *Relay) prepareChat(ctx context.Context, req *SendRequest, utterance string) (*store.Chat, int, error) {
	chat, err := r.ensureChat(ctx, req, utterance)
	if err != nil {
		return nil, 0, err
	}
	if chat.Visibility == store.VisibilityPrivate && chat.UserID != req.User.UserID {
		return nil, 0, NewError(TypeForbidden, SurfaceChat, "")
	}

	history, err := r.store.GetMessagesByChatID(ctx, chat.ID)
	if err != nil {
		r.logger.Error("failed to load history", "error", err, "chat_id", chat.ID)
		return nil, 0, wrapError(TypeInternal, SurfaceChat, err)
	}
	return chat, len(history), nil
}

// ensureChat resolves an existing chat or creates one owned by the caller
func (r *Relay) ensureChat(ctx context.Context, req *SendRequest, utterance string) (*store.Chat, error) {
	chat, err := r.store.GetChat(ctx, req.ChatID)
	if err == nil {
		return chat, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		r.logger.Error("failed to load chat", "error", err, "chat_id", req.ChatID)
		return nil, wrapError(TypeInternal, SurfaceChat, err)
	}

	visibility := req.Visibility
	if visibility != store.VisibilityPublic {
		visibility = store.VisibilityPrivate
	}
	chat = &store.Chat{
		ID:         req.ChatID,
		Title:      chatTitle(utterance),
		UserID:     req.User.UserID,
		Visibility: visibility,
		CreatedAt:  r.now().UTC(),
	}
	if err := r.store.CreateChat(ctx, chat); err != nil {
		// Another request may have created the chat between lookup and insert
		if errors.Is(err, store.ErrDuplicateChat) {
			existing, lookupErr := r.store.GetChat(ctx, req.ChatID)
			if lookupErr == nil {
				r.logger.Debug("found existing chat after race", "chat_id", existing.ID)
				return existing, nil
			}
			r.logger.Error("retry lookup failed after duplicate error", "lookup_error", lookupErr)
		}
		return nil, wrapError(TypeInternal, SurfaceChat, err)
	}

	r.logger.Debug("chat created", "chat_id", chat.ID, "user_id", chat.UserID)
	return chat, nil
}

// chatTitle derives a title from the first user text
func chatTitle(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= titleMaxRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:titleMaxRunes])
}

// agentError maps an agent failure before any content onto an *Error
func (r *Relay) agentError(chatID string, err error) error {
	switch {
	case errors.Is(err, agent.ErrEmptyInput):
		return NewError(TypeBadRequest, SurfaceChat, CauseEmptyInput)
	default:
		r.metrics.AgentResult(string(TypeUpstreamUnavailable))
		r.logger.Error("agent unavailable", "error", err, "chat_id", chatID)
		return wrapError(TypeUpstreamUnavailable, SurfaceAgent, err)
	}
}

// relay writes the reply lifecycle to sink. It returns the accumulated
// text and whether the agent stream ended cleanly.
func (r *Relay) relay(sink *frameSink, stream *agent.Stream, first string) (string, bool) {
	textID := uistream.DefaultTextID

	for _, part := range uistream.Opening(textID) {
		if !sink.part(part) {
			return "", false
		}
	}

	var full strings.Builder
	chunk := first
	for {
		full.WriteString(chunk)
		if !sink.part(uistream.TextDelta(textID, chunk)) {
			return "", false
		}
		r.metrics.ChunkRelayed()

		next, err := stream.NextContent()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			r.logger.Warn("agent stream interrupted",
				"error", err,
				"stream_id", sink.streamID,
				"received_bytes", full.Len())
			return "", false
		}
		chunk = next
	}

	for _, part := range uistream.Closing(textID) {
		if !sink.part(part) {
			return "", false
		}
	}
	if !sink.frame(uistream.DoneFrame()) {
		return "", false
	}
	return full.String(), true
}

// saveAssistantMessage persists the reply. Failures are logged only.
func (r *Relay) saveAssistantMessage(chatID, text string) {
	saveCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	msg := &store.Message{
		ID:        r.newID(),
		ChatID:    chatID,
		Role:      store.RoleAssistant,
		Parts:     []store.Part{store.TextPart(text)},
		CreatedAt: r.now().UTC(),
	}
	if err := r.store.SaveMessages(saveCtx, []*store.Message{msg}); err != nil {
		r.logger.Error("failed to save assistant message",
			"error", err,
			"chat_id", chatID,
			"message_id", msg.ID)
		return
	}
	r.logger.Debug("assistant message saved", "chat_id", chatID, "message_id", msg.ID)
}

// frameSink writes every frame to the client and mirrors it to the
// resumable stream. A departed client only stops the client side.
type frameSink struct {
	client    *uistream.Writer
	clientOK  bool
	publisher resumable.Publisher
	streamID  string
	logger    *slog.Logger
}

// newSink registers streamID with the resumable context when enabled.
// Registration outlives the request so a departed client cannot cancel it.
func (r *Relay) newSink(streamID string) *frameSink {
	sink := &frameSink{streamID: streamID, logger: r.logger}
	if r.streams == nil {
		return sink
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	pub, err := r.streams.Create(ctx, streamID)
	if err != nil {
		r.logger.Warn("resumable stream unavailable", "error", err, "stream_id", streamID)
		return sink
	}
	sink.publisher = pub
	return sink
}

// attach commits the client response. Frames are written only after attach.
func (s *frameSink) attach(w http.ResponseWriter) error {
	client, err := uistream.NewWriter(w)
	if err != nil {
		return err
	}
	s.client = client
	s.clientOK = true
	client.Open()
	return nil
}

// part encodes and writes one part
func (s *frameSink) part(p uistream.Part) bool {
	frame, err := uistream.Frame(p)
	if err != nil {
		s.logger.Error("failed to encode part", "error", err, "type", p.Type)
		return false
	}
	return s.frame(frame)
}

// frame writes one encoded frame. It reports false when nobody is left to receive it.
func (s *frameSink) frame(frame []byte) bool {
	if s.publisher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		err := s.publisher.Write(ctx, frame)
		cancel()
		if err != nil {
			s.logger.Warn("failed to mirror frame", "error", err, "stream_id", s.streamID)
			s.publisher = nil
		}
	}

	if s.clientOK {
		if err := s.client.WriteFrame(frame); err != nil {
			s.logger.Debug("client went away", "error", err, "stream_id", s.streamID)
			s.clientOK = false
		}
	}

	return s.clientOK || s.publisher != nil
}

func (s *frameSink) close() {
	if s.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.publisher.Close(ctx); err != nil {
		s.logger.Warn("failed to close resumable stream", "error", err, "stream_id", s.streamID)
	}
}
