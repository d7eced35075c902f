// ABOUTME: HTTP client for the external workflow agent webhook
// ABOUTME: Posts the user's utterance with session and user context and exposes the NDJSON reply as a Stream

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Agent errors
var (
	ErrEmptyInput          = errors.New("empty input")
	ErrUpstreamUnavailable = errors.New("agent upstream unavailable")
	ErrEmptyResponse       = errors.New("agent returned no content")
)

// requestSource identifies this service to the workflow
const requestSource = "ai-chat"

// User is the identity forwarded to the workflow
type User struct {
	ID    string
	Email string
}

// Request describes one agent invocation
type Request struct {
	SessionID     string // chat id
	Utterance     string
	User          *User // nil for anonymous
	HistoryLength int
}

type webhookUser struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	ProfileID string `json:"profile_id"`
}

type webhookContext struct {
	ChatHistoryLength int            `json:"chat_history_length"`
	UserPreferences   map[string]any `json:"user_preferences"`
}

type webhookPayload struct {
	ChatInput string         `json:"chatInput"`
	SessionID string         `json:"sessionId"`
	User      *webhookUser   `json:"user"`
	Timestamp string         `json:"timestamp"`
	Source    string         `json:"source"`
	Context   webhookContext `json:"context"`
}

// WebhookClient invokes the workflow webhook
type WebhookClient struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

// NewWebhookClient creates a client for the given webhook URL.
// A nil httpClient uses a client without an overall timeout, since
// replies are streamed for as long as the agent keeps writing.
func NewWebhookClient(url string, httpClient *http.Client, logger *slog.Logger) *WebhookClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookClient{
		url:        url,
		httpClient: httpClient,
		logger:     logger.With("component", "agent"),
		now:        time.Now,
	}
}

// URL returns the webhook endpoint
func (c *WebhookClient) URL() string {
	return c.url
}

// Invoke posts the request and returns the reply stream.
// The caller must Close the stream. Cancelling ctx aborts the read.
func (c *WebhookClient) Invoke(ctx context.Context, req *Request) (*Stream, error) {
	utterance := strings.TrimSpace(req.Utterance)
	if utterance == "" {
		return nil, ErrEmptyInput
	}

	payload := webhookPayload{
		ChatInput: utterance,
		SessionID: req.SessionID,
		Timestamp: c.now().UTC().Format(time.RFC3339Nano),
		Source:    requestSource,
		Context: webhookContext{
			ChatHistoryLength: req.HistoryLength,
			UserPreferences:   map[string]any{},
		},
	}
	if req.User != nil {
		payload.User = &webhookUser{
			ID:        req.User.ID,
			Email:     req.User.Email,
			ProfileID: req.User.ID,
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding webhook payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building webhook request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson, application/json")

	start := c.now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Error("agent webhook request failed", "error", err, "session_id", req.SessionID)
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		c.logger.Error("agent webhook returned error status",
			"status", resp.StatusCode,
			"session_id", req.SessionID,
		)
		return nil, fmt.Errorf("%w: status %d", ErrUpstreamUnavailable, resp.StatusCode)
	}
	if resp.Body == nil {
		return nil, fmt.Errorf("%w: missing response body", ErrUpstreamUnavailable)
	}

	c.logger.Debug("agent webhook responded",
		"session_id", req.SessionID,
		"status", resp.StatusCode,
		"latency", c.now().Sub(start),
	)

	return NewStream(resp.Body, c.logger), nil
}

// Stream yields the events of one agent reply in arrival order
type Stream struct {
	body    io.ReadCloser
	dec     *Decoder
	pending []Event
	readBuf []byte
	done    bool
	err     error
}

// NewStream wraps an NDJSON body
func NewStream(body io.ReadCloser, logger *slog.Logger) *Stream {
	return &Stream{
		body:    body,
		dec:     NewDecoder(logger),
		readBuf: make([]byte, 4096),
	}
}

// Next returns the next event. It returns io.EOF once the body has been
// fully consumed, or the read error wrapped in ErrUpstreamUnavailable.
func (s *Stream) Next() (Event, error) {
	for len(s.pending) == 0 {
		if s.err != nil {
			return Event{}, s.err
		}
		if s.done {
			return Event{}, io.EOF
		}

		n, err := s.body.Read(s.readBuf)
		if n > 0 {
			s.pending = append(s.pending, s.dec.Feed(s.readBuf[:n])...)
		}
		if errors.Is(err, io.EOF) {
			s.pending = append(s.pending, s.dec.Flush()...)
			s.done = true
		} else if err != nil {
			s.err = fmt.Errorf("%w: reading reply: %v", ErrUpstreamUnavailable, err)
		}
	}

	ev := s.pending[0]
	s.pending = s.pending[1:]
	return ev, nil
}

// NextContent returns the next non-empty item content, skipping other events.
func (s *Stream) NextContent() (string, error) {
	for {
		ev, err := s.Next()
		if err != nil {
			return "", err
		}
		if ev.Kind == EventItem && ev.Content != "" {
			return ev.Content, nil
		}
	}
}

// Close releases the underlying response body
func (s *Stream) Close() error {
	return s.body.Close()
}

// Collect reads the stream to the end and concatenates all item contents.
// It returns ErrEmptyResponse if nothing was produced.
func Collect(s *Stream) (string, error) {
	var sb strings.Builder
	for {
		content, err := s.NextContent()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(content)
	}
	if sb.Len() == 0 {
		return "", ErrEmptyResponse
	}
	return sb.String(), nil
}
