// ABOUTME: Tests for the agent webhook client against an httptest server
// ABOUTME: Covers payload shape, empty input, upstream failures, accumulation and cancellation

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAgentServer(t *testing.T, handler http.HandlerFunc) (*WebhookClient, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return NewWebhookClient(srv.URL+"/webhook/hook/chat", srv.Client(), nil), &calls
}

func ndjson(lines ...string) string {
	return strings.Join(lines, "\n") + "\n"
}

func TestInvoke_Payload(t *testing.T) {
	var got map[string]any
	client, _ := newAgentServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/webhook/hook/chat", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		io.WriteString(w, ndjson(`{"type":"item","content":"ok"}`))
	})
	fixed := time.Date(2025, 2, 3, 4, 5, 6, 7, time.UTC)
	client.now = func() time.Time { return fixed }

	stream, err := client.Invoke(context.Background(), &Request{
		SessionID:     "chat-1",
		Utterance:     "  What is my excess?  ",
		User:          &User{ID: "user-1", Email: "holder@example.com"},
		HistoryLength: 3,
	})
	require.NoError(t, err)
	defer stream.Close()
	_, err = Collect(stream)
	require.NoError(t, err)

	assert.Equal(t, "What is my excess?", got["chatInput"])
	assert.Equal(t, "chat-1", got["sessionId"])
	assert.Equal(t, "ai-chat", got["source"])
	assert.Equal(t, "2025-02-03T04:05:06.000000007Z", got["timestamp"])
	assert.Equal(t, map[string]any{"id": "user-1", "email": "holder@example.com", "profile_id": "user-1"}, got["user"])
	assert.Equal(t, map[string]any{"chat_history_length": float64(3), "user_preferences": map[string]any{}}, got["context"])
}

func TestInvoke_AnonymousUserIsNull(t *testing.T) {
	var raw map[string]json.RawMessage
	client, _ := newAgentServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		io.WriteString(w, ndjson(`{"type":"item","content":"hi"}`))
	})

	stream, err := client.Invoke(context.Background(), &Request{SessionID: "chat-1", Utterance: "hello"})
	require.NoError(t, err)
	defer stream.Close()
	_, _ = Collect(stream)

	assert.Equal(t, "null", string(raw["user"]))
}

func TestInvoke_EmptyInputMakesNoCall(t *testing.T) {
	client, calls := newAgentServer(t, func(w http.ResponseWriter, r *http.Request) {})

	for _, utterance := range []string{"", "   ", "\n\t"} {
		_, err := client.Invoke(context.Background(), &Request{SessionID: "chat-1", Utterance: utterance})
		assert.ErrorIs(t, err, ErrEmptyInput)
	}
	assert.Equal(t, int32(0), calls.Load())
}

func TestInvoke_ServerErrorIsUpstreamUnavailable(t *testing.T) {
	client, calls := newAgentServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "workflow crashed", http.StatusInternalServerError)
	})

	_, err := client.Invoke(context.Background(), &Request{SessionID: "chat-1", Utterance: "hello"})

	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.Equal(t, int32(1), calls.Load(), "no retry")
}

func TestInvoke_TransportErrorIsUpstreamUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	client := NewWebhookClient(url+"/webhook/hook/chat", nil, nil)
	_, err := client.Invoke(context.Background(), &Request{SessionID: "chat-1", Utterance: "hello"})

	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestCollect_AccumulatesItems(t *testing.T) {
	client, _ := newAgentServer(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, ndjson(
			`{"type":"begin"}`,
			`{"type":"item","content":"Hel"}`,
			`{"type":"item","content":"lo"}`,
			`{"type":"end"}`,
		))
	})

	stream, err := client.Invoke(context.Background(), &Request{SessionID: "chat-1", Utterance: "hi"})
	require.NoError(t, err)
	defer stream.Close()

	text, err := Collect(stream)
	require.NoError(t, err)
	assert.Equal(t, "Hello", text)
}

func TestCollect_MalformedLineBetweenValidLines(t *testing.T) {
	client, _ := newAgentServer(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, ndjson(
			`{"type":"item","content":"Hel"}`,
			`not-json`,
			`{"type":"item","content":"lo"}`,
		))
	})

	stream, err := client.Invoke(context.Background(), &Request{SessionID: "chat-1", Utterance: "hi"})
	require.NoError(t, err)
	defer stream.Close()

	text, err := Collect(stream)
	require.NoError(t, err)
	assert.Equal(t, "Hello", text)
}

func TestCollect_EmptyResponse(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "no body", body: ""},
		{name: "only unknown events", body: ndjson(`{"type":"begin"}`, `{"type":"end"}`)},
		{name: "only empty content", body: ndjson(`{"type":"item","content":""}`)},
		{name: "only garbage", body: ndjson("nope", "{")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newAgentServer(t, func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, tt.body)
			})

			stream, err := client.Invoke(context.Background(), &Request{SessionID: "chat-1", Utterance: "hi"})
			require.NoError(t, err)
			defer stream.Close()

			_, err = Collect(stream)
			assert.ErrorIs(t, err, ErrEmptyResponse)
		})
	}
}

func TestStream_FlushedChunks(t *testing.T) {
	release := make(chan struct{})
	client, _ := newAgentServer(t, func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		io.WriteString(w, `{"type":"item","content":"first"}`+"\n"+`{"type":"item","con`)
		flusher.Flush()
		<-release
		io.WriteString(w, `tent":"second"}`)
	})

	stream, err := client.Invoke(context.Background(), &Request{SessionID: "chat-1", Utterance: "hi"})
	require.NoError(t, err)
	defer stream.Close()

	first, err := stream.NextContent()
	require.NoError(t, err)
	assert.Equal(t, "first", first)

	close(release)
	second, err := stream.NextContent()
	require.NoError(t, err)
	assert.Equal(t, "second", second)

	_, err = stream.NextContent()
	assert.ErrorIs(t, err, io.EOF)
}

func TestStream_ContextCancellation(t *testing.T) {
	done := make(chan struct{})
	client, _ := newAgentServer(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"type":"item","content":"partial"}`+"\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
		close(done)
	})

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := client.Invoke(ctx, &Request{SessionID: "chat-1", Utterance: "hi"})
	require.NoError(t, err)
	defer stream.Close()

	content, err := stream.NextContent()
	require.NoError(t, err)
	assert.Equal(t, "partial", content)

	cancel()
	_, err = stream.NextContent()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUpstreamUnavailable))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("server handler did not observe cancellation")
	}
}
