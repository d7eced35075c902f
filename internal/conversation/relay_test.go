// ABOUTME: Tests for the Relay send pipeline against a fake agent webhook
// ABOUTME: Covers validation, upstream failures, chunk relay, persistence and resumable mirroring

package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/policydesk/internal/agent"
	"github.com/2389/policydesk/internal/auth"
	"github.com/2389/policydesk/internal/metrics"
	"github.com/2389/policydesk/internal/resumable"
	"github.com/2389/policydesk/internal/store"
	"github.com/2389/policydesk/internal/uistream"
)

const testChatID = "3f2b8c1e-4a5d-4e6f-9a7b-1c2d3e4f5a6b"

var owner = &auth.AuthContext{UserID: "user-1", Email: "holder@example.com"}

// fakeAgent serves a fixed NDJSON body from an httptest server
func fakeAgent(t *testing.T, status int, lines ...string) (*agent.WebhookClient, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(status)
		for _, line := range lines {
			io.WriteString(w, line+"\n")
			w.(http.Flusher).Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return agent.NewWebhookClient(srv.URL+"/webhook/test/chat", srv.Client(), nil), &calls
}

// stubAgent returns a prepared stream without HTTP
type stubAgent struct {
	body io.Reader
	err  error
}

func (a *stubAgent) Invoke(ctx context.Context, req *agent.Request) (*agent.Stream, error) {
	if a.err != nil {
		return nil, a.err
	}
	return agent.NewStream(io.NopCloser(a.body), nil), nil
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

// tickingClock returns a clock that advances one millisecond per call
func tickingClock(start time.Time) func() time.Time {
	var n atomic.Int64
	return func() time.Time {
		return start.Add(time.Duration(n.Add(1)) * time.Millisecond)
	}
}

func textMessage(text string) IncomingMessage {
	return IncomingMessage{
		ID:    "6a1b2c3d-1111-4222-8333-444455556666",
		Role:  store.RoleUser,
		Parts: []store.Part{store.TextPart(text)},
	}
}

func sendRequest(text string) *SendRequest {
	return &SendRequest{ChatID: testChatID, User: owner, Message: textMessage(text)}
}

func TestValidChatID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{testChatID, true},
		{strings.ToUpper(testChatID), true},
		{"3f2b8c1e-4a5d-1e6f-8a7b-1c2d3e4f5a6b", true},
		{"3f2b8c1e-4a5d-6e6f-9a7b-1c2d3e4f5a6b", false}, // version 6
		{"3f2b8c1e-4a5d-4e6f-7a7b-1c2d3e4f5a6b", false}, // variant 7
		{"3f2b8c1e4a5d4e6f9a7b1c2d3e4f5a6b", false},
		{"not-a-uuid", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			assert.Equal(t, tt.valid, ValidChatID(tt.id))
		})
	}
}

func TestSend_EmptyInput(t *testing.T) {
	tests := []struct {
		name  string
		parts []store.Part
	}{
		{"no parts", nil},
		{"whitespace", []store.Part{store.TextPart("   \n\t")}},
		{"only empty text", []store.Part{store.TextPart(""), store.TextPart(" ")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, calls := fakeAgent(t, http.StatusOK, `{"type":"item","content":"x"}`)
			st := store.NewMockStore()
			relay := NewRelay(st, client, nil, nil, nil)

			req := sendRequest("")
			req.Message.Parts = tt.parts
			rec := httptest.NewRecorder()
			err := relay.Send(context.Background(), rec, req)

			require.Error(t, err)
			assert.ErrorIs(t, err, ErrEmptyInput)
			assert.ErrorIs(t, err, ErrBadRequest)
			assert.Equal(t, int32(0), calls.Load())
			assert.Equal(t, 0, st.TotalCalls())
			assert.False(t, rec.Flushed)
		})
	}
}

func TestSend_Validation(t *testing.T) {
	client, calls := fakeAgent(t, http.StatusOK, `{"type":"item","content":"x"}`)
	relay := NewRelay(store.NewMockStore(), client, nil, nil, nil)

	req := sendRequest("hello")
	req.ChatID = "nope"
	err := relay.Send(context.Background(), httptest.NewRecorder(), req)
	assert.ErrorIs(t, err, ErrBadRequest)
	assert.ErrorIs(t, err, &Error{Type: TypeBadRequest, Surface: SurfaceChat, Cause: CauseInvalidChatID})

	req = sendRequest("hello")
	req.User = nil
	err = relay.Send(context.Background(), httptest.NewRecorder(), req)
	assert.ErrorIs(t, err, ErrUnauthorized)

	req = sendRequest("hello")
	req.Message.Role = store.RoleAssistant
	err = relay.Send(context.Background(), httptest.NewRecorder(), req)
	assert.ErrorIs(t, err, &Error{Type: TypeBadRequest, Surface: SurfaceAPI, Cause: CauseInvalidRole})

	assert.Equal(t, int32(0), calls.Load())
}

func TestSend_UpstreamFailure(t *testing.T) {
	client, calls := fakeAgent(t, http.StatusInternalServerError)
	st := store.NewMockStore()
	relay := NewRelay(st, client, nil, nil, nil)

	rec := httptest.NewRecorder()
	err := relay.Send(context.Background(), rec, sendRequest("What is covered?"))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.ErrorIs(t, err, agent.ErrUpstreamUnavailable)
	assert.Equal(t, int32(1), calls.Load())

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, http.StatusBadGateway, e.Status())

	// User message saved, nothing from the assistant, no stream opened
	msgs, _ := st.GetMessagesByChatID(context.Background(), testChatID)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.RoleUser, msgs[0].Role)
	assert.Empty(t, rec.Body.String())
	assert.False(t, rec.Flushed)
}

func TestSend_EmptyResponse(t *testing.T) {
	client, _ := fakeAgent(t, http.StatusOK, `{"type":"begin"}`, `{"type":"end"}`)
	st := store.NewMockStore()
	relay := NewRelay(st, client, nil, nil, nil)

	rec := httptest.NewRecorder()
	err := relay.Send(context.Background(), rec, sendRequest("Hello?"))

	assert.ErrorIs(t, err, ErrEmptyResponse)
	assert.ErrorIs(t, err, agent.ErrEmptyResponse)
	assert.Empty(t, rec.Body.String())

	msgs, _ := st.GetMessagesByChatID(context.Background(), testChatID)
	assert.Len(t, msgs, 1)
}

func TestSend_StreamsChunks(t *testing.T) {
	client, _ := fakeAgent(t, http.StatusOK,
		`{"type":"begin"}`,
		`{"type":"item","content":"Hel"}`,
		`{"type":"item","content":"lo"}`,
		`{"type":"end"}`,
	)
	st := store.NewMockStore()
	m := metrics.New()
	relay := NewRelay(st, client, nil, m, nil)

	rec := httptest.NewRecorder()
	require.NoError(t, relay.Send(context.Background(), rec, sendRequest("Hi")))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, uistream.HeaderVersion, rec.Header().Get(uistream.HeaderName))

	parts, done, err := uistream.Decode(rec.Body)
	require.NoError(t, err)
	assert.True(t, done)

	var types []string
	var deltas []string
	for _, p := range parts {
		types = append(types, p.Type)
		if p.Type == uistream.TypeTextDelta {
			deltas = append(deltas, p.Delta)
		}
	}
	assert.Equal(t, []string{
		uistream.TypeStart,
		uistream.TypeStartStep,
		uistream.TypeTextStart,
		uistream.TypeTextDelta,
		uistream.TypeTextDelta,
		uistream.TypeTextEnd,
		uistream.TypeFinishStep,
		uistream.TypeFinish,
	}, types)
	assert.Equal(t, []string{"Hel", "lo"}, deltas)

	msgs, err := st.GetMessagesByChatID(context.Background(), testChatID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.RoleUser, msgs[0].Role)
	assert.Equal(t, "6a1b2c3d-1111-4222-8333-444455556666", msgs[0].ID)
	assert.Equal(t, store.RoleAssistant, msgs[1].Role)
	require.Len(t, msgs[1].Parts, 1)
	assert.Equal(t, "Hello", msgs[1].Parts[0].Text)
}

func TestSend_SkipsMalformedLines(t *testing.T) {
	client, _ := fakeAgent(t, http.StatusOK,
		`{"type":"item","content":"Hel"}`,
		`not-json`,
		`{"type":"item","content":"lo"}`,
	)
	st := store.NewMockStore()
	relay := NewRelay(st, client, nil, nil, nil)

	require.NoError(t, relay.Send(context.Background(), httptest.NewRecorder(), sendRequest("Hi")))

	msgs, _ := st.GetMessagesByChatID(context.Background(), testChatID)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hello", msgs[1].Text())
}

func TestSend_LedgerPrecedesAssistantMessage(t *testing.T) {
	client, _ := fakeAgent(t, http.StatusOK, `{"type":"item","content":"Covered."}`)
	st := createTestStore(t)
	relay := NewRelay(st, client, nil, nil, nil)
	relay.now = tickingClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	var streamIDs []string
	relay.newID = func() string {
		id := newTestID(len(streamIDs))
		streamIDs = append(streamIDs, id)
		return id
	}

	require.NoError(t, relay.Send(context.Background(), httptest.NewRecorder(), sendRequest("Am I covered?")))

	ids, err := st.GetStreamIDsByChatID(context.Background(), testChatID)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	msgs, err := st.GetMessagesByChatID(context.Background(), testChatID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	// The stream id was minted before the assistant message id
	assert.Equal(t, streamIDs[0], ids[0])
	assert.Equal(t, streamIDs[1], msgs[1].ID)

	chat, err := st.GetChat(context.Background(), testChatID)
	require.NoError(t, err)
	assert.True(t, msgs[0].CreatedAt.After(chat.CreatedAt))
}

func TestSend_LedgerBeforeInvoke(t *testing.T) {
	st := store.NewMockStore()
	var ledgerAtInvoke int
	ag := &recordingAgent{onInvoke: func() {
		ledgerAtInvoke = st.Calls("CreateStreamID")
	}, body: `{"type":"item","content":"ok"}` + "\n"}
	relay := NewRelay(st, ag, nil, nil, nil)

	require.NoError(t, relay.Send(context.Background(), httptest.NewRecorder(), sendRequest("Hi")))
	assert.Equal(t, 1, ledgerAtInvoke)
}

type recordingAgent struct {
	onInvoke func()
	body     string
	last     *agent.Request
}

func (a *recordingAgent) Invoke(ctx context.Context, req *agent.Request) (*agent.Stream, error) {
	a.last = req
	a.onInvoke()
	return agent.NewStream(io.NopCloser(strings.NewReader(a.body)), nil), nil
}

func TestSend_AgentRequest(t *testing.T) {
	st := store.NewMockStore()
	ag := &recordingAgent{onInvoke: func() {}, body: `{"type":"item","content":"ok"}` + "\n"}
	relay := NewRelay(st, ag, nil, nil, nil)

	require.NoError(t, relay.Send(context.Background(), httptest.NewRecorder(), sendRequest("  first  ")))
	require.NotNil(t, ag.last)
	assert.Equal(t, testChatID, ag.last.SessionID)
	assert.Equal(t, "first", ag.last.Utterance)
	assert.Equal(t, 0, ag.last.HistoryLength)
	assert.Equal(t, owner.UserID, ag.last.User.ID)
	assert.Equal(t, owner.Email, ag.last.User.Email)

	req := sendRequest("second")
	req.Message.ID = ""
	require.NoError(t, relay.Send(context.Background(), httptest.NewRecorder(), req))
	assert.Equal(t, 2, ag.last.HistoryLength)

	chat, err := st.GetChat(context.Background(), testChatID)
	require.NoError(t, err)
	assert.Equal(t, "first", chat.Title)
	assert.Equal(t, owner.UserID, chat.UserID)
	assert.Equal(t, store.VisibilityPrivate, chat.Visibility)
}

func TestSend_ForbiddenOnOthersPrivateChat(t *testing.T) {
	st := store.NewMockStore()
	require.NoError(t, st.CreateChat(context.Background(), &store.Chat{
		ID: testChatID, UserID: "someone-else", Visibility: store.VisibilityPrivate,
	}))
	client, calls := fakeAgent(t, http.StatusOK, `{"type":"item","content":"x"}`)
	relay := NewRelay(st, client, nil, nil, nil)

	err := relay.Send(context.Background(), httptest.NewRecorder(), sendRequest("hi"))
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, 0, st.Calls("SaveMessages"))
}

func TestSend_PublicChatOfOtherUser(t *testing.T) {
	st := store.NewMockStore()
	require.NoError(t, st.CreateChat(context.Background(), &store.Chat{
		ID: testChatID, UserID: "someone-else", Visibility: store.VisibilityPublic,
	}))
	client, _ := fakeAgent(t, http.StatusOK, `{"type":"item","content":"x"}`)
	relay := NewRelay(st, client, nil, nil, nil)

	assert.NoError(t, relay.Send(context.Background(), httptest.NewRecorder(), sendRequest("hi")))
}

func TestSend_MidStreamFailure(t *testing.T) {
	st := store.NewMockStore()
	ag := &stubAgent{body: io.MultiReader(
		strings.NewReader(`{"type":"item","content":"Partial"}`+"\n"),
		failingReader{},
	)}
	relay := NewRelay(st, ag, nil, nil, nil)

	rec := httptest.NewRecorder()
	require.NoError(t, relay.Send(context.Background(), rec, sendRequest("Hi")))

	parts, done, err := uistream.Decode(rec.Body)
	require.NoError(t, err)
	assert.False(t, done)
	require.NotEmpty(t, parts)
	last := parts[len(parts)-1]
	assert.Equal(t, uistream.TypeTextDelta, last.Type)
	assert.Equal(t, "Partial", last.Delta)
	assert.NotContains(t, rec.Body.String(), "error")

	msgs, _ := st.GetMessagesByChatID(context.Background(), testChatID)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.RoleUser, msgs[0].Role)
}

func TestSend_AssistantPersistFailureIsLogged(t *testing.T) {
	st := &failOnSecondSave{MockStore: store.NewMockStore()}
	client, _ := fakeAgent(t, http.StatusOK, `{"type":"item","content":"Hello"}`)
	relay := NewRelay(st, client, nil, nil, nil)

	rec := httptest.NewRecorder()
	require.NoError(t, relay.Send(context.Background(), rec, sendRequest("Hi")))

	_, done, err := uistream.Decode(rec.Body)
	require.NoError(t, err)
	assert.True(t, done)
}

// failOnSecondSave accepts the user message and rejects the reply
type failOnSecondSave struct {
	*store.MockStore
	saves int
}

func (f *failOnSecondSave) SaveMessages(ctx context.Context, msgs []*store.Message) error {
	f.saves++
	if f.saves > 1 {
		return errors.New("disk full")
	}
	return f.MockStore.SaveMessages(ctx, msgs)
}

func TestSend_LedgerFailure(t *testing.T) {
	st := store.NewMockStore()
	st.CreateStreamErr = errors.New("db down")
	client, calls := fakeAgent(t, http.StatusOK, `{"type":"item","content":"x"}`)
	relay := NewRelay(st, client, nil, nil, nil)

	err := relay.Send(context.Background(), httptest.NewRecorder(), sendRequest("hi"))
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, TypeInternal, e.Type)
	assert.Equal(t, int32(0), calls.Load())
}

// recordingStreams is a resumable.Context that keeps every published frame
type recordingStreams struct {
	mu     sync.Mutex
	frames map[string][][]byte
	closed map[string]bool
}

func newRecordingStreams() *recordingStreams {
	return &recordingStreams{frames: map[string][][]byte{}, closed: map[string]bool{}}
}

func (r *recordingStreams) Create(ctx context.Context, streamID string) (resumable.Publisher, error) {
	return &recordingPublisher{r: r, id: streamID}, nil
}

func (r *recordingStreams) Resume(ctx context.Context, streamID string, skip int) (<-chan []byte, bool, error) {
	return nil, false, nil
}

func (r *recordingStreams) Close() error { return nil }

func (r *recordingStreams) joined(streamID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sb strings.Builder
	for _, f := range r.frames[streamID] {
		sb.Write(f)
	}
	return sb.String()
}

type recordingPublisher struct {
	r  *recordingStreams
	id string
}

func (p *recordingPublisher) Write(ctx context.Context, frame []byte) error {
	p.r.mu.Lock()
	defer p.r.mu.Unlock()
	p.r.frames[p.id] = append(p.r.frames[p.id], append([]byte(nil), frame...))
	return nil
}

func (p *recordingPublisher) Close(ctx context.Context) error {
	p.r.mu.Lock()
	defer p.r.mu.Unlock()
	p.r.closed[p.id] = true
	return nil
}

func TestSend_MirrorsFramesToResumableStream(t *testing.T) {
	client, _ := fakeAgent(t, http.StatusOK,
		`{"type":"item","content":"Hel"}`,
		`{"type":"item","content":"lo"}`,
	)
	st := store.NewMockStore()
	streams := newRecordingStreams()
	relay := NewRelay(st, client, streams, nil, nil)

	rec := httptest.NewRecorder()
	require.NoError(t, relay.Send(context.Background(), rec, sendRequest("Hi")))

	ids, _ := st.GetStreamIDsByChatID(context.Background(), testChatID)
	require.Len(t, ids, 1)
	assert.Equal(t, rec.Body.String(), streams.joined(ids[0]))
	assert.True(t, streams.closed[ids[0]])
}

// strictStreams refuses to register a stream under a finished context, as
// a network backend would
type strictStreams struct {
	*recordingStreams
}

func (s strictStreams) Create(ctx context.Context, streamID string) (resumable.Publisher, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.recordingStreams.Create(ctx, streamID)
}

func TestSend_RegistersStreamIndependentOfRequest(t *testing.T) {
	client, _ := fakeAgent(t, http.StatusOK, `{"type":"item","content":"Hello"}`)
	st := store.NewMockStore()
	streams := strictStreams{newRecordingStreams()}
	relay := NewRelay(st, client, streams, nil, nil)

	// The client is already gone when generation starts
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, relay.Send(ctx, httptest.NewRecorder(), sendRequest("Hi")))

	ids, _ := st.GetStreamIDsByChatID(context.Background(), testChatID)
	require.Len(t, ids, 1)
	assert.Contains(t, streams.joined(ids[0]), "Hello")
	assert.True(t, streams.closed[ids[0]])

	msgs, _ := st.GetMessagesByChatID(context.Background(), testChatID)
	require.Len(t, msgs, 2)
}

func TestSend_UpstreamFailureClosesResumableStream(t *testing.T) {
	client, _ := fakeAgent(t, http.StatusBadGateway)
	st := store.NewMockStore()
	streams := newRecordingStreams()
	relay := NewRelay(st, client, streams, nil, nil)

	err := relay.Send(context.Background(), httptest.NewRecorder(), sendRequest("Hi"))
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)

	ids, _ := st.GetStreamIDsByChatID(context.Background(), testChatID)
	require.Len(t, ids, 1)
	assert.True(t, streams.closed[ids[0]])
	assert.Empty(t, streams.joined(ids[0]))
}

func TestSend_FinishedStreamIsNotLive(t *testing.T) {
	client, _ := fakeAgent(t, http.StatusOK, `{"type":"item","content":"Hello"}`)
	st := store.NewMockStore()
	streams := resumable.NewMemoryContext(time.Minute, nil)
	t.Cleanup(func() { streams.Close() })
	relay := NewRelay(st, client, streams, nil, nil)

	require.NoError(t, relay.Send(context.Background(), httptest.NewRecorder(), sendRequest("Hi")))

	ids, _ := st.GetStreamIDsByChatID(context.Background(), testChatID)
	require.Len(t, ids, 1)
	_, live, err := streams.Resume(context.Background(), ids[0], 0)
	require.NoError(t, err)
	assert.False(t, live)
}

// brokenWriter fails every write, like a client that went away
type brokenWriter struct {
	header  http.Header
	status  int
	onWrite func()
}

func (b *brokenWriter) Header() http.Header {
	if b.header == nil {
		b.header = http.Header{}
	}
	return b.header
}
func (b *brokenWriter) Write([]byte) (int, error) {
	if b.onWrite != nil {
		b.onWrite()
	}
	return 0, errors.New("broken pipe")
}
func (b *brokenWriter) WriteHeader(status int) { b.status = status }
func (b *brokenWriter) Flush()                 {}

func TestSend_ContinuesAfterClientLeaves(t *testing.T) {
	client, _ := fakeAgent(t, http.StatusOK,
		`{"type":"item","content":"Hel"}`,
		`{"type":"item","content":"lo"}`,
	)
	st := store.NewMockStore()
	streams := resumable.NewMemoryContext(time.Minute, nil)
	t.Cleanup(func() { streams.Close() })
	relay := NewRelay(st, client, streams, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := &brokenWriter{onWrite: cancel}
	require.NoError(t, relay.Send(ctx, w, sendRequest("Hi")))
	assert.Equal(t, http.StatusOK, w.status)

	msgs, _ := st.GetMessagesByChatID(context.Background(), testChatID)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hello", msgs[1].Text())
}

func TestSend_StopsWhenClientLeavesWithoutResumption(t *testing.T) {
	client, _ := fakeAgent(t, http.StatusOK,
		`{"type":"item","content":"Hel"}`,
		`{"type":"item","content":"lo"}`,
	)
	st := store.NewMockStore()
	relay := NewRelay(st, client, nil, nil, nil)

	require.NoError(t, relay.Send(context.Background(), &brokenWriter{}, sendRequest("Hi")))

	msgs, _ := st.GetMessagesByChatID(context.Background(), testChatID)
	assert.Len(t, msgs, 1)
}

func TestChatTitle(t *testing.T) {
	assert.Equal(t, "short question", chatTitle("  short \n question "))
	long := strings.Repeat("é", 100)
	assert.Equal(t, strings.Repeat("é", titleMaxRunes), chatTitle(long))
}

func newTestID(n int) string {
	return fmt.Sprintf("00000000-0000-4000-8000-%012d", n)
}
