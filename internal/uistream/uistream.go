// ABOUTME: UI message stream protocol parts and SSE framing
// ABOUTME: Builds the start/text/finish lifecycle and data-appendMessage parts consumed by the chat frontend

package uistream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Protocol header announcing the stream format to the client
const (
	HeaderName    = "x-vercel-ai-ui-message-stream"
	HeaderVersion = "v1"
)

// Part types
const (
	TypeStart         = "start"
	TypeStartStep     = "start-step"
	TypeTextStart     = "text-start"
	TypeTextDelta     = "text-delta"
	TypeTextEnd       = "text-end"
	TypeFinishStep    = "finish-step"
	TypeFinish        = "finish"
	TypeAppendMessage = "data-appendMessage"
)

// DefaultTextID identifies the single text block of an assistant reply
const DefaultTextID = "text-1"

// doneMarker terminates a stream
const doneMarker = "[DONE]"

// ErrNotFlushable is returned when the response writer can't stream
var ErrNotFlushable = errors.New("streaming not supported")

// Part is one element of the UI message stream
type Part struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	Delta     string `json:"delta,omitempty"`
	Data      string `json:"data,omitempty"`
	Transient bool   `json:"transient,omitempty"`
}

// Start opens a message
func Start() Part { return Part{Type: TypeStart} }

// StartStep opens a step
func StartStep() Part { return Part{Type: TypeStartStep} }

// TextStart opens a text block
func TextStart(id string) Part { return Part{Type: TypeTextStart, ID: id} }

// TextDelta appends text to an open block
func TextDelta(id, delta string) Part { return Part{Type: TypeTextDelta, ID: id, Delta: delta} }

// TextEnd closes a text block
func TextEnd(id string) Part { return Part{Type: TypeTextEnd, ID: id} }

// FinishStep closes a step
func FinishStep() Part { return Part{Type: TypeFinishStep} }

// Finish closes a message
func Finish() Part { return Part{Type: TypeFinish} }

// AppendMessage carries a complete stored message, JSON encoded as a string.
// It is transient: clients apply it but do not keep it in message history.
func AppendMessage(messageJSON string) Part {
	return Part{Type: TypeAppendMessage, Data: messageJSON, Transient: true}
}

// Opening returns the parts that precede the first text delta
func Opening(textID string) []Part {
	return []Part{Start(), StartStep(), TextStart(textID)}
}

// Closing returns the parts that follow the last text delta
func Closing(textID string) []Part {
	return []Part{TextEnd(textID), FinishStep(), Finish()}
}

// Frame encodes a part as one SSE data frame
func Frame(p Part) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding %s part: %w", p.Type, err)
	}
	var buf bytes.Buffer
	buf.Grow(len(data) + 8)
	buf.WriteString("data: ")
	buf.Write(data)
	buf.WriteString("\n\n")
	return buf.Bytes(), nil
}

// DoneFrame returns the terminal frame
func DoneFrame() []byte {
	return []byte("data: " + doneMarker + "\n\n")
}

// SetHeaders prepares a response for streaming
func SetHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set(HeaderName, HeaderVersion)
}

// Writer writes frames to an HTTP response, flushing each one
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
	opened  bool
}

// NewWriter wraps w. It fails if w can't be flushed.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrNotFlushable
	}
	return &Writer{w: w, flusher: flusher}, nil
}

// Open writes the streaming headers and a 200 status. Later calls are no-ops.
func (sw *Writer) Open() {
	if sw.opened {
		return
	}
	sw.opened = true
	SetHeaders(sw.w.Header())
	sw.w.WriteHeader(http.StatusOK)
	sw.flusher.Flush()
}

// Opened reports whether headers have been sent
func (sw *Writer) Opened() bool {
	return sw.opened
}

// WriteFrame writes an encoded frame and flushes it, opening the stream if needed
func (sw *Writer) WriteFrame(frame []byte) error {
	sw.Open()
	if _, err := sw.w.Write(frame); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// Decode reads frames from r until end of input.
// It returns the decoded parts and whether the [DONE] marker was seen.
func Decode(r io.Reader) ([]Part, bool, error) {
	var parts []Part
	done := false

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == doneMarker {
			done = true
			continue
		}
		var p Part
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return parts, done, fmt.Errorf("decoding frame: %w", err)
		}
		parts = append(parts, p)
	}
	return parts, done, scanner.Err()
}
