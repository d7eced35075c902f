// ABOUTME: Incremental NDJSON decoder for the agent webhook response body
// ABOUTME: Splits arbitrary chunks into lines, keeps partial lines, and decodes each into a tagged Event

package agent

import (
	"bytes"
	"encoding/json"
	"log/slog"
)

// EventKind tags a decoded agent event.
type EventKind int

const (
	// EventUnknown is any well-formed line this service does not act on.
	EventUnknown EventKind = iota
	// EventItem carries a piece of the reply text.
	EventItem
)

func (k EventKind) String() string {
	switch k {
	case EventItem:
		return "item"
	default:
		return "unknown"
	}
}

// Event is one decoded line of the agent stream
type Event struct {
	Kind    EventKind
	Type    string // raw "type" field
	Content string // set for EventItem
}

// wireEvent is the JSON shape of a line
type wireEvent struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// decodeLine turns one line into an Event.
// Items without string content decode as EventUnknown.
func decodeLine(line []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(line, &w); err != nil {
		return Event{}, err
	}

	switch w.Type {
	case "item":
		var content string
		if len(w.Content) == 0 || json.Unmarshal(w.Content, &content) != nil {
			return Event{Kind: EventUnknown, Type: w.Type}, nil
		}
		return Event{Kind: EventItem, Type: w.Type, Content: content}, nil
	default:
		return Event{Kind: EventUnknown, Type: w.Type}, nil
	}
}

// maxLineBytes bounds a single NDJSON line. Longer lines are dropped.
const maxLineBytes = 4 * 1024 * 1024

// Decoder converts a byte stream delivered in arbitrary chunks into events.
// Bytes after the last newline are held until the next Feed or Flush.
type Decoder struct {
	buf        []byte
	maxLine    int
	discarding bool // inside an oversized line, dropping until the next newline
	logger     *slog.Logger
}

// NewDecoder creates a Decoder. Malformed lines are reported to logger.
func NewDecoder(logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{maxLine: maxLineBytes, logger: logger}
}

// Feed appends a chunk and returns the events for every line it completed.
func (d *Decoder) Feed(chunk []byte) []Event {
	d.buf = append(d.buf, chunk...)

	var events []Event
	consumed := false
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := d.buf[:i]
		switch {
		case d.discarding:
			d.discarding = false
		case len(line) > d.maxLine:
			d.skipOversized(len(line))
		default:
			if ev, ok := d.decode(line); ok {
				events = append(events, ev)
			}
		}
		d.buf = d.buf[i+1:]
		consumed = true
	}

	switch {
	case d.discarding:
		d.buf = nil
	case len(d.buf) > d.maxLine:
		d.skipOversized(len(d.buf))
		d.buf = nil
		d.discarding = true
	case len(d.buf) == 0:
		d.buf = nil
	case consumed:
		d.buf = append([]byte(nil), d.buf...)
	}
	return events
}

// Flush decodes whatever partial line remains at end of input.
func (d *Decoder) Flush() []Event {
	line := d.buf
	d.buf = nil
	if d.discarding {
		d.discarding = false
		return nil
	}
	if ev, ok := d.decode(line); ok {
		return []Event{ev}
	}
	return nil
}

// Pending reports how many bytes are buffered waiting for a newline.
func (d *Decoder) Pending() int {
	return len(d.buf)
}

func (d *Decoder) skipOversized(n int) {
	d.logger.Warn("skipping oversized agent line", "bytes", n, "limit", d.maxLine)
}

func (d *Decoder) decode(line []byte) (Event, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Event{}, false
	}
	ev, err := decodeLine(line)
	if err != nil {
		d.logger.Warn("skipping malformed agent line", "error", err, "bytes", len(line))
		return Event{}, false
	}
	return ev, true
}
