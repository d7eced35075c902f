// ABOUTME: Resumable stream context interface shared by the memory and Redis backends
// ABOUTME: A publisher records SSE frames per stream; readers replay them and follow the live tail

package resumable

import (
	"context"
	"errors"
)

// Errors
var (
	ErrStreamExists = errors.New("stream already exists")
	ErrStreamClosed = errors.New("stream closed")
)

// subscriberBufferSize is the frame buffer for each reader.
const subscriberBufferSize = 64

// Context keeps the frames of in-flight generations so a reconnecting
// client can reattach. A nil Context means resumption is disabled.
type Context interface {
	// Create registers a new live stream and returns its publisher.
	Create(ctx context.Context, streamID string) (Publisher, error)

	// Resume attaches to a live stream. Frames already written are replayed,
	// skipping the first skip frames, followed by the live tail; the channel
	// closes when the stream finishes or ctx is cancelled. live is false, and
	// the channel nil, when the stream is unknown or already finished.
	Resume(ctx context.Context, streamID string, skip int) (frames <-chan []byte, live bool, err error)

	// Close releases backend resources.
	Close() error
}

// Publisher appends frames to one live stream
type Publisher interface {
	// Write appends one encoded frame.
	Write(ctx context.Context, frame []byte) error

	// Close marks the stream finished. Readers drain and stop.
	Close(ctx context.Context) error
}
