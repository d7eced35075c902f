// ABOUTME: In-process resumable stream context for single-instance deployments
// ABOUTME: Keeps frames per stream in memory, wakes readers on write, and expires old streams in the background

package resumable

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryStream is the state of one stream. Guarded by MemoryContext.mu.
type memoryStream struct {
	frames    [][]byte
	done      bool
	updatedAt time.Time
	wakers    map[string]chan struct{} // subID -> wake signal
}

// MemoryContext implements Context in process memory.
// Streams are dropped once they have been idle for longer than retention.
type MemoryContext struct {
	mu        sync.Mutex
	streams   map[string]*memoryStream
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time

	doneCh chan struct{}
	closed bool
}

// NewMemoryContext creates a MemoryContext. A background goroutine
// periodically removes expired streams. Pass nil logger for default.
func NewMemoryContext(retention time.Duration, logger *slog.Logger) *MemoryContext {
	if logger == nil {
		logger = slog.Default()
	}
	m := &MemoryContext{
		streams:   make(map[string]*memoryStream),
		retention: retention,
		logger:    logger.With("component", "resumable"),
		now:       time.Now,
		doneCh:    make(chan struct{}),
	}
	go m.cleanup()
	return m
}

// Create registers a new live stream.
func (m *MemoryContext) Create(ctx context.Context, streamID string) (Publisher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrStreamClosed
	}
	if _, exists := m.streams[streamID]; exists {
		return nil, ErrStreamExists
	}

	m.streams[streamID] = &memoryStream{
		updatedAt: m.now(),
		wakers:    make(map[string]chan struct{}),
	}
	m.logger.Debug("stream created", "stream_id", streamID)
	return &memoryPublisher{m: m, streamID: streamID}, nil
}

// Resume attaches to a live stream.
func (m *MemoryContext) Resume(ctx context.Context, streamID string, skip int) (<-chan []byte, bool, error) {
	m.mu.Lock()
	s, ok := m.streams[streamID]
	if !ok || s.done {
		m.mu.Unlock()
		return nil, false, nil
	}

	subID := uuid.New().String()
	wake := make(chan struct{}, 1)
	s.wakers[subID] = wake
	m.mu.Unlock()

	m.logger.Debug("reader attached", "stream_id", streamID, "sub_id", subID, "skip", skip)

	out := make(chan []byte, subscriberBufferSize)
	go m.follow(ctx, streamID, subID, skip, wake, out)
	return out, true, nil
}

// follow copies frames to out from cursor onward until the stream ends
func (m *MemoryContext) follow(ctx context.Context, streamID, subID string, cursor int, wake <-chan struct{}, out chan<- []byte) {
	defer close(out)
	defer m.detach(streamID, subID)

	if cursor < 0 {
		cursor = 0
	}

	for {
		m.mu.Lock()
		s, ok := m.streams[streamID]
		if !ok {
			m.mu.Unlock()
			return
		}
		var batch [][]byte
		if cursor < len(s.frames) {
			batch = s.frames[cursor:]
		}
		done := s.done
		m.mu.Unlock()

		for _, frame := range batch {
			select {
			case out <- frame:
				cursor++
			case <-ctx.Done():
				return
			}
		}

		if done && len(batch) == 0 {
			return
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-wake:
		case <-ctx.Done():
			return
		}
	}
}

// detach removes a reader's wake signal
func (m *MemoryContext) detach(streamID, subID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.streams[streamID]; ok {
		delete(s.wakers, subID)
	}
	m.logger.Debug("reader detached", "stream_id", streamID, "sub_id", subID)
}

// notifyLocked wakes every reader of s without blocking. Must be called with mu held.
func notifyLocked(s *memoryStream) {
	for _, wake := range s.wakers {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}

// cleanup runs in a background goroutine, periodically removing expired streams.
func (m *MemoryContext) cleanup() {
	interval := m.retention / 2
	if interval <= 0 || interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runCleanup()
		case <-m.doneCh:
			return
		}
	}
}

// runCleanup removes streams idle for longer than retention.
// Readers of a removed stream stop on their next wake.
func (m *MemoryContext) runCleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for id, s := range m.streams {
		if now.Sub(s.updatedAt) > m.retention {
			delete(m.streams, id)
			notifyLocked(s)
			m.logger.Debug("stream expired", "stream_id", id, "done", s.done)
		}
	}
}

// Close stops the background cleanup goroutine and ends all readers.
// It is safe to call multiple times.
func (m *MemoryContext) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	close(m.doneCh)

	for id, s := range m.streams {
		delete(m.streams, id)
		notifyLocked(s)
	}
	return nil
}

// memoryPublisher writes to one MemoryContext stream
type memoryPublisher struct {
	m        *MemoryContext
	streamID string
}

func (p *memoryPublisher) Write(ctx context.Context, frame []byte) error {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()

	s, ok := p.m.streams[p.streamID]
	if !ok || s.done {
		return ErrStreamClosed
	}
	s.frames = append(s.frames, append([]byte(nil), frame...))
	s.updatedAt = p.m.now()
	notifyLocked(s)
	return nil
}

func (p *memoryPublisher) Close(ctx context.Context) error {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()

	s, ok := p.m.streams[p.streamID]
	if !ok || s.done {
		return nil
	}
	s.done = true
	s.updatedAt = p.m.now()
	notifyLocked(s)
	p.m.logger.Debug("stream finished", "stream_id", p.streamID, "frames", len(s.frames))
	return nil
}
