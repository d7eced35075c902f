// ABOUTME: Redis-backed resumable stream context for multi-instance deployments
// ABOUTME: Frames go to a per-stream list, state to a key, and readers are woken via pub/sub

package resumable

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	keyPrefix   = "resumable:"
	stateActive = "active"
	stateDone   = "done"
)

func stateKey(streamID string) string  { return keyPrefix + streamID + ":state" }
func eventsKey(streamID string) string { return keyPrefix + streamID + ":events" }
func notifyKey(streamID string) string { return keyPrefix + streamID + ":notify" }

// RedisContext implements Context on Redis
type RedisContext struct {
	client    *redis.Client
	retention time.Duration
	logger    *slog.Logger
}

// NewRedisContext connects to the Redis server at url (redis://...).
func NewRedisContext(ctx context.Context, url string, retention time.Duration, logger *slog.Logger) (*RedisContext, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return NewRedisContextWithClient(client, retention, logger), nil
}

// NewRedisContextWithClient wraps an existing client
func NewRedisContextWithClient(client *redis.Client, retention time.Duration, logger *slog.Logger) *RedisContext {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisContext{
		client:    client,
		retention: retention,
		logger:    logger.With("component", "resumable", "backend", "redis"),
	}
}

// Create registers a new live stream.
func (r *RedisContext) Create(ctx context.Context, streamID string) (Publisher, error) {
	ok, err := r.client.SetNX(ctx, stateKey(streamID), stateActive, r.retention).Result()
	if err != nil {
		return nil, fmt.Errorf("creating stream: %w", err)
	}
	if !ok {
		return nil, ErrStreamExists
	}

	r.logger.Debug("stream created", "stream_id", streamID)
	return &redisPublisher{r: r, streamID: streamID}, nil
}

// state returns the stream state, or "" when the stream is unknown
func (r *RedisContext) state(ctx context.Context, streamID string) (string, error) {
	state, err := r.client.Get(ctx, stateKey(streamID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading stream state: %w", err)
	}
	return state, nil
}

// Resume attaches to a live stream.
// The reader subscribes before reading the list so no write is missed.
func (r *RedisContext) Resume(ctx context.Context, streamID string, skip int) (<-chan []byte, bool, error) {
	state, err := r.state(ctx, streamID)
	if err != nil {
		return nil, false, err
	}
	if state != stateActive {
		return nil, false, nil
	}

	pubsub := r.client.Subscribe(ctx, notifyKey(streamID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, false, fmt.Errorf("subscribing to stream: %w", err)
	}

	if skip < 0 {
		skip = 0
	}

	out := make(chan []byte, subscriberBufferSize)
	go r.follow(ctx, streamID, int64(skip), pubsub, out)
	return out, true, nil
}

// follow copies frames to out from cursor onward until the stream ends
func (r *RedisContext) follow(ctx context.Context, streamID string, cursor int64, pubsub *redis.PubSub, out chan<- []byte) {
	defer close(out)
	defer pubsub.Close()

	wake := pubsub.Channel()

	for {
		n, err := r.drain(ctx, streamID, cursor, out)
		cursor += n
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Error("reading stream frames", "stream_id", streamID, "error", err)
			}
			return
		}

		state, err := r.state(ctx, streamID)
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Error("reading stream state", "stream_id", streamID, "error", err)
			}
			return
		}
		if state != stateActive {
			// Frames are written before the state flips, so one last read completes the stream
			if _, err := r.drain(ctx, streamID, cursor, out); err != nil && ctx.Err() == nil {
				r.logger.Error("reading stream frames", "stream_id", streamID, "error", err)
			}
			return
		}

		select {
		case _, ok := <-wake:
			if !ok {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// drain sends every frame from cursor to the end of the list
func (r *RedisContext) drain(ctx context.Context, streamID string, cursor int64, out chan<- []byte) (int64, error) {
	frames, err := r.client.LRange(ctx, eventsKey(streamID), cursor, -1).Result()
	if err != nil {
		return 0, err
	}

	var sent int64
	for _, frame := range frames {
		select {
		case out <- []byte(frame):
			sent++
		case <-ctx.Done():
			return sent, ctx.Err()
		}
	}
	return sent, nil
}

// Close closes the Redis client
func (r *RedisContext) Close() error {
	return r.client.Close()
}

// redisPublisher writes to one Redis stream
type redisPublisher struct {
	r        *RedisContext
	streamID string
}

func (p *redisPublisher) Write(ctx context.Context, frame []byte) error {
	r := p.r
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, eventsKey(p.streamID), frame)
		pipe.Expire(ctx, eventsKey(p.streamID), r.retention)
		pipe.Expire(ctx, stateKey(p.streamID), r.retention)
		pipe.Publish(ctx, notifyKey(p.streamID), "frame")
		return nil
	})
	if err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

func (p *redisPublisher) Close(ctx context.Context) error {
	r := p.r
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, stateKey(p.streamID), stateDone, r.retention)
		pipe.Publish(ctx, notifyKey(p.streamID), stateDone)
		return nil
	})
	if err != nil {
		return fmt.Errorf("closing stream: %w", err)
	}
	r.logger.Debug("stream finished", "stream_id", p.streamID)
	return nil
}
