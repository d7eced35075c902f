// ABOUTME: Behaviour tests shared by every resumable Context backend
// ABOUTME: Covers replay, live tail, skip offsets, finished and unknown streams, and cancellation

package resumable

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collect reads frames until the channel closes or the timeout expires
func collect(t *testing.T, frames <-chan []byte, timeout time.Duration) []string {
	t.Helper()
	var got []string
	deadline := time.After(timeout)
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return got
			}
			got = append(got, string(f))
		case <-deadline:
			t.Fatalf("timed out after %d frames", len(got))
			return got
		}
	}
}

func writeFrames(t *testing.T, pub Publisher, from, to int) {
	t.Helper()
	for i := from; i < to; i++ {
		require.NoError(t, pub.Write(context.Background(), []byte(fmt.Sprintf("frame-%d", i))))
	}
}

func runContextTests(t *testing.T, newContext func(t *testing.T) Context) {
	t.Run("unknown stream is not live", func(t *testing.T) {
		rc := newContext(t)
		frames, live, err := rc.Resume(context.Background(), "missing", 0)
		require.NoError(t, err)
		assert.False(t, live)
		assert.Nil(t, frames)
	})

	t.Run("duplicate create", func(t *testing.T) {
		rc := newContext(t)
		_, err := rc.Create(context.Background(), "s1")
		require.NoError(t, err)
		_, err = rc.Create(context.Background(), "s1")
		assert.ErrorIs(t, err, ErrStreamExists)
	})

	t.Run("replays buffered frames then live tail", func(t *testing.T) {
		rc := newContext(t)
		ctx := context.Background()
		pub, err := rc.Create(ctx, "s1")
		require.NoError(t, err)

		writeFrames(t, pub, 0, 3)

		frames, live, err := rc.Resume(ctx, "s1", 0)
		require.NoError(t, err)
		require.True(t, live)

		writeFrames(t, pub, 3, 5)
		require.NoError(t, pub.Close(ctx))

		got := collect(t, frames, 5*time.Second)
		assert.Equal(t, []string{"frame-0", "frame-1", "frame-2", "frame-3", "frame-4"}, got)
	})

	t.Run("skip drops frames already seen", func(t *testing.T) {
		rc := newContext(t)
		ctx := context.Background()
		pub, err := rc.Create(ctx, "s1")
		require.NoError(t, err)
		writeFrames(t, pub, 0, 4)

		frames, live, err := rc.Resume(ctx, "s1", 3)
		require.NoError(t, err)
		require.True(t, live)
		require.NoError(t, pub.Close(ctx))

		assert.Equal(t, []string{"frame-3"}, collect(t, frames, 5*time.Second))
	})

	t.Run("two readers see the same frames", func(t *testing.T) {
		rc := newContext(t)
		ctx := context.Background()
		pub, err := rc.Create(ctx, "s1")
		require.NoError(t, err)
		writeFrames(t, pub, 0, 2)

		a, _, err := rc.Resume(ctx, "s1", 0)
		require.NoError(t, err)
		b, _, err := rc.Resume(ctx, "s1", 0)
		require.NoError(t, err)

		writeFrames(t, pub, 2, 3)
		require.NoError(t, pub.Close(ctx))

		want := []string{"frame-0", "frame-1", "frame-2"}
		assert.Equal(t, want, collect(t, a, 5*time.Second))
		assert.Equal(t, want, collect(t, b, 5*time.Second))
	})

	t.Run("finished stream is not live", func(t *testing.T) {
		rc := newContext(t)
		ctx := context.Background()
		pub, err := rc.Create(ctx, "s1")
		require.NoError(t, err)
		writeFrames(t, pub, 0, 1)
		require.NoError(t, pub.Close(ctx))

		_, live, err := rc.Resume(ctx, "s1", 0)
		require.NoError(t, err)
		assert.False(t, live)
	})

	t.Run("cancelling the reader closes its channel", func(t *testing.T) {
		rc := newContext(t)
		pub, err := rc.Create(context.Background(), "s1")
		require.NoError(t, err)
		writeFrames(t, pub, 0, 1)

		ctx, cancel := context.WithCancel(context.Background())
		frames, live, err := rc.Resume(ctx, "s1", 0)
		require.NoError(t, err)
		require.True(t, live)

		first := <-frames
		assert.Equal(t, "frame-0", string(first))

		cancel()
		collect(t, frames, 5*time.Second)
	})
}
