package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, _ := newTestClientClock(t)
	return c
}

// newTestClientClock also starts a pump that advances miniredis' fake clock,
// so BLPOP timeouts actually expire during the test.
func newTestClientClock(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := NewFromAddr(mr.Addr())
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				mr.FastForward(200 * time.Millisecond)
			}
		}
	}()
	t.Cleanup(func() {
		close(done)
		_ = c.Close()
	})
	return c, mr
}

func TestPushPop_FIFO(t *testing.T) {
	// GIVEN three payloads pushed in order
	c := newTestClient(t)
	ctx := context.Background()
	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, c.Push(ctx, "articles", []byte(p)))
	}

	// WHEN popping three times
	var got []string
	for i := 0; i < 3; i++ {
		payload, err := c.Pop(ctx, "articles", 100*time.Millisecond)
		require.NoError(t, err)
		got = append(got, string(payload))
	}

	// THEN broker order is preserved
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestPop_EmptyQueue_ReturnsErrEmpty(t *testing.T) {
	c := newTestClient(t)

	_, err := c.Pop(context.Background(), "articles", 50*time.Millisecond)

	assert.ErrorIs(t, err, ErrEmpty)
}

func TestLen(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, c.Push(ctx, "articles", []byte("x")))
	require.NoError(t, c.Push(ctx, "articles", []byte("y")))

	n, err := c.Len(ctx, "articles")

	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestPing(t *testing.T) {
	c := newTestClient(t)
	assert.NoError(t, c.Ping(context.Background()))
}
