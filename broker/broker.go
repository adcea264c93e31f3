// Package broker is the gateway to the list-queue message broker. Queues are
// Redis lists: publish appends with RPUSH, consume blocks on BLPOP from the
// head, so each named queue is FIFO.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrEmpty is returned by Pop when the blocking wait times out with no entry
// available. Callers treat it as "try again", not a failure.
var ErrEmpty = errors.New("queue empty")

// Client wraps a Redis connection with the two list-queue primitives the
// event bus needs.
type Client struct {
	rdb *redis.Client
}

// New dials the broker at the given URL (redis:// scheme).
func New(url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Client{rdb: redis.NewClient(opts)}, nil
}

// NewFromAddr builds a client from a bare host:port address. Used by tests
// running against miniredis.
func NewFromAddr(addr string) *Client {
	return &Client{rdb: redis.NewClient(&redis.Options{Addr: addr})}
}

// Ping verifies broker reachability.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Push appends a payload to the tail of the named queue.
func (c *Client) Push(ctx context.Context, queue string, payload []byte) error {
	if err := c.rdb.RPush(ctx, queue, payload).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", queue, err)
	}
	return nil
}

// Pop removes and returns the head entry of the named queue, blocking up to
// timeout. Returns ErrEmpty when the wait expires with nothing to pop.
func (c *Client) Pop(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	res, err := c.rdb.BLPop(ctx, timeout, queue).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("blpop %s: %w", queue, err)
	}
	// BLPop returns [queue, value].
	if len(res) != 2 {
		return nil, fmt.Errorf("blpop %s: unexpected reply of %d elements", queue, len(res))
	}
	return []byte(res[1]), nil
}

// Len returns the current depth of the named queue.
func (c *Client) Len(ctx context.Context, queue string) (int64, error) {
	return c.rdb.LLen(ctx, queue).Result()
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}
