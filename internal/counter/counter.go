// Package counter implements the device-scoped demo message counter.
package counter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/holyanswers/holyanswers/internal/kv"
)

// KeyPrefix is the well-known key under which a device's count is stored.
const KeyPrefix = "demo_message_count:"

// Counter tracks exchanged demo messages per device, capped at Max.
type Counter struct {
	store kv.Store
	max   int
	mu    sync.Mutex // serializes read-modify-write per process
}

// New creates a counter persisted through store.
func New(store kv.Store, max int) *Counter {
	return &Counter{store: store, max: max}
}

// Max returns the configured cap.
func (c *Counter) Max() int {
	return c.max
}

// Get returns the current count for deviceID. Missing or corrupt values read as zero.
func (c *Counter) Get(ctx context.Context, deviceID string) (int, error) {
	raw, err := c.store.Get(ctx, KeyPrefix+deviceID)
	if errors.Is(err, kv.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read demo counter: %w", err)
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, nil
	}
	return n, nil
}

// Increment adds n to the device's count, clamped at Max, and returns the new value.
func (c *Counter) Increment(ctx context.Context, deviceID string, n int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, err := c.Get(ctx, deviceID)
	if err != nil {
		return 0, err
	}
	next := min(cur+n, c.max)
	if next < 0 {
		next = 0
	}
	if err := c.store.Set(ctx, KeyPrefix+deviceID, strconv.Itoa(next)); err != nil {
		return cur, fmt.Errorf("write demo counter: %w", err)
	}
	return next, nil
}

// Reset clears the device's count.
func (c *Counter) Reset(ctx context.Context, deviceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.Delete(ctx, KeyPrefix+deviceID); err != nil {
		return fmt.Errorf("reset demo counter: %w", err)
	}
	return nil
}

// Remaining returns how many more messages the device may exchange.
func (c *Counter) Remaining(ctx context.Context, deviceID string) (int, error) {
	n, err := c.Get(ctx, deviceID)
	if err != nil {
		return 0, err
	}
	return max(c.max-n, 0), nil
}

// Reached reports whether the device has hit the cap.
func (c *Counter) Reached(ctx context.Context, deviceID string) (bool, error) {
	n, err := c.Get(ctx, deviceID)
	if err != nil {
		return false, err
	}
	return n >= c.max, nil
}
