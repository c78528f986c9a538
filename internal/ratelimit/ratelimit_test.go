package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeCounter is an in-memory fixed-window counter.
type fakeCounter struct {
	counts map[string]int64
	err    error
	window time.Duration
}

func (f *fakeCounter) IncrWithExpiry(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	if f.err != nil {
		return 0, 0, f.err
	}
	if f.counts == nil {
		f.counts = make(map[string]int64)
	}
	f.counts[key]++
	f.window = window
	return f.counts[key], window, nil
}

func newTestLimiter(kv counter, max int64) *Limiter {
	return &Limiter{
		kv:     kv,
		window: time.Hour,
		max:    max,
		logger: slog.New(slog.DiscardHandler),
	}
}

func TestCheckCountsDown(t *testing.T) {
	l := newTestLimiter(&fakeCounter{}, 3)
	ctx := context.Background()

	status := l.Check(ctx, "alice")
	assert.True(t, status.Allowed)
	assert.Equal(t, int64(2), status.Remaining)

	assert.Equal(t, int64(1), l.Check(ctx, "alice").Remaining)

	status = l.Check(ctx, "alice")
	assert.True(t, status.Allowed, "the last slot in the window is still allowed")
	assert.Equal(t, int64(0), status.Remaining)

	status = l.Check(ctx, "alice")
	assert.False(t, status.Allowed, "over the cap is rejected")
	assert.Equal(t, int64(0), status.Remaining)
}

func TestCheckPerAccount(t *testing.T) {
	l := newTestLimiter(&fakeCounter{}, 2)
	ctx := context.Background()

	l.Check(ctx, "alice")
	l.Check(ctx, "alice")
	assert.Equal(t, int64(1), l.Check(ctx, "bob").Remaining, "accounts have independent windows")
}

func TestCheckBypassOnKVFailure(t *testing.T) {
	l := newTestLimiter(&fakeCounter{err: errors.New("connection refused")}, 5)

	status := l.Check(context.Background(), "alice")
	assert.True(t, status.Allowed, "KV outage bypasses the limiter")
	assert.Equal(t, int64(5), status.Remaining)
}

func TestCheckResetWithinWindow(t *testing.T) {
	l := newTestLimiter(&fakeCounter{}, 5)

	before := time.Now()
	status := l.Check(context.Background(), "alice")
	assert.WithinRange(t, status.Reset, before, before.Add(time.Hour+time.Minute))
}
