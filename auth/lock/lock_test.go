package lock

import (
	"context"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestMemoryLock(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	l := NewMemoryLock(clock)

	handle, err := l.TryAcquire(ctx, "refresh", 10*time.Second)
	require.NoError(t, err)
	require.Equal(t, "refresh", handle.Key)

	// A second acquisition of the same key is busy.
	_, err = l.TryAcquire(ctx, "refresh", 10*time.Second)
	require.True(t, IsBusy(err))

	// A different key is independent.
	other, err := l.TryAcquire(ctx, "other", 10*time.Second)
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, other))

	require.NoError(t, l.Release(ctx, handle))
	_, err = l.TryAcquire(ctx, "refresh", 10*time.Second)
	require.NoError(t, err)
}

func TestMemoryLockTTL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	l := NewMemoryLock(clock)

	stale, err := l.TryAcquire(ctx, "refresh", 10*time.Second)
	require.NoError(t, err)

	// Held until the TTL runs out.
	clock.Advance(9 * time.Second)
	_, err = l.TryAcquire(ctx, "refresh", 10*time.Second)
	require.True(t, IsBusy(err))

	// Free once the TTL is reached.
	clock.Advance(time.Second)
	fresh, err := l.TryAcquire(ctx, "refresh", 10*time.Second)
	require.NoError(t, err)

	// The original holder's release must not unlock the successor.
	require.NoError(t, l.Release(ctx, stale))
	_, err = l.TryAcquire(ctx, "refresh", 10*time.Second)
	require.True(t, IsBusy(err))

	require.NoError(t, l.Release(ctx, fresh))
}

func TestMemoryLockValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := NewMemoryLock(clockwork.NewFakeClock())

	_, err := l.TryAcquire(ctx, "", time.Second)
	require.True(t, trace.IsBadParameter(err))

	_, err = l.TryAcquire(ctx, "refresh", 0)
	require.True(t, trace.IsBadParameter(err))

	err = l.Release(ctx, nil)
	require.True(t, trace.IsBadParameter(err))
}
