package lock

import (
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

type memoryEntry struct {
	id        uint64
	expiresAt time.Time
}

// MemoryLock is a process-local Lock implementation. Expired entries are
// reaped lazily on the next acquisition attempt for their key.
type MemoryLock struct {
	clock clockwork.Clock

	mu      sync.Mutex
	nextID  uint64
	entries map[string]memoryEntry
}

// NewMemoryLock creates a lock provider using the given clock.
func NewMemoryLock(clock clockwork.Clock) *MemoryLock {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryLock{
		clock:   clock,
		entries: make(map[string]memoryEntry),
	}
}

// TryAcquire implements Lock.
func (l *MemoryLock) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Handle, error) {
	if key == "" {
		return nil, trace.BadParameter("lock key is empty")
	}
	if ttl <= 0 {
		return nil, trace.BadParameter("lock ttl must be positive")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if entry, ok := l.entries[key]; ok && entry.expiresAt.After(now) {
		return nil, trace.CompareFailed("lock %q is held", key)
	}

	l.nextID++
	l.entries[key] = memoryEntry{
		id:        l.nextID,
		expiresAt: now.Add(ttl),
	}
	return &Handle{Key: key, id: l.nextID}, nil
}

// Release implements Lock.
func (l *MemoryLock) Release(ctx context.Context, handle *Handle) error {
	if handle == nil {
		return trace.BadParameter("lock handle is nil")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[handle.Key]
	if !ok || entry.id != handle.id {
		// The TTL ran out and the lock moved on. Not an error for the
		// releaser: its critical section is over either way.
		return nil
	}
	delete(l.entries, handle.Key)
	return nil
}

var _ Lock = (*MemoryLock)(nil)
