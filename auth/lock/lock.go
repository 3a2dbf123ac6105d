// Package lock provides the short-lived mutual-exclusion primitive guarding
// token refresh. The interface is backend-agnostic: any store with atomic
// compare-and-set semantics (Redis, etcd, a database row) can satisfy it,
// and the in-process implementation covers single-instance deployments.
package lock

import (
	"context"
	"time"

	"github.com/gravitational/trace"
)

// Handle identifies a held lock. The id acts as a fencing token: a release
// with a stale handle does not unlock a successor's acquisition.
type Handle struct {
	Key string
	id  uint64
}

// Lock is a mutual-exclusion primitive with a TTL backstop. TryAcquire does
// not block: it either returns a handle or a busy error immediately. The TTL
// guarantees a crashed holder cannot keep the lock forever.
type Lock interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Handle, error)
	Release(ctx context.Context, handle *Handle) error
}

// IsBusy reports whether the error means the lock is held by someone else.
func IsBusy(err error) bool {
	return trace.IsCompareFailed(err)
}
