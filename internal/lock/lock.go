// Package lock provides per-thread exclusion so at most one chat turn is in
// flight for a conversation.
package lock

import (
	"context"
)

// Release ends a lease. Calling it more than once is harmless.
type Release func()

// Locker hands out non-blocking leases keyed by thread identifier.
type Locker interface {
	// TryAcquire returns model.ErrTurnInProgress when key is already leased.
	TryAcquire(ctx context.Context, key string) (Release, error)
}
