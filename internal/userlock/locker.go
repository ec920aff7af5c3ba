package userlock

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var ErrLockNotAcquired = errors.New("user_lock_not_acquired")

// Locker serialises work on a key across callers.
type Locker interface {
	// Lock blocks until the key is held or ctx is done. The returned
	// function releases the lock and is safe to call more than once.
	Lock(ctx context.Context, key string) (func(), error)
}

// Key builds the lock key for one user at one provider.
func Key(providerID, userID string) string {
	return fmt.Sprintf("%s:%s", strings.ToLower(strings.TrimSpace(providerID)), strings.TrimSpace(userID))
}
