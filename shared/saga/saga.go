package saga

import "context"

// This file contains shared saga interfaces for the choreography pattern.
// Each saga instance is addressed by a correlation key and its state is only
// touched while holding that key's lock.

// Locker serializes work per correlation key
type Locker interface {
	// Lock blocks until the key is free or ctx is done. The returned func releases the key.
	Lock(ctx context.Context, key string) (func(), error)
}
