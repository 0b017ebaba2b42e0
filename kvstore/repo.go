// Package kvstore is the local persistent key-value capability the client keeps its credential in.
package kvstore

import "context"

// Store defines string key-value storage. Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value for key and whether it was present
	Get(ctx context.Context, key string) (string, bool, error)

	// Set creates or overwrites the values for every key in values
	Set(ctx context.Context, values map[string]string) error

	// Delete removes keys, ignoring keys that are not present
	Delete(ctx context.Context, keys ...string) error
}
