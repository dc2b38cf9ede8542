// Package checkpoint persists the resume point of every connector instance:
// timestamps, cursors, offsets and a bounded set of recently forwarded ids.
//
// Access goes through Store.Update, a scoped acquire that reads the current
// context, hands a mutable copy to the callback and writes it back atomically
// only when the callback succeeds. A crash between an intake push and the
// write replays at most the last batch; it never skips one.
package checkpoint

import (
	"context"
)

// Store is a durable per-connector checkpoint.
type Store interface {
	// Load returns a copy of the current context. A missing checkpoint is an
	// empty context, not an error.
	Load(ctx context.Context) (*Context, error)
	// Update applies fn to the current context and persists the result if fn
	// returns nil. Concurrent updates are serialized.
	Update(ctx context.Context, fn func(*Context) error) error
	Close() error
}
