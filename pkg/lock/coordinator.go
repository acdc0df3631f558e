// Package lock provides a fair, queue-based distributed lock on top of a
// coordination service with sequential ephemeral nodes.
package lock

import "context"

// Coordinator is the small slice of a coordination service the lock needs:
// sequential ephemeral nodes under a directory, listing, existence watches
// and deletes. Nodes vanish when the owning session dies.
type Coordinator interface {
	// EnsurePath creates the directory path, parents included.
	EnsurePath(ctx context.Context, dir string) error
	// CreateSequential creates an ephemeral sequential node under dir with
	// the given name prefix and returns the full node path.
	CreateSequential(ctx context.Context, dir, prefix string) (string, error)
	// Children lists the node names under dir.
	Children(ctx context.Context, dir string) ([]string, error)
	// ExistsWatch reports whether the node exists and returns a channel
	// that receives one value when the node changes or goes away.
	ExistsWatch(ctx context.Context, path string) (bool, <-chan struct{}, error)
	// Delete removes a node. Deleting a missing node is not an error.
	Delete(ctx context.Context, path string) error
	// Close releases the session, dropping all ephemeral nodes.
	Close() error
}
