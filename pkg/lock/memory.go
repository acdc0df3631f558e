package lock

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryCoordinator is an in-process Coordinator used when no coordination
// servers are configured and throughout the tests.
type MemoryCoordinator struct {
	mu       sync.Mutex
	nodes    map[string]bool
	dirs     map[string]bool
	seq      map[string]int64
	watchers map[string][]chan struct{}
	closed   bool
}

// NewMemoryCoordinator creates an empty in-memory coordinator.
func NewMemoryCoordinator() *MemoryCoordinator {
	return &MemoryCoordinator{
		nodes:    make(map[string]bool),
		dirs:     make(map[string]bool),
		seq:      make(map[string]int64),
		watchers: make(map[string][]chan struct{}),
	}
}

func (c *MemoryCoordinator) EnsurePath(_ context.Context, dir string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrSessionLost
	}
	c.dirs[dir] = true
	return nil
}

func (c *MemoryCoordinator) CreateSequential(_ context.Context, dir, prefix string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", ErrSessionLost
	}
	if !c.dirs[dir] {
		return "", fmt.Errorf("directory %q does not exist", dir)
	}
	next := c.seq[dir]
	c.seq[dir] = next + 1
	path := fmt.Sprintf("%s/%s%010d", dir, prefix, next)
	c.nodes[path] = true
	return path, nil
}

func (c *MemoryCoordinator) Children(_ context.Context, dir string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrSessionLost
	}
	prefix := dir + "/"
	var out []string
	for path := range c.nodes {
		if strings.HasPrefix(path, prefix) && !strings.Contains(path[len(prefix):], "/") {
			out = append(out, path[len(prefix):])
		}
	}
	sort.Strings(out)
	return out, nil
}

func (c *MemoryCoordinator) ExistsWatch(_ context.Context, path string) (bool, <-chan struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, nil, ErrSessionLost
	}
	ch := make(chan struct{}, 1)
	if !c.nodes[path] {
		ch <- struct{}{}
		return false, ch, nil
	}
	c.watchers[path] = append(c.watchers[path], ch)
	return true, ch, nil
}

func (c *MemoryCoordinator) Delete(_ context.Context, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.nodes[path] {
		return nil
	}
	delete(c.nodes, path)
	for _, ch := range c.watchers[path] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	delete(c.watchers, path)
	return nil
}

func (c *MemoryCoordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for path, chans := range c.watchers {
		for _, ch := range chans {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
		delete(c.watchers, path)
	}
	c.nodes = make(map[string]bool)
	return nil
}
