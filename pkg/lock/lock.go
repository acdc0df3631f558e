package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrTimeout is returned when the lock was not acquired within the
	// caller's budget. The queue entry is removed before returning.
	ErrTimeout = errors.New("lock acquisition timed out")
	// ErrSessionLost is returned when our own queue entry disappeared,
	// meaning the coordination session expired underneath us.
	ErrSessionLost = errors.New("coordination session lost")
)

// Handle is a held lock. Release removes the queue entry.
type Handle struct {
	coord Coordinator
	path  string
}

// Path returns the queue node backing the held lock.
func (h *Handle) Path() string { return h.path }

// Release gives the lock up.
func (h *Handle) Release(ctx context.Context) error {
	return h.coord.Delete(ctx, h.path)
}

// Queue is a named set of fair locks rooted at one coordination directory.
// Waiters line up as sequential nodes; a waiter holds the lock once no
// earlier node with a conflicting label remains.
type Queue struct {
	coord Coordinator
	root  string
}

// NewQueue creates a lock queue rooted at root, e.g. "/buildhooks/locks".
func NewQueue(coord Coordinator, root string) *Queue {
	root = strings.TrimRight(root, "/")
	if root == "" {
		root = "/locks"
	}
	return &Queue{coord: coord, root: root}
}

// Acquire joins the queue for the named lock with the given label and waits
// until every earlier conflicting entry is gone. With an empty blockedBy
// every earlier entry conflicts; otherwise only entries whose label is in
// blockedBy do, so e.g. readers can pass queued readers but not writers.
//
// A zero timeout fails fast with ErrTimeout when the lock is contended; a
// negative timeout waits without bound, limited only by the context. On
// timeout or context cancellation the queue entry is removed before
// returning.
func (q *Queue) Acquire(ctx context.Context, name, label string, timeout time.Duration, blockedBy ...string) (*Handle, error) {
	if name == "" || label == "" {
		return nil, errors.New("lock name and label are required")
	}
	dir := q.root + "/" + name
	if err := q.coord.EnsurePath(ctx, dir); err != nil {
		return nil, err
	}
	own, err := q.coord.CreateSequential(ctx, dir, label+"-")
	if err != nil {
		return nil, err
	}
	ownName := own[strings.LastIndex(own, "/")+1:]
	ownSeq, _, err := parseNode(ownName)
	if err != nil {
		_ = q.coord.Delete(ctx, own)
		return nil, err
	}

	// A nil deadline channel blocks forever, which is exactly the
	// negative-timeout case.
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		children, err := q.coord.Children(ctx, dir)
		if err != nil {
			_ = q.coord.Delete(ctx, own)
			return nil, err
		}

		if !contains(children, ownName) {
			return nil, ErrSessionLost
		}
		blocker, found := newestBlocker(children, ownName, ownSeq, blockedBy)
		if !found {
			return &Handle{coord: q.coord, path: own}, nil
		}
		if timeout == 0 {
			_ = q.coord.Delete(ctx, own)
			return nil, ErrTimeout
		}

		exists, watch, err := q.coord.ExistsWatch(ctx, dir+"/"+blocker)
		if err != nil {
			_ = q.coord.Delete(ctx, own)
			return nil, err
		}
		if !exists {
			continue
		}
		select {
		case <-watch:
		case <-deadline:
			_ = q.coord.Delete(ctx, own)
			return nil, ErrTimeout
		case <-ctx.Done():
			_ = q.coord.Delete(ctx, own)
			return nil, ctx.Err()
		}
	}
}

// newestBlocker finds the highest-sequence entry before ownSeq whose label
// conflicts. Waiting on the newest blocker instead of all of them keeps the
// queue fair without a watch herd.
func newestBlocker(children []string, ownName string, ownSeq int64, blockedBy []string) (string, bool) {
	sort.Strings(children)
	var (
		blocker    string
		blockerSeq int64 = -1
	)
	for _, child := range children {
		if child == ownName {
			continue
		}
		seq, label, err := parseNode(child)
		if err != nil {
			continue // ignore foreign nodes
		}
		if seq >= ownSeq {
			continue
		}
		if len(blockedBy) > 0 && !contains(blockedBy, label) {
			continue
		}
		if seq > blockerSeq {
			blocker, blockerSeq = child, seq
		}
	}
	return blocker, blockerSeq >= 0
}

// parseNode splits "<label>-<sequence>" into its parts.
func parseNode(name string) (int64, string, error) {
	idx := strings.LastIndex(name, "-")
	if idx <= 0 || idx == len(name)-1 {
		return 0, "", fmt.Errorf("node %q is not a queue entry", name)
	}
	seq, err := strconv.ParseInt(name[idx+1:], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("node %q has no sequence: %w", name, err)
	}
	return seq, name[:idx], nil
}

func contains(list []string, want string) bool {
	for _, item := range list {
		if item == want {
			return true
		}
	}
	return false
}
