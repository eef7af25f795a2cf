// Package expand resolves revisions in the background so neighbours of a
// requested changeset are cached before anyone asks for them.
package expand

import (
	"context"
	"log/slog"
	"sync"

	"github.com/onexay/revcache/internal/types"
)

// Resolver is what the worker calls for each queued revision.
type Resolver interface {
	Resolve(ctx context.Context, partial types.Revision, locale string) (types.Revision, error)
}

// Queue is an unbounded FIFO drained by a single worker.
type Queue struct {
	mu    sync.Mutex
	items []types.Revision
	wake  chan struct{}
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

// Enqueue appends revisions without blocking.
func (q *Queue) Enqueue(revs ...types.Revision) {
	if len(revs) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, revs...)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len reports the number of queued revisions.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) pop() (types.Revision, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return types.Revision{}, false
	}
	next := q.items[0]
	q.items[0] = types.Revision{}
	q.items = q.items[1:]
	return next, true
}

// Run resolves queued revisions one at a time until ctx is cancelled. A
// failing item is logged and dropped.
func (q *Queue) Run(ctx context.Context, resolver Resolver) {
	for {
		rev, ok := q.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}
		if ctx.Err() != nil {
			return
		}
		if _, err := resolver.Resolve(ctx, rev, ""); err != nil {
			slog.Warn("background resolution failed",
				"changeset", rev.Changeset.ID,
				"branch", rev.Branch.Name,
				"locale", rev.Branch.Locale,
				"error", err)
			continue
		}
		slog.Debug("background resolution done", "changeset", rev.Changeset.ID, "branch", rev.Branch.Name)
	}
}
