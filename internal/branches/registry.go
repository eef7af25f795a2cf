// Package branches keeps the set of known repositories and refreshes it from
// a Source when it goes stale.
package branches

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/onexay/revcache/internal/types"
)

// Source supplies the full set of branches.
type Source interface {
	ListBranches(ctx context.Context) ([]types.Branch, error)
}

// Options tune a Registry.
type Options struct {
	// OldAge is how long a loaded branch is trusted before a refresh.
	OldAge time.Duration
	Clock  func() time.Time
}

// Registry is an owned, refreshable branch table keyed by lower-cased
// (name, locale).
type Registry struct {
	source Source
	oldAge time.Duration
	clock  func() time.Time

	refreshMu sync.Mutex
	mu        sync.RWMutex
	branches  map[types.BranchKey]types.Branch
	loadedAt  time.Time
}

// NewRegistry loads the initial branch set from source.
func NewRegistry(ctx context.Context, source Source, opts Options) (*Registry, error) {
	if source == nil {
		return nil, errors.New("branch source is required")
	}
	r := &Registry{
		source:   source,
		oldAge:   opts.OldAge,
		clock:    opts.Clock,
		branches: make(map[types.BranchKey]types.Branch),
	}
	if r.clock == nil {
		r.clock = time.Now
	}
	if r.oldAge <= 0 {
		r.oldAge = 24 * time.Hour
	}
	if err := r.Refresh(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Refresh replaces the whole branch set with the source's current view.
func (r *Registry) Refresh(ctx context.Context) error {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	list, err := r.source.ListBranches(ctx)
	if err != nil {
		return fmt.Errorf("list branches: %w", err)
	}

	now := r.clock().UTC()
	next := make(map[types.BranchKey]types.Branch, len(list))
	for _, b := range list {
		nb, err := types.NewBranch(b.Name, b.Locale, b.URL)
		if err != nil {
			slog.Warn("skipping invalid branch", "name", b.Name, "locale", b.Locale, "error", err)
			continue
		}
		nb.RefreshedAt = b.RefreshedAt
		if nb.RefreshedAt.IsZero() {
			nb.RefreshedAt = now
		}
		next[nb.Key()] = nb
	}

	r.mu.Lock()
	r.branches = next
	r.loadedAt = now
	r.mu.Unlock()

	slog.Info("branch registry refreshed", "branches", len(next))
	return nil
}

// Get returns the branch stored under (name, locale).
func (r *Registry) Get(name, locale string) (types.Branch, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.branches[types.NewBranchKey(name, locale)]
	return b, ok
}

// Lookup finds (name, locale), falling back to (name, DefaultLocale).
func (r *Registry) Lookup(name, locale string) (types.Branch, bool) {
	if b, ok := r.Get(name, locale); ok {
		return b, true
	}
	if strings.EqualFold(locale, types.DefaultLocale) {
		return types.Branch{}, false
	}
	return r.Get(name, types.DefaultLocale)
}

// All returns every branch ordered by name then locale.
func (r *Registry) All() []types.Branch {
	r.mu.RLock()
	out := make([]types.Branch, 0, len(r.branches))
	for _, b := range r.branches {
		out = append(out, b)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b types.Branch) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.Locale, b.Locale)
	})
	return out
}

// IsStale reports whether b was loaded longer ago than the old-branch age.
func (r *Registry) IsStale(b types.Branch) bool {
	return r.clock().Sub(b.RefreshedAt) > r.oldAge
}

// RecordURL stores the last URL that worked for the branch.
func (r *Registry) RecordURL(key types.BranchKey, url string) {
	url = strings.TrimRight(url, "/")
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.branches[key]
	if !ok || b.URL == url {
		return
	}
	slog.Info("branch url updated", "branch", key.Name, "locale", key.Locale, "from", b.URL, "to", url)
	b.URL = url
	r.branches[key] = b
}

// LoadedAt is the time of the last successful refresh.
func (r *Registry) LoadedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loadedAt
}
