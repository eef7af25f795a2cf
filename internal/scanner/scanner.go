// Package scanner finds which known branches contain a changeset by probing
// every repository in parallel.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/onexay/revcache/internal/hg"
	"github.com/onexay/revcache/internal/memo"
	"github.com/onexay/revcache/internal/types"
)

// DefaultWorkers is the probe pool size.
const DefaultWorkers = 20

// BranchLister supplies the candidate branches.
type BranchLister interface {
	All() []types.Branch
}

// Prober reports whether url answers positively.
type Prober interface {
	Exists(ctx context.Context, url string) (bool, error)
}

// Options tune a Scanner.
type Options struct {
	Workers  int
	CacheTTL time.Duration
}

// Scanner fans a changeset lookup out over every branch.
type Scanner struct {
	branches BranchLister
	prober   Prober
	workers  int
	cache    *memo.Cache[[]types.Branch]
}

// ScanError is returned when every probe failed.
type ScanError struct {
	Changeset string
	Causes    []error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("all %d branch probes for %s failed: %v", len(e.Causes), e.Changeset, errors.Join(e.Causes...))
}

func (e *ScanError) Unwrap() []error {
	return e.Causes
}

// New creates a Scanner.
func New(branches BranchLister, prober Prober, opts Options) *Scanner {
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Scanner{
		branches: branches,
		prober:   prober,
		workers:  workers,
		cache:    memo.New[[]types.Branch](ttl),
	}
}

// FindBranches returns every branch whose server knows changeset, ordered by
// name and locale. Results are memoized per changeset.
func (s *Scanner) FindBranches(ctx context.Context, changeset string) ([]types.Branch, error) {
	changeset = strings.TrimSpace(changeset)
	if changeset == "" {
		return nil, errors.New("changeset is required")
	}
	found, err := s.cache.Do(changeset, func() ([]types.Branch, error) {
		return s.scan(ctx, changeset)
	})
	if err != nil {
		return found, err
	}
	return slices.Clone(found), nil
}

func (s *Scanner) scan(ctx context.Context, changeset string) ([]types.Branch, error) {
	candidates := s.branches.All()
	queue := make(chan types.Branch, len(candidates))
	for _, b := range candidates {
		queue <- b
	}
	close(queue)

	var (
		mu       sync.Mutex
		found    []types.Branch
		problems []error
		probed   int
	)

	var g errgroup.Group
	for i, n := 0, min(s.workers, max(len(candidates), 1)); i < n; i++ {
		g.Go(func() error {
			for b := range queue {
				if ctx.Err() != nil {
					return nil
				}
				url := hg.InfoURL(b.URL, changeset)
				ok, err := s.prober.Exists(ctx, url)

				mu.Lock()
				probed++
				switch {
				case err != nil:
					problems = append(problems, fmt.Errorf("%s/%s: %w", b.Name, b.Locale, err))
				case ok:
					found = append(found, b)
				}
				mu.Unlock()

				if ok {
					slog.Info("changeset found", "changeset", changeset, "url", url)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	slices.SortFunc(found, func(a, b types.Branch) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.Locale, b.Locale)
	})

	if err := ctx.Err(); err != nil {
		return found, err
	}
	if probed > 0 && len(problems) == probed {
		return nil, &ScanError{Changeset: changeset, Causes: problems}
	}
	if len(problems) > 0 {
		slog.Warn("some branch probes failed", "changeset", changeset, "failed", len(problems), "probed", probed)
	}
	return found, nil
}
