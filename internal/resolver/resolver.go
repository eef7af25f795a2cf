// Package resolver turns partial revision descriptors into full revisions,
// reading the cache store first and the repository server second.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onexay/revcache/internal/diffparse"
	"github.com/onexay/revcache/internal/hg"
	"github.com/onexay/revcache/internal/memo"
	"github.com/onexay/revcache/internal/storage"
	"github.com/onexay/revcache/internal/types"
)

// Registry is the branch table the resolver reads.
type Registry interface {
	Lookup(name, locale string) (types.Branch, bool)
	IsStale(b types.Branch) bool
	Refresh(ctx context.Context) error
}

// Fetcher reads from repository servers.
type Fetcher interface {
	FetchJSON(ctx context.Context, branch types.Branch, url string, out any) error
	FetchText(ctx context.Context, branch types.Branch, url string) (string, error)
}

// BranchFinder locates the branches holding a changeset.
type BranchFinder interface {
	FindBranches(ctx context.Context, changeset string) ([]types.Branch, error)
}

// Enqueuer accepts revisions for background resolution. It must not block.
type Enqueuer interface {
	Enqueue(revs ...types.Revision)
}

// Config tunes a Resolver.
type Config struct {
	DefaultLocale    string
	CacheTTL         time.Duration
	CacheAttempts    int
	CacheBackoff     time.Duration
	DescriptionLimit int
	Machine          string
	// ResolveTimeout bounds one shared resolution, independent of the
	// callers waiting on it.
	ResolveTimeout time.Duration
}

// Deps are the collaborators of a Resolver. Queue and Scanner are optional.
type Deps struct {
	Registry Registry
	Client   Fetcher
	Store    storage.Store
	Queue    Enqueuer
	Scanner  BranchFinder
	Clock    func() time.Time
}

// Resolver resolves revisions. It is safe for concurrent use.
type Resolver struct {
	registry Registry
	client   Fetcher
	store    storage.Store
	queue    Enqueuer
	scanner  BranchFinder
	clock    func() time.Time
	cfg      Config
	instance string

	resolved *memo.Cache[types.Revision]
	pushlogs *memo.Cache[[]types.Push]
	infos    *memo.Cache[[]hg.InfoEntry]

	writeMu sync.Mutex
}

// New wires a Resolver.
func New(deps Deps, cfg Config) (*Resolver, error) {
	if deps.Registry == nil || deps.Client == nil || deps.Store == nil {
		return nil, errors.New("registry, client and store are required")
	}
	if cfg.DefaultLocale == "" {
		cfg.DefaultLocale = types.DefaultLocale
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.CacheAttempts <= 0 {
		cfg.CacheAttempts = 3
	}
	if cfg.DescriptionLimit <= 0 {
		cfg.DescriptionLimit = 2000
	}
	if cfg.Machine == "" {
		cfg.Machine, _ = os.Hostname()
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = 2 * time.Minute
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Resolver{
		registry: deps.Registry,
		client:   deps.Client,
		store:    deps.Store,
		queue:    deps.Queue,
		scanner:  deps.Scanner,
		clock:    clock,
		cfg:      cfg,
		instance: uuid.NewString(),
		resolved: memo.New(cfg.CacheTTL, memo.WithFlightTimeout[types.Revision](cfg.ResolveTimeout)),
		pushlogs: memo.New[[]types.Push](cfg.CacheTTL),
		infos:    memo.New[[]hg.InfoEntry](cfg.CacheTTL),
	}, nil
}

// request is a validated resolution request.
type request struct {
	id     string
	name   string
	locale string
}

func (q request) key() string {
	return q.id + "|" + q.name + "|" + strings.ToLower(q.locale)
}

func (r *Resolver) validate(partial types.Revision, locale string) (request, error) {
	id := strings.TrimSpace(partial.Changeset.ID)
	if id == "" || id == "None" {
		return request{}, &NotFoundError{Changeset: id}
	}
	name := strings.ToLower(strings.TrimSpace(partial.Branch.Name))
	if name == "" {
		return request{}, &InvalidInputError{Message: "branch name is required"}
	}
	locale = strings.TrimSpace(locale)
	if locale == "" {
		locale = strings.TrimSpace(partial.Branch.Locale)
	}
	if locale == "" {
		locale = r.cfg.DefaultLocale
	}
	return request{id: id, name: name, locale: locale}, nil
}

// Resolve returns the full revision for partial. Concurrent calls for the same
// (changeset, branch, locale) share one resolution, which keeps running when
// the caller that started it goes away.
func (r *Resolver) Resolve(ctx context.Context, partial types.Revision, locale string) (types.Revision, error) {
	req, err := r.validate(partial, locale)
	if err != nil {
		return types.Revision{}, err
	}
	return r.resolved.DoContext(ctx, req.key(), func(ctx context.Context) (types.Revision, error) {
		return r.resolve(ctx, req, false)
	})
}

// Refresh re-resolves partial from the repository server, ignoring memoized
// and cached copies, and overwrites the cache entry.
func (r *Resolver) Refresh(ctx context.Context, partial types.Revision, locale string) (types.Revision, error) {
	req, err := r.validate(partial, locale)
	if err != nil {
		return types.Revision{}, err
	}
	r.resolved.Forget(req.key())
	rev, err := r.resolve(ctx, req, true)
	if err != nil {
		return types.Revision{}, err
	}
	r.resolved.Set(req.key(), rev)
	return rev, nil
}

// SourceFile returns a file as of the revision's changeset.
func (r *Resolver) SourceFile(ctx context.Context, partial types.Revision, path string) (string, error) {
	req, err := r.validate(partial, "")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(path) == "" {
		return "", &InvalidInputError{Message: "file path is required"}
	}
	branch, err := r.branch(ctx, req)
	if err != nil {
		return "", err
	}
	return r.client.FetchText(ctx, branch, hg.RawFileURL(branch.URL, req.id, path))
}

// FindBranches lists the branches whose server knows changeset.
func (r *Resolver) FindBranches(ctx context.Context, changeset string) ([]types.Branch, error) {
	if r.scanner == nil {
		return nil, errors.New("branch scanning is not configured")
	}
	changeset = strings.TrimSpace(changeset)
	if changeset == "" || changeset == "None" {
		return nil, &NotFoundError{Changeset: changeset}
	}
	return r.scanner.FindBranches(ctx, changeset)
}

func (r *Resolver) resolve(ctx context.Context, req request, force bool) (types.Revision, error) {
	if !force {
		if rev, ok := r.cached(ctx, req); ok {
			slog.Debug("revision served from cache", "changeset", req.id, "branch", req.name, "locale", req.locale)
			return rev, nil
		}
	}

	branch, err := r.branch(ctx, req)
	if err != nil {
		return types.Revision{}, err
	}

	pushes, err := r.pushlog(ctx, branch, req.id, force)
	if err != nil {
		return types.Revision{}, err
	}
	if len(pushes) != 1 {
		return types.Revision{}, &AmbiguousResultError{Kind: "push", Changeset: req.id, Count: len(pushes)}
	}
	branch = r.current(branch)

	entries, err := r.info(ctx, branch, types.Short(req.id), force)
	if err != nil {
		return types.Revision{}, err
	}
	if len(entries) != 1 {
		return types.Revision{}, &AmbiguousResultError{Kind: "revision", Changeset: req.id, Count: len(entries)}
	}
	entry := entries[0]
	branch = r.current(branch)

	text, err := r.client.FetchText(ctx, branch, hg.RawDiffURL(branch.URL, entry.Node))
	if err != nil {
		return types.Revision{}, err
	}
	diff, err := diffparse.Parse(text)
	if err != nil {
		return types.Revision{}, fmt.Errorf("parse diff of %s: %w", entry.Node, err)
	}
	branch = r.current(branch)

	cs := entry.Changeset()
	cs.Description = limit(cs.Description, r.cfg.DescriptionLimit)
	cs.BugID = bugID(cs.Description)
	cs.Diff = diff

	rev := types.Revision{
		Branch:    branch,
		Index:     entry.Rev,
		Changeset: cs,
		Push:      pushes[0],
		ETL: types.ETL{
			Timestamp: r.clock().UTC(),
			Machine:   r.cfg.Machine,
			Instance:  r.instance,
		},
	}

	r.put(ctx, rev)
	r.expand(rev)
	return rev, nil
}

// branch finds the registry entry for req, refreshing the registry first when
// the entry is too old.
func (r *Resolver) branch(ctx context.Context, req request) (types.Branch, error) {
	b, ok := r.registry.Lookup(req.name, req.locale)
	if !ok {
		return types.Branch{}, &InvalidBranchError{Name: req.name, Locale: req.locale}
	}
	if !r.registry.IsStale(b) {
		return b, nil
	}
	if err := r.registry.Refresh(ctx); err != nil {
		slog.Warn("branch refresh failed, using stale entry", "branch", b.Name, "error", err)
		return b, nil
	}
	b, ok = r.registry.Lookup(req.name, req.locale)
	if !ok {
		return types.Branch{}, &InvalidBranchError{Name: req.name, Locale: req.locale}
	}
	return b, nil
}

// current re-reads b from the registry, picking up a URL repaired by the
// last fetch.
func (r *Resolver) current(b types.Branch) types.Branch {
	latest, ok := r.registry.Lookup(b.Name, b.Locale)
	if !ok || latest.Key() != b.Key() {
		return b
	}
	return latest
}

func (r *Resolver) pushlog(ctx context.Context, branch types.Branch, id string, force bool) ([]types.Push, error) {
	key := branch.Key().Name + "|" + branch.Key().Locale + "|" + id
	if force {
		r.pushlogs.Forget(key)
	}
	return r.pushlogs.Do(key, func() ([]types.Push, error) {
		slog.Info("reading pushlog", "changeset", id, "url", branch.URL)
		var log hg.Pushlog
		if err := r.client.FetchJSON(ctx, branch, hg.PushlogURL(branch.URL, id), &log); err != nil {
			return nil, err
		}
		return log.Pushes()
	})
}

func (r *Resolver) info(ctx context.Context, branch types.Branch, id12 string, force bool) ([]hg.InfoEntry, error) {
	key := branch.Key().Name + "|" + branch.Key().Locale + "|" + id12
	if force {
		r.infos.Forget(key)
	}
	return r.infos.Do(key, func() ([]hg.InfoEntry, error) {
		var info hg.Info
		if err := r.client.FetchJSON(ctx, branch, hg.InfoURL(branch.URL, id12), &info); err != nil {
			return nil, err
		}
		return info.Entries(), nil
	})
}

// cached returns a stored revision with a diff for req.
func (r *Resolver) cached(ctx context.Context, req request) (types.Revision, bool) {
	docs := r.search(ctx, storage.Query{Filters: []storage.Filter{
		storage.Prefix(storage.FieldChangesetID, types.Short(req.id)),
		storage.Term(storage.FieldBranchName, req.name),
	}})

	var matches []storage.Document
	for _, d := range docs {
		if strings.EqualFold(d.Revision.Branch.Locale, req.locale) && strings.HasPrefix(d.Revision.Changeset.ID, req.id) {
			matches = append(matches, d)
		}
	}
	if len(matches) == 0 {
		return types.Revision{}, false
	}

	best := matches[0]
	if len(matches) > 1 {
		slog.Warn("expecting no more than one cached document", "changeset", req.id, "count", len(matches))
		suffix := "-" + strings.ToLower(req.locale)
		for _, d := range matches {
			if strings.HasSuffix(strings.ToLower(d.ID), suffix) {
				best = d
				break
			}
		}
	}
	if len(best.Revision.Changeset.Diff) == 0 {
		return types.Revision{}, false
	}
	return best.Revision, true
}

// search retries backend failures with random backoff and degrades to a miss.
func (r *Resolver) search(ctx context.Context, q storage.Query) []storage.Document {
	for attempt := 1; ; attempt++ {
		docs, err := r.store.Search(ctx, q)
		if err == nil {
			return docs
		}
		var backend *storage.BackendError
		if !errors.As(err, &backend) || attempt >= r.cfg.CacheAttempts {
			slog.Warn("cache lookup failed, falling back to remote", "attempts", attempt, "error", err)
			return nil
		}
		if err := sleepRandom(ctx, r.cfg.CacheBackoff); err != nil {
			return nil
		}
	}
}

func (r *Resolver) put(ctx context.Context, rev types.Revision) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := r.store.Put(ctx, rev.CacheKey(), rev); err != nil {
		slog.Warn("cache write failed", "id", rev.CacheKey(), "error", err)
	}
}

// expand queues parents and children on the same branch.
func (r *Resolver) expand(rev types.Revision) {
	if r.queue == nil {
		return
	}
	ids := append(append([]string(nil), rev.Changeset.Parents...), rev.Changeset.Children...)
	if len(ids) == 0 {
		return
	}
	items := make([]types.Revision, 0, len(ids))
	for _, id := range ids {
		items = append(items, types.Revision{
			Branch:    types.Branch{Name: rev.Branch.Name, Locale: rev.Branch.Locale},
			Changeset: types.Changeset{ID: id},
		})
	}
	r.queue.Enqueue(items...)
}

func sleepRandom(ctx context.Context, ceiling time.Duration) error {
	if ceiling <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(time.Duration(rand.Int63n(int64(ceiling))))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var bugPattern = regexp.MustCompile(`[Bb](?:ug)?\s*([0-9]{5,7})`)

// bugID returns the first bug number mentioned in description, or 0.
func bugID(description string) int {
	m := bugPattern.FindStringSubmatch(description)
	if m == nil {
		return 0
	}
	id, _ := strconv.Atoi(m[1])
	return id
}

// limit truncates s to n runes.
func limit(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
