package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/onexay/revcache/internal/branches"
	"github.com/onexay/revcache/internal/config"
	"github.com/onexay/revcache/internal/diffparse"
	"github.com/onexay/revcache/internal/expand"
	"github.com/onexay/revcache/internal/hg"
	"github.com/onexay/revcache/internal/resolver"
	"github.com/onexay/revcache/internal/scanner"
	"github.com/onexay/revcache/internal/storage"
	"github.com/onexay/revcache/internal/types"
)

// maxDiffBody caps the size of diffs accepted by POST /diffs.
const maxDiffBody = 32 << 20

// Service holds the resolver and the components it is wired to.
type Service struct {
	resolver *resolver.Resolver
	registry *branches.Registry
	store    storage.Store
	queue    *expand.Queue
	watcher  *branches.Watcher
}

// Components are prebuilt collaborators, used by New and by tests.
type Components struct {
	Resolver *resolver.Resolver
	Registry *branches.Registry
	Store    storage.Store
	Queue    *expand.Queue
	Watcher  *branches.Watcher
}

// NewFromComponents wraps already constructed components.
func NewFromComponents(c Components) *Service {
	return &Service{
		resolver: c.Resolver,
		registry: c.Registry,
		store:    c.Store,
		queue:    c.Queue,
		watcher:  c.Watcher,
	}
}

// New constructs the service wiring.
func New(ctx context.Context, cfg config.Config) (*Service, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	registry, err := branches.NewRegistry(ctx, branches.FileSource{Path: cfg.Branches.File}, branches.Options{OldAge: cfg.Branches.OldAge})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	var watcher *branches.Watcher
	if cfg.Branches.Watch {
		watcher, err = branches.NewWatcher(cfg.Branches.File, registry)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	client := hg.NewClient(hg.Options{
		Timeout:    cfg.HG.Timeout,
		RetryDelay: cfg.HG.RetryDelay,
		Recorder:   registry,
	})
	queue := expand.NewQueue()
	scan := scanner.New(registry, client, scanner.Options{Workers: cfg.Scanner.Workers, CacheTTL: cfg.Cache.TTL})

	res, err := resolver.New(resolver.Deps{
		Registry: registry,
		Client:   client,
		Store:    store,
		Queue:    queue,
		Scanner:  scan,
	}, resolver.Config{
		DefaultLocale:  cfg.Resolver.DefaultLocale,
		CacheTTL:       cfg.Cache.TTL,
		CacheAttempts:  cfg.Cache.Attempts,
		CacheBackoff:   cfg.Cache.Backoff,
		Machine:        cfg.Resolver.Machine,
		ResolveTimeout: cfg.Resolver.Timeout,
	})
	if err != nil {
		_ = NewFromComponents(Components{Store: store, Watcher: watcher}).Close()
		return nil, err
	}

	return NewFromComponents(Components{
		Resolver: res,
		Registry: registry,
		Store:    store,
		Queue:    queue,
		Watcher:  watcher,
	}), nil
}

func openStore(cfg config.Config) (storage.Store, error) {
	options := storage.Options{TTL: cfg.Storage.TTL}
	switch cfg.Storage.Backend {
	case config.StorageBackendKeyDB:
		return storage.NewKeyDBStore(cfg.Storage.KeyDB, options)
	case config.StorageBackendBolt:
		return storage.NewBoltStore(cfg.Storage.BoltPath, options)
	default:
		return storage.NewMemoryStore(options), nil
	}
}

// Start runs the background expansion worker and, when configured, the
// branch file watcher until ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	if s.queue != nil {
		go s.queue.Run(ctx, s.resolver)
	}
	if s.watcher != nil {
		go s.watcher.Run(ctx)
	}
}

// Close stops the branch watcher and releases the cache store.
func (s *Service) Close() error {
	var errs []error
	if s.watcher != nil {
		errs = append(errs, s.watcher.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	return errors.Join(errs...)
}

// Handler builds the REST routes for the service.
func Handler(svc *Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/swagger") {
			svc.handleSwagger(w, r, strings.TrimPrefix(r.URL.Path, "/swagger"))
			return
		}

		path := strings.TrimPrefix(r.URL.Path, "/api/v1")
		if path == "" || path == "/" {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown endpoint"})
			return
		}

		switch {
		case path == "/revisions":
			svc.handleRevisions(w, r)
		case strings.HasPrefix(path, "/branches"):
			svc.handleBranches(w, r, strings.TrimPrefix(path, "/branches"))
		case path == "/diffs":
			svc.handleDiffs(w, r)
		case path == "/source":
			svc.handleSource(w, r)
		default:
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown resource"})
		}
	})
}

func (s *Service) handleRevisions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	q := r.URL.Query()
	changeset := strings.TrimSpace(q.Get("changeset"))
	locale := strings.TrimSpace(q.Get("locale"))
	refresh := false
	if raw := q.Get("refresh"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid refresh flag"})
			return
		}
		refresh = v
	}

	partial := types.Revision{
		Branch:    types.Branch{Name: strings.TrimSpace(q.Get("branch"))},
		Changeset: types.Changeset{ID: changeset},
	}

	if partial.Branch.Name == "" {
		found, err := s.resolver.FindBranches(r.Context(), changeset)
		if err != nil {
			writeError(w, err)
			return
		}
		switch len(found) {
		case 0:
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "changeset " + changeset + " not found on any branch"})
			return
		case 1:
			partial.Branch = types.Branch{Name: found[0].Name, Locale: found[0].Locale}
		default:
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":      "changeset found on several branches; pass branch",
				"candidates": found,
			})
			return
		}
	}

	resolve := s.resolver.Resolve
	if refresh {
		resolve = s.resolver.Refresh
	}
	rev, err := resolve(r.Context(), partial, locale)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rev)
}

func (s *Service) handleBranches(w http.ResponseWriter, r *http.Request, tail string) {
	switch {
	case (tail == "" || tail == "/") && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, s.registry.All())
	case tail == "/find" && r.Method == http.MethodGet:
		found, err := s.resolver.FindBranches(r.Context(), r.URL.Query().Get("changeset"))
		if err != nil {
			writeError(w, err)
			return
		}
		if found == nil {
			found = []types.Branch{}
		}
		writeJSON(w, http.StatusOK, found)
	case tail == "/refresh" && r.Method == http.MethodPost:
		if err := s.registry.Refresh(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"branches": len(s.registry.All())})
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

func (s *Service) handleDiffs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxDiffBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	files, err := diffparse.Parse(strings.ToValidUTF8(string(body), "�"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, files)
}

func (s *Service) handleSource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	q := r.URL.Query()
	partial := types.Revision{
		Branch:    types.Branch{Name: q.Get("branch"), Locale: q.Get("locale")},
		Changeset: types.Changeset{ID: q.Get("changeset")},
	}
	text, err := s.resolver.SourceFile(r.Context(), partial, q.Get("path"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, text)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	var (
		notFound      *resolver.NotFoundError
		unknown       *hg.UnknownRevisionError
		invalidInput  *resolver.InvalidInputError
		invalidBranch *resolver.InvalidBranchError
		validation    *storage.ValidationError
		ambiguous     *resolver.AmbiguousResultError
		diffFormat    *diffparse.DiffFormatError
		remote        *hg.RemoteFetchError
		scanFailed    *scanner.ScanError
	)
	switch {
	case errors.As(err, &notFound), errors.As(err, &unknown):
		status = http.StatusNotFound
	case errors.As(err, &invalidInput), errors.As(err, &invalidBranch), errors.As(err, &validation):
		status = http.StatusBadRequest
	case errors.As(err, &ambiguous):
		status = http.StatusConflict
	case errors.As(err, &diffFormat):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &remote), errors.As(err, &scanFailed):
		status = http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}

	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
