package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onexay/revcache/internal/branches"
	"github.com/onexay/revcache/internal/hg"
	"github.com/onexay/revcache/internal/storage"
	"github.com/onexay/revcache/internal/types"
)

const (
	testNode = "0123456789abcdef0123456789abcdef01234567"
	testDiff = "diff --git a/a.txt b/a.txt\n--- a/a.txt\n+++ b/a.txt\n@@ -1,2 +1,3 @@\n one\n+two\n three\n"
)

var testInfo = `{"` + testNode + `": {
	"rev": 42,
	"node": "` + testNode + `",
	"user": "Alice <alice@example.com>",
	"description": "Bug 1234567 - add two r=bob",
	"date": [1500000000.0, 0],
	"files": ["a.txt"],
	"parents": ["aaaaaaaaaaaa"],
	"children": ["bbbbbbbbbbbb"],
	"backedoutby": ""
}}`

// fakeFetcher serves canned bodies by endpoint and counts requests.
type fakeFetcher struct {
	mu     sync.Mutex
	calls  map[string]int
	bodies map[string]string
	gate   chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		calls: make(map[string]int),
		bodies: map[string]string{
			"json-pushes": `{"7": {"date": 1500000100, "user": "alice@example.com"}}`,
			"json-info":   testInfo,
			"raw-rev":     testDiff,
			"raw-file":    "hello\n",
		},
	}
}

func (f *fakeFetcher) body(url string) (string, error) {
	for endpoint, body := range f.bodies {
		if strings.Contains(url, "/"+endpoint) {
			f.mu.Lock()
			f.calls[endpoint]++
			gate := f.gate
			f.mu.Unlock()
			if gate != nil && endpoint == "json-pushes" {
				<-gate
			}
			return body, nil
		}
	}
	return "", fmt.Errorf("unexpected url %s", url)
}

func (f *fakeFetcher) FetchJSON(ctx context.Context, branch types.Branch, url string, out any) error {
	body, err := f.body(url)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(body), out)
}

func (f *fakeFetcher) FetchText(ctx context.Context, branch types.Branch, url string) (string, error) {
	return f.body(url)
}

func (f *fakeFetcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeFetcher) count(endpoint string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[endpoint]
}

type captureQueue struct {
	mu    sync.Mutex
	items []types.Revision
}

func (q *captureQueue) Enqueue(revs ...types.Revision) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, revs...)
}

type countingSource struct {
	mu       sync.Mutex
	calls    int
	branches []types.Branch
}

func (s *countingSource) ListBranches(ctx context.Context) ([]types.Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return append([]types.Branch(nil), s.branches...), nil
}

type fixture struct {
	resolver *Resolver
	fetcher  *fakeFetcher
	store    storage.Store
	queue    *captureQueue
	source   *countingSource
	now      *time.Time
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	src := &countingSource{branches: []types.Branch{
		{Name: "mozilla-central", Locale: "en-US", URL: "https://hg.example.org/mozilla-central"},
		{Name: "mozilla-beta", Locale: "fr", URL: "https://hg.example.org/releases/l10n/mozilla-beta/fr"},
	}}
	reg, err := branches.NewRegistry(context.Background(), src, branches.Options{OldAge: 24 * time.Hour, Clock: clock})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	f := &fixture{
		fetcher: newFakeFetcher(),
		store:   storage.NewMemoryStore(storage.Options{}),
		queue:   &captureQueue{},
		source:  src,
		now:     &now,
	}
	f.resolver = f.newResolver(t, reg, clock, cfg)
	return f
}

func (f *fixture) newResolver(t *testing.T, reg Registry, clock func() time.Time, cfg Config) *Resolver {
	t.Helper()
	if cfg.Machine == "" {
		cfg.Machine = "test-host"
	}
	r, err := New(Deps{Registry: reg, Client: f.fetcher, Store: f.store, Queue: f.queue, Clock: clock}, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func partial(id, branch string) types.Revision {
	return types.Revision{Branch: types.Branch{Name: branch}, Changeset: types.Changeset{ID: id}}
}

func TestResolvePlaceholderIsNotFound(t *testing.T) {
	f := newFixture(t, Config{})
	for _, id := range []string{"", "None", "  "} {
		_, err := f.resolver.Resolve(context.Background(), partial(id, "mozilla-central"), "")
		var notFound *NotFoundError
		if !errors.As(err, &notFound) {
			t.Fatalf("id %q: expected NotFoundError, got %v", id, err)
		}
	}
	_, err := f.resolver.Resolve(context.Background(), partial(testNode, ""), "")
	var invalid *InvalidInputError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidInputError for missing branch, got %v", err)
	}
	if f.fetcher.total() != 0 {
		t.Fatalf("expected no remote calls, got %d", f.fetcher.total())
	}
}

func TestResolveFetchesAndCaches(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	rev, err := f.resolver.Resolve(ctx, partial(testNode, "Mozilla-Central"), "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rev.Index != 42 || rev.Push.ID != 7 || rev.Push.User != "alice@example.com" {
		t.Fatalf("unexpected revision %+v", rev)
	}
	if rev.Branch.Name != "mozilla-central" || rev.Branch.Locale != "en-US" {
		t.Fatalf("unexpected branch %+v", rev.Branch)
	}
	cs := rev.Changeset
	if cs.ID12 != "0123456789ab" || cs.BugID != 1234567 || cs.Author != "Alice <alice@example.com>" {
		t.Fatalf("unexpected changeset %+v", cs)
	}
	if len(cs.Diff) != 1 || len(cs.Diff[0].Changes) != 1 || cs.Diff[0].Changes[0].New.Line != 1 {
		t.Fatalf("unexpected diff %+v", cs.Diff)
	}
	if rev.ETL.Machine != "test-host" || rev.ETL.Instance == "" || !rev.ETL.Timestamp.Equal(*f.now) {
		t.Fatalf("unexpected etl %+v", rev.ETL)
	}

	docs, err := f.store.Search(ctx, storage.Query{Filters: []storage.Filter{storage.Term(storage.FieldChangesetID, testNode)}})
	if err != nil || len(docs) != 1 {
		t.Fatalf("expected stored document, got %d (%v)", len(docs), err)
	}
	if docs[0].ID != "0123456789ab-mozilla-central-en-US" {
		t.Fatalf("unexpected document id %s", docs[0].ID)
	}

	f.queue.mu.Lock()
	defer f.queue.mu.Unlock()
	if len(f.queue.items) != 2 {
		t.Fatalf("expected parent and child to be queued, got %d", len(f.queue.items))
	}
	for _, item := range f.queue.items {
		if item.Branch.Name != "mozilla-central" || item.Branch.Locale != "en-US" {
			t.Fatalf("queued item lost its branch: %+v", item.Branch)
		}
	}
	if f.queue.items[0].Changeset.ID != "aaaaaaaaaaaa" || f.queue.items[1].Changeset.ID != "bbbbbbbbbbbb" {
		t.Fatalf("unexpected queued ids %+v", f.queue.items)
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	first, err := f.resolver.Resolve(ctx, partial(testNode, "mozilla-central"), "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	calls := f.fetcher.total()

	second, err := f.resolver.Resolve(ctx, partial(testNode, "mozilla-central"), "en-US")
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if f.fetcher.total() != calls {
		t.Fatalf("second resolve hit the remote")
	}
	if second.CacheKey() != first.CacheKey() || second.Changeset.Description != first.Changeset.Description {
		t.Fatalf("resolutions differ: %+v vs %+v", first, second)
	}

	// a fresh resolver sharing the store is served from the cache store
	reg, err := branches.NewRegistry(ctx, f.source, branches.Options{})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	other := f.newResolver(t, reg, nil, Config{})
	third, err := other.Resolve(ctx, partial(testNode[:12], "mozilla-central"), "")
	if err != nil {
		t.Fatalf("third Resolve: %v", err)
	}
	if f.fetcher.total() != calls {
		t.Fatalf("cache store hit still reached the remote")
	}
	if third.Changeset.ID != testNode || len(third.Changeset.Diff) != 1 {
		t.Fatalf("unexpected cached revision %+v", third.Changeset)
	}
}

func TestResolveSingleFlight(t *testing.T) {
	f := newFixture(t, Config{})
	f.fetcher.gate = make(chan struct{})

	const callers = 16
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.resolver.Resolve(context.Background(), partial(testNode, "mozilla-central"), "")
			errs <- err
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(f.fetcher.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
	}
	if got := f.fetcher.count("json-pushes"); got != 1 {
		t.Fatalf("expected one pushlog fetch, got %d", got)
	}
	if got := f.fetcher.count("raw-rev"); got != 1 {
		t.Fatalf("expected one diff fetch, got %d", got)
	}
}

func TestResolveSurvivesCancelledFirstCaller(t *testing.T) {
	f := newFixture(t, Config{})
	f.fetcher.gate = make(chan struct{})

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := f.resolver.Resolve(firstCtx, partial(testNode, "mozilla-central"), "")
		firstErr <- err
	}()
	deadline := time.Now().Add(5 * time.Second)
	for f.fetcher.count("json-pushes") == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("resolution never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	type result struct {
		rev types.Revision
		err error
	}
	second := make(chan result, 1)
	go func() {
		rev, err := f.resolver.Resolve(context.Background(), partial(testNode, "mozilla-central"), "")
		second <- result{rev, err}
	}()

	cancelFirst()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected the first caller to see its own cancellation, got %v", err)
	}
	close(f.fetcher.gate)

	select {
	case res := <-second:
		if res.err != nil {
			t.Fatalf("second caller: %v", res.err)
		}
		if res.rev.Index != 42 {
			t.Fatalf("unexpected revision %+v", res.rev)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("second caller never finished")
	}
	if got := f.fetcher.count("json-pushes"); got != 1 {
		t.Fatalf("expected one pushlog fetch, got %d", got)
	}
}

func TestResolveAmbiguousPush(t *testing.T) {
	for name, body := range map[string]string{
		"none": `{}`,
		"two":  `{"7": {"date": 1, "user": "a"}, "8": {"date": 2, "user": "b"}}`,
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, Config{})
			f.fetcher.bodies["json-pushes"] = body
			_, err := f.resolver.Resolve(context.Background(), partial(testNode, "mozilla-central"), "")
			var ambiguous *AmbiguousResultError
			if !errors.As(err, &ambiguous) || ambiguous.Kind != "push" {
				t.Fatalf("expected ambiguous push error, got %v", err)
			}
		})
	}
}

func TestResolveAmbiguousRevisionInfo(t *testing.T) {
	f := newFixture(t, Config{})
	f.fetcher.bodies["json-info"] = `{"a": {"node": "a"}, "b": {"node": "b"}}`
	_, err := f.resolver.Resolve(context.Background(), partial(testNode, "mozilla-central"), "")
	var ambiguous *AmbiguousResultError
	if !errors.As(err, &ambiguous) || ambiguous.Kind != "revision" || ambiguous.Count != 2 {
		t.Fatalf("expected ambiguous revision error, got %v", err)
	}
}

func TestResolveBranchLookup(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.resolver.Resolve(ctx, partial(testNode, "unknown"), "")
	var invalid *InvalidBranchError
	if !errors.As(err, &invalid) || invalid.Name != "unknown" {
		t.Fatalf("expected InvalidBranchError, got %v", err)
	}

	rev, err := f.resolver.Resolve(ctx, partial(testNode, "mozilla-central"), "de")
	if err != nil {
		t.Fatalf("expected default locale fallback, got %v", err)
	}
	if rev.Branch.Locale != "en-US" {
		t.Fatalf("expected en-US branch, got %s", rev.Branch.Locale)
	}

	rev, err = f.resolver.Resolve(ctx, types.Revision{
		Branch:    types.Branch{Name: "mozilla-beta", Locale: "fr"},
		Changeset: types.Changeset{ID: testNode},
	}, "")
	if err != nil {
		t.Fatalf("Resolve with branch locale: %v", err)
	}
	if rev.Branch.Locale != "fr" {
		t.Fatalf("expected branch-declared locale, got %s", rev.Branch.Locale)
	}
}

func TestResolveRefreshesStaleBranches(t *testing.T) {
	f := newFixture(t, Config{})
	if f.source.calls != 1 {
		t.Fatalf("expected initial load, got %d", f.source.calls)
	}
	*f.now = f.now.Add(48 * time.Hour)

	if _, err := f.resolver.Resolve(context.Background(), partial(testNode, "mozilla-central"), ""); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if f.source.calls != 2 {
		t.Fatalf("expected stale registry to be reloaded, got %d loads", f.source.calls)
	}
}

type failingStore struct {
	storage.Store
	mu       sync.Mutex
	searches int
}

func (s *failingStore) Search(ctx context.Context, q storage.Query) ([]storage.Document, error) {
	s.mu.Lock()
	s.searches++
	s.mu.Unlock()
	return nil, &storage.BackendError{Op: "search", Err: errors.New("cluster unavailable")}
}

func TestResolveDegradesOnBackendError(t *testing.T) {
	f := newFixture(t, Config{})
	store := &failingStore{Store: f.store}
	f.store = store
	reg, err := branches.NewRegistry(context.Background(), f.source, branches.Options{})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	r := f.newResolver(t, reg, nil, Config{CacheAttempts: 3, CacheBackoff: time.Millisecond})

	rev, err := r.Resolve(context.Background(), partial(testNode, "mozilla-central"), "")
	if err != nil {
		t.Fatalf("expected resolution despite cache outage, got %v", err)
	}
	if rev.Index != 42 {
		t.Fatalf("unexpected revision %+v", rev)
	}
	if store.searches != 3 {
		t.Fatalf("expected 3 search attempts, got %d", store.searches)
	}
}

func TestRefreshBypassesCache(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	if _, err := f.resolver.Resolve(ctx, partial(testNode, "mozilla-central"), ""); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	f.fetcher.bodies["json-info"] = strings.Replace(testInfo, `"rev": 42`, `"rev": 43`, 1)

	rev, err := f.resolver.Refresh(ctx, partial(testNode, "mozilla-central"), "")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if rev.Index != 43 {
		t.Fatalf("expected refreshed index, got %d", rev.Index)
	}
	if got := f.fetcher.count("json-pushes"); got != 2 {
		t.Fatalf("expected pushlog to be refetched, got %d", got)
	}

	again, err := f.resolver.Resolve(ctx, partial(testNode, "mozilla-central"), "")
	if err != nil || again.Index != 43 {
		t.Fatalf("expected memo to hold the refreshed revision, got %d (%v)", again.Index, err)
	}
	docs, err := f.store.Search(ctx, storage.Query{Filters: []storage.Filter{storage.Term(storage.FieldChangesetID, testNode)}})
	if err != nil || len(docs) != 1 || docs[0].Revision.Index != 43 {
		t.Fatalf("expected cache entry to be overwritten, got %+v (%v)", docs, err)
	}
}

func TestSourceFile(t *testing.T) {
	f := newFixture(t, Config{})
	text, err := f.resolver.SourceFile(context.Background(), partial(testNode, "mozilla-central"), "/a.txt")
	if err != nil {
		t.Fatalf("SourceFile: %v", err)
	}
	if text != "hello\n" {
		t.Fatalf("unexpected source %q", text)
	}
	if _, err := f.resolver.SourceFile(context.Background(), partial(testNode, "mozilla-central"), ""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestFindBranchesWithoutScanner(t *testing.T) {
	f := newFixture(t, Config{})
	if _, err := f.resolver.FindBranches(context.Background(), testNode); err == nil {
		t.Fatalf("expected error when no scanner is configured")
	}
}

func TestBugIDAndLimit(t *testing.T) {
	tests := map[string]int{
		"Bug 1234567 - fix the thing":   1234567,
		"Fix crash (b 54321) r=someone": 54321,
		"Backed out changeset abc":      0,
		"bug 12 is too short":           0,
	}
	for desc, want := range tests {
		if got := bugID(desc); got != want {
			t.Fatalf("bugID(%q) = %d, want %d", desc, got, want)
		}
	}

	if got := limit("héllo", 2); got != "hé" {
		t.Fatalf("limit truncated bytes instead of runes: %q", got)
	}
	if got := limit("short", 10); got != "short" {
		t.Fatalf("limit changed a short string: %q", got)
	}
}

func TestResolveKeepsRepairedBranchURL(t *testing.T) {
	var mu sync.Mutex
	var legacy, total int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		total++
		if strings.HasPrefix(r.URL.Path, "/releases/l10n/") {
			legacy++
		}
		mu.Unlock()

		switch r.URL.Path {
		case "/releases/mozilla-beta/json-pushes":
			fmt.Fprint(w, `{"12": {"date": 1500000100, "user": "alice@example.com"}}`)
		case "/releases/mozilla-beta/json-info":
			fmt.Fprintf(w, `{"%s": {"rev": 3, "node": "%s", "user": "alice", "description": "Bug 1234567 - lt", "date": [1500000000, 0]}}`, testNode, testNode)
		case "/releases/mozilla-beta/raw-rev/" + testNode:
			fmt.Fprint(w, testDiff)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	reg, err := branches.NewRegistry(ctx, branches.StaticSource{
		{Name: "mozilla-beta", Locale: "lt", URL: srv.URL + "/releases/l10n/mozilla-beta/lt"},
	}, branches.Options{})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	store := storage.NewMemoryStore(storage.Options{})
	res, err := New(Deps{
		Registry: reg,
		Client:   hg.NewClient(hg.Options{Timeout: 5 * time.Second, Recorder: reg}),
		Store:    store,
	}, Config{Machine: "test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rev, err := res.Resolve(ctx, types.Revision{
		Branch:    types.Branch{Name: "mozilla-beta", Locale: "lt"},
		Changeset: types.Changeset{ID: testNode},
	}, "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	canonical := srv.URL + "/releases/mozilla-beta"
	if rev.Branch.URL != canonical {
		t.Fatalf("expected returned branch url %q, got %q", canonical, rev.Branch.URL)
	}
	if b, ok := reg.Get("mozilla-beta", "lt"); !ok || b.URL != canonical {
		t.Fatalf("expected registry url %q, got %+v", canonical, b)
	}
	docs, err := store.Search(ctx, storage.Query{Filters: []storage.Filter{storage.Term(storage.FieldBranchName, "mozilla-beta")}})
	if err != nil || len(docs) != 1 || docs[0].Revision.Branch.URL != canonical {
		t.Fatalf("expected stored branch url %q, got %+v %v", canonical, docs, err)
	}

	mu.Lock()
	defer mu.Unlock()
	if legacy != 2 || total != 5 {
		t.Fatalf("expected only the pushlog to hit the legacy url (legacy=2 total=5), got legacy=%d total=%d", legacy, total)
	}
}
