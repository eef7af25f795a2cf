package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/onexay/revcache/internal/branches"
	"github.com/onexay/revcache/internal/expand"
	"github.com/onexay/revcache/internal/hg"
	"github.com/onexay/revcache/internal/resolver"
	"github.com/onexay/revcache/internal/service"
	"github.com/onexay/revcache/internal/storage"
)

func newTestService(t *testing.T) *service.Service {
	t.Helper()
	ctx := context.Background()
	registry, err := branches.NewRegistry(ctx, branches.StaticSource{
		{Name: "mozilla-central", URL: "http://127.0.0.1:1/mozilla-central"},
	}, branches.Options{})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	store := storage.NewMemoryStore(storage.Options{})
	queue := expand.NewQueue()
	res, err := resolver.New(resolver.Deps{
		Registry: registry,
		Client:   hg.NewClient(hg.Options{}),
		Store:    store,
		Queue:    queue,
	}, resolver.Config{Machine: "test"})
	if err != nil {
		t.Fatalf("resolver.New: %v", err)
	}
	svc := service.NewFromComponents(service.Components{Resolver: res, Registry: registry, Store: store, Queue: queue})
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func TestRoutes(t *testing.T) {
	h := Routes(newTestService(t))

	tests := []struct {
		target string
		want   int
	}{
		{"/healthz", http.StatusOK},
		{"/api/v1/branches", http.StatusOK},
		{"/swagger/", http.StatusOK},
		{"/api/v1/revisions?changeset=None&branch=mozilla-central", http.StatusNotFound},
		{"/elsewhere", http.StatusNotFound},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.target, nil))
		if rec.Code != tt.want {
			t.Fatalf("%s: expected %d, got %d", tt.target, tt.want, rec.Code)
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s := &Server{addr: "127.0.0.1:0", svc: newTestService(t)}
	s.handler = Routes(s.svc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}
