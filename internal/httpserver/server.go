package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/onexay/revcache/internal/config"
	"github.com/onexay/revcache/internal/service"
)

// Server wraps the HTTP server configuration and dependencies.
type Server struct {
	addr    string
	handler http.Handler
	svc     *service.Service
}

// NewServer creates an HTTP server with routes for cfg.
func NewServer(ctx context.Context, cfg config.Config) (*Server, error) {
	svc, err := service.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Server{addr: cfg.APIAddr, handler: Routes(svc), svc: svc}, nil
}

// Routes mounts the service handler, health check and API docs.
func Routes(svc *service.Service) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	api := service.Handler(svc)
	mux.Handle("/api/v1/", api)
	mux.Handle("/swagger/", api)
	return mux
}

// Run starts the background workers and serves until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	defer s.svc.Close()

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	s.svc.Start(workerCtx)

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	slog.Info("server stopped")
	return nil
}
