// Package devserver is a reference remote object store speaking the protocol
// of the HTTP transport. It keeps objects in memory and can inject failures,
// which makes it useful for local development and integration tests.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Config configures a Server.
type Config struct {
	Port            int
	APIKey          string
	Version         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Server serves a Store over HTTP.
type Server struct {
	cfg    Config
	store  *Store
	faults *Faults
	router http.Handler
}

// New creates a server with an empty store.
func New(cfg Config) (*Server, error) {
	store, err := NewStore()
	if err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	faults := &Faults{}
	return &Server{
		cfg:    cfg,
		store:  store,
		faults: faults,
		router: NewRouter(NewHandler(store, cfg.APIKey, cfg.Version), faults),
	}, nil
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Store returns the object table.
func (s *Server) Store() *Store {
	return s.store
}

// Faults returns the failure injector.
func (s *Server) Faults() *Faults {
	return s.faults
}

// Run listens on the configured port until ctx is done, then drains
// in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("server starting", "component", "devserver", "address", ln.Addr().String())
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("shutdown initiated", "component", "devserver")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	slog.Info("shutdown complete", "component", "devserver")
	return nil
}
