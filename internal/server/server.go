// Package server is the HTTP front door: function management, invocation,
// history, health and metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/watzon/forge/internal/config"
	"github.com/watzon/forge/internal/database"
	"github.com/watzon/forge/internal/functions"
	"github.com/watzon/forge/internal/server/requestlog"
)

type Server struct {
	cfg         *config.Config
	db          *database.DB
	components  *Components
	requestLogs *requestlog.Store
	version     string
	httpServer  *http.Server
	router      http.Handler

	mu       sync.Mutex
	watcher  *functions.ManifestWatcher
	shutdown sync.Once
}

const defaultRequestLogCapacity = 1000

type Option func(*Server)

// WithVersion sets the version reported by /health.
func WithVersion(version string) Option {
	return func(s *Server) {
		s.version = version
	}
}

// New assembles a server over db. The returned server owns its components
// and releases them on Shutdown.
func New(ctx context.Context, cfg *config.Config, db *database.DB, opts ...Option) (*Server, error) {
	components, err := NewComponents(ctx, cfg, db)
	if err != nil {
		return nil, err
	}

	srv := &Server{
		cfg:         cfg,
		db:          db,
		components:  components,
		requestLogs: requestlog.NewStore(defaultRequestLogCapacity),
		version:     "dev",
	}

	for _, opt := range opts {
		opt(srv)
	}

	srv.router = NewRouter(srv)
	srv.httpServer = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      srv.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return srv, nil
}

// Start starts background workers and serves until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	if err := s.startBackground(ctx); err != nil {
		return err
	}

	log.Info().
		Str("addr", s.cfg.Server.Address()).
		Strs("runtimes", runtimeNames(s.components.Registry)).
		Msg("Starting server")

	var err error
	if tls := s.cfg.Server.TLS; tls != nil && tls.Enabled {
		err = s.httpServer.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
	} else {
		err = s.httpServer.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) startBackground(ctx context.Context) error {
	if rec := s.components.Recorder; rec != nil {
		if err := rec.Start(); err != nil {
			return fmt.Errorf("starting recorder: %w", err)
		}
		log.Info().Msg("Invocation recorder started")
	}

	if !s.cfg.Watch.Enabled {
		return nil
	}

	deployed := DeployDirectory(ctx, s.components.Deploys, s.cfg.Watch.Path)
	log.Info().Int("count", deployed).Str("path", s.cfg.Watch.Path).Msg("Deployed functions from manifests")

	watcher, err := functions.NewManifestWatcher(s.cfg.Watch.Path, s.components.Deploys)
	if err != nil {
		return fmt.Errorf("creating manifest watcher: %w", err)
	}
	if s.cfg.Watch.Debounce > 0 {
		watcher.SetDebounceDuration(s.cfg.Watch.Debounce)
	}
	if err := watcher.Start(); err != nil {
		return fmt.Errorf("starting manifest watcher: %w", err)
	}

	s.mu.Lock()
	s.watcher = watcher
	s.mu.Unlock()

	return nil
}

// Shutdown stops accepting requests, then stops the watcher, drains the
// recorder and releases the engine. Calls after the first are no-ops.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdown.Do(func() {
		log.Info().Msg("Shutting down server")

		err = s.httpServer.Shutdown(ctx)

		s.mu.Lock()
		watcher := s.watcher
		s.watcher = nil
		s.mu.Unlock()

		if watcher != nil {
			if werr := watcher.Stop(); werr != nil {
				log.Warn().Err(werr).Msg("Error stopping manifest watcher")
			}
		}

		s.components.Close(ctx)
		log.Info().Msg("Function engine stopped")
	})
	return err
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Components() *Components {
	return s.components
}

func (s *Server) RequestLogs() *requestlog.Store {
	return s.requestLogs
}

// DeployDirectory deploys every valid manifest under root and returns how
// many succeeded. Failures are logged.
func DeployDirectory(ctx context.Context, deployer functions.ManifestDeployer, root string) int {
	manifests, err := functions.DiscoverManifests(root)
	if err != nil {
		log.Warn().Err(err).Str("path", root).Msg("Failed to discover manifests")
		return 0
	}

	deployed := 0
	for _, m := range manifests {
		fn, err := deployer.DeployManifest(ctx, m)
		if err != nil {
			log.Warn().Err(err).Str("function", m.Name).Msg("Failed to deploy manifest")
			continue
		}
		log.Debug().Str("function", fn.Name).Str("function_id", fn.ID).Msg("Manifest deployed")
		deployed++
	}
	return deployed
}

func runtimeNames(r *functions.Registry) []string {
	kinds := r.Kinds()
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return names
}
