package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"rpcgate/internal/config"
	"rpcgate/internal/network"
)

var errBodyTooLarge = errors.New("request body too large")

// StatsProvider exposes the diagnostic snapshot served on /stats
type StatsProvider interface {
	Stats() network.Stats
}

// Server is the HTTP front of the network service
type Server struct {
	cfg        *config.Config
	service    *network.Service
	gatherer   prometheus.Gatherer
	httpServer *http.Server
	listener   net.Listener
	logger     zerolog.Logger
}

// New creates a new Server. gatherer may be nil, in which case /metrics is
// not served.
func New(cfg *config.Config, service *network.Service, gatherer prometheus.Gatherer, logger zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		service:  service,
		gatherer: gatherer,
		logger:   logger,
	}
}

// Handler builds the routing of the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	mux.Handle("GET /stats", statsHandler(s.service, s.logger))
	mux.Handle("/", NewHandler(s.service, s.cfg.MaxBodySize, s.cfg.MaxConcurrency, s.logger))
	return mux
}

// Start listens on the configured address and serves in the background
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: s.cfg.GetRequestTimeoutDuration() + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		s.logger.Info().
			Str("addr", addr).
			Msg("starting RPC server")
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("RPC server error")
		}
	}()

	for _, name := range s.service.Networks() {
		s.logger.Info().
			Str("network", name).
			Str("rpc", fmt.Sprintf("http://%s/%s", addr, name)).
			Str("ws", fmt.Sprintf("ws://%s/%s", addr, name)).
			Msg("endpoint available")
	}

	return nil
}

// Addr returns the address the server listens on
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the server and closes the network service
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("shutting down server...")

	var httpErr error
	if s.httpServer != nil {
		httpErr = s.httpServer.Shutdown(ctx)
	}

	serviceErr := s.service.Close(ctx)

	if httpErr != nil {
		return fmt.Errorf("RPC server shutdown error: %w", httpErr)
	}
	if serviceErr != nil {
		return fmt.Errorf("network service shutdown error: %w", serviceErr)
	}

	s.logger.Info().Msg("server stopped")
	return nil
}

func statsHandler(provider StatsProvider, logger zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(provider.Stats()); err != nil {
			logger.Error().Err(err).Msg("failed to encode stats")
		}
	})
}
