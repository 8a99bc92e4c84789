// Package server exposes the bus status over HTTP: liveness, readiness,
// prometheus metrics and a JSON view of the bus.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"sessionbus/pkg/bus"
	"sessionbus/pkg/config"
)

const (
	defaultHost = "127.0.0.1"
	defaultPort = 18790
)

// StatsSource is satisfied by *bus.Bus.
type StatsSource interface {
	Stats() bus.Stats
}

type Service struct {
	cfg     config.ServerConfig
	source  StatsSource
	metrics http.Handler
	log     *slog.Logger

	mu        sync.RWMutex
	startedAt time.Time
	boundAddr string
}

type statusResponse struct {
	Status        string     `json:"status"`
	UptimeSeconds int64      `json:"uptime_seconds"`
	Bus           *bus.Stats `json:"bus,omitempty"`
}

type Option func(*Service)

// WithMetricsHandler mounts h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Service) { s.metrics = h }
}

func NewService(cfg config.ServerConfig, source StatsSource, log *slog.Logger, opts ...Option) (*Service, error) {
	if source == nil {
		return nil, errors.New("stats source is required")
	}
	if log == nil {
		log = slog.Default()
	}

	s := &Service{
		cfg:    cfg,
		source: source,
		log:    log.With("component", "server"),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Router builds the HTTP routes.
func (s *Service) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/debug/bus", s.handleBus)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	return r
}

func (s *Service) Addr() string {
	host := strings.TrimSpace(s.cfg.Host)
	if host == "" {
		host = defaultHost
	}

	port := s.cfg.Port
	if port <= 0 {
		port = defaultPort
	}

	return net.JoinHostPort(host, strconv.Itoa(port))
}

// BoundAddr is the address the listener actually bound, empty before Run.
func (s *Service) BoundAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.boundAddr
}

// Run serves until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	listener, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("start status server: %w", err)
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.boundAddr = listener.Addr().String()
	s.mu.Unlock()

	server := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(listener)
	}()

	s.log.InfoContext(ctx, "Status server started", "address", listener.Addr().String())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown status server: %w", err)
		}
		<-serveErr
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve status server: %w", err)
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, statusResponse{Status: "ok", UptimeSeconds: s.uptime()})
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	stats := s.source.Stats()

	statusCode := http.StatusOK
	status := "ready"
	if stats.State != bus.StateRunning.String() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respond(w, statusCode, statusResponse{Status: status, UptimeSeconds: s.uptime()})
}

func (s *Service) handleBus(w http.ResponseWriter, _ *http.Request) {
	stats := s.source.Stats()
	s.respond(w, http.StatusOK, statusResponse{Status: stats.State, UptimeSeconds: s.uptime(), Bus: &stats})
}

func (s *Service) respond(w http.ResponseWriter, statusCode int, payload statusResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func (s *Service) uptime() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.startedAt.IsZero() {
		return 0
	}
	return int64(time.Since(s.startedAt).Seconds())
}
