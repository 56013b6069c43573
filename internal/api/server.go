// Package api serves the queue's collaborator and operator HTTP surface.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/busybox42/mailq/internal/escalation"
	"github.com/busybox42/mailq/internal/metrics"
	"github.com/busybox42/mailq/internal/queue"
)

// Config represents API server configuration
type Config struct {
	ListenAddr string `toml:"listen" json:"listen"`
	// TokenHash is the bcrypt hash of the bearer token; empty disables auth
	TokenHash string `toml:"token_hash" json:"-"`
	// AttachmentDir confines attachment paths in requests; empty rejects
	// any request that names an attachment
	AttachmentDir string `toml:"attachment_dir" json:"attachment_dir"`
}

// StatsStore reads the shared delivery counters
type StatsStore interface {
	GetMetrics(ctx context.Context) (*metrics.DeliveryMetrics, error)
	GetHourlyStats(ctx context.Context) ([]metrics.HourlyStats, error)
	GetRecentErrors(ctx context.Context, limit int64) ([]metrics.RecentError, error)
}

// NoticeReader lists operator notices
type NoticeReader interface {
	Notices(ctx context.Context, limit int) ([]escalation.Notice, error)
}

// Server represents an API server for the queue
type Server struct {
	config     Config
	manager    *queue.Manager
	metrics    http.Handler
	stats      StatsStore
	notices    NoticeReader
	httpServer *http.Server
	listener   net.Listener
	startedAt  time.Time
	logger     *slog.Logger
}

// NewServer creates a new API server
func NewServer(config Config, manager *queue.Manager) (*Server, error) {
	if manager == nil {
		return nil, errors.New("queue manager is required")
	}
	if config.ListenAddr == "" {
		config.ListenAddr = "127.0.0.1:8025"
	}
	return &Server{
		config:    config,
		manager:   manager,
		startedAt: time.Now(),
		logger:    slog.Default().With("component", "api"),
	}, nil
}

// SetMetricsHandler serves h on /metrics
func (s *Server) SetMetricsHandler(h http.Handler) {
	s.metrics = h
}

// SetStatsStore enables the delivery statistics endpoints
func (s *Server) SetStatsStore(store StatsStore) {
	s.stats = store
}

// SetNoticeReader enables the notice board endpoint
func (s *Server) SetNoticeReader(reader NoticeReader) {
	s.notices = reader
}

// Router builds the HTTP routes
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.loggingMiddleware)

	// Public routes
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.requireToken)

	api.HandleFunc("/queue/messages", s.handleEnqueue).Methods(http.MethodPost)
	api.HandleFunc("/queue/bulk", s.handleBulk).Methods(http.MethodPost)
	api.HandleFunc("/queue/purge", s.handlePurge).Methods(http.MethodPost)
	api.HandleFunc("/queue/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/queue/items", s.handleListItems).Methods(http.MethodGet)
	api.HandleFunc("/queue/items/{id:[0-9]+}", s.handleGetItem).Methods(http.MethodGet)

	api.HandleFunc("/notices", s.handleNotices).Methods(http.MethodGet)
	api.HandleFunc("/stats/delivery", s.handleDeliveryStats).Methods(http.MethodGet)
	api.HandleFunc("/stats/hourly", s.handleHourlyStats).Methods(http.MethodGet)

	api.HandleFunc("/logging/level", s.HandleGetLogLevel).Methods(http.MethodGet)
	api.HandleFunc("/logging/level", s.HandleSetLogLevel).Methods(http.MethodPost, http.MethodPut)

	return r
}

// Start binds the listen address and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	go func() {
		s.logger.Info("Starting API server", "addr", ln.Addr().String(), "auth_enabled", s.config.TokenHash != "")
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.ListenAddr
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
