package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/daelim-bridge/internal/audit"
	"github.com/nerrad567/daelim-bridge/internal/auth"
	"github.com/nerrad567/daelim-bridge/internal/bridges/daelim"
	"github.com/nerrad567/daelim-bridge/internal/device"
	"github.com/nerrad567/daelim-bridge/internal/infrastructure/config"
	"github.com/nerrad567/daelim-bridge/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// HealthChecker is implemented by infrastructure clients (database, MQTT,
// InfluxDB) whose status is reported by /api/v1/health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger

	// Devices is the session engine. Required.
	Devices daelim.Controller

	// History serves /devices/{category}/{id}/history. Optional.
	History device.HistoryRepository

	// Audit journals API commands and serves /api/v1/audit. Optional.
	Audit audit.Repository

	// Gatherer backs /metrics. Optional.
	Gatherer prometheus.Gatherer

	// Checks are reported by name in the health response. Optional.
	Checks map[string]HealthChecker

	// Stats reports MQTT bridge counters on /api/v1/system/metrics. Optional.
	Stats func() daelim.BridgeStatistics

	Version string
}

// Server is the HTTP API server.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg      config.APIConfig
	wsCfg    config.WebSocketConfig
	tokens   auth.TokenOptions
	logger   *logging.Logger
	devices  daelim.Controller
	history  device.HistoryRepository
	audit    audit.Repository
	gatherer prometheus.Gatherer
	checks   map[string]HealthChecker
	stats    func() daelim.BridgeStatistics
	version  string
	started  time.Time

	hub     *Hub
	tickets *ticketStore

	mu          sync.Mutex
	server      *http.Server
	listener    net.Listener
	cancel      context.CancelFunc
	unsubscribe func()
}

// New creates a new API server with the given dependencies.
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Devices == nil {
		return nil, fmt.Errorf("device controller is required")
	}

	logger := deps.Logger.Component("api")
	return &Server{
		cfg:   deps.Config,
		wsCfg: deps.WS,
		tokens: auth.TokenOptions{
			Secret: deps.Security.JWT.Secret,
			Issuer: deps.Security.JWT.Issuer,
		},
		logger:   logger,
		devices:  deps.Devices,
		history:  deps.History,
		audit:    deps.Audit,
		gatherer: deps.Gatherer,
		checks:   deps.Checks,
		stats:    deps.Stats,
		version:  deps.Version,
		started:  time.Now(),
		hub:      NewHub(deps.WS, logger),
		tickets:  newTicketStore(),
	}, nil
}

// Start binds the listener and serves in the background.
//
// It starts the WebSocket hub and relays engine state changes to it. A bind
// failure (port in use, bad TLS files) is returned synchronously.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return fmt.Errorf("api server already started")
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port))
	if err != nil {
		return fmt.Errorf("binding API listener: %w", err)
	}

	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(srvCtx)
	go s.tickets.cleanLoop(srvCtx)
	s.unsubscribe = s.devices.SubscribeAll(s.relayState)

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	srv := s.server
	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS", "address", ln.Addr().String(), "cert", s.cfg.TLS.CertFile)
			err = srv.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", ln.Addr().String())
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return nil
	}

	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	err := s.server.Shutdown(ctx)
	s.server = nil
	if err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}

// relayState runs on the engine's delivery goroutine; Broadcast never blocks.
func (s *Server) relayState(st daelim.DeviceState) {
	msg := daelim.NewStateMessage(st)
	s.hub.Broadcast(ChannelStateAll, msg)
	s.hub.Broadcast(CategoryChannel(st.Category), msg)
}
