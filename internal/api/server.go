package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/nerrad567/gray-logic-gateway/internal/adapter"
	"github.com/nerrad567/gray-logic-gateway/internal/audit"
	"github.com/nerrad567/gray-logic-gateway/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-gateway/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-gateway/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-gateway/internal/mirror"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// commandTimeout bounds a single control command from any ingress.
const commandTimeout = 10 * time.Second

// ConnectionStatus reports whether an optional side channel is up.
// *mqtt.Client and *influxdb.Client implement it.
type ConnectionStatus interface {
	IsConnected() bool
}

// MirrorStats is implemented by *mirror.Mirror.
type MirrorStats interface {
	Stats() mirror.Stats
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Assets   config.AssetsConfig
	Logger   *logging.Logger
	Manager  *adapter.Manager

	// Optional.
	AuditRepo audit.Repository
	Recorder  *audit.Recorder
	DB        *database.DB
	MQTT      ConnectionStatus
	InfluxDB  ConnectionStatus
	Mirror    MirrorStats
	Version   string
}

// Server is the gateway front door: the UI push channel and the HTTP API.
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	secCfg    config.SecurityConfig
	assetsCfg config.AssetsConfig
	logger    *logging.Logger
	manager   *adapter.Manager
	auditRepo audit.Repository
	recorder  *audit.Recorder
	db        *database.DB
	mqtt      ConnectionStatus
	influx    ConnectionStatus
	mirror    MirrorStats
	version   string
	startTime time.Time

	hub         *Hub
	server      *http.Server
	listener    net.Listener
	cancel      context.CancelFunc
	cancelState func()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Manager == nil {
		return nil, fmt.Errorf("adapter manager is required")
	}
	if deps.WS.Path == "" {
		deps.WS.Path = "/ws"
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		secCfg:    deps.Security,
		assetsCfg: deps.Assets,
		logger:    deps.Logger,
		manager:   deps.Manager,
		auditRepo: deps.AuditRepo,
		recorder:  deps.Recorder,
		db:        deps.DB,
		mqtt:      deps.MQTT,
		influx:    deps.InfluxDB,
		mirror:    deps.Mirror,
		version:   deps.Version,
		startTime: time.Now(),
	}
	s.hub = NewHub(s.wsCfg, s.logger.With("component", "ws"), s.manager)
	return s, nil
}

// Start relays manager states to the hub and begins listening.
//
// The listener is bound before Start returns so a port conflict is
// reported to the caller.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)
	s.cancelState = s.manager.OnState(s.hub.BroadcastState)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		s.cancel()
		s.cancelState()
		return fmt.Errorf("listening on %s: %w", s.server.Addr, err)
	}
	s.listener = ln

	go func() {
		s.logger.Info("API server listening", "address", ln.Addr().String(), "ws_path", s.wsCfg.Path)
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close gracefully shuts down the API server and disconnects all
// push-channel clients.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancelState != nil {
		s.cancelState()
	}
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
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

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
