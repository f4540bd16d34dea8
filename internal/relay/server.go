package relay

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"ideasync/internal/infrastructure/observability"
	"ideasync/internal/middleware"
	"ideasync/internal/protocol"
	"ideasync/pkg/api"
	"ideasync/pkg/auth"
	apperrors "ideasync/pkg/errors"
)

// ServerConfig holds relay server configuration
type ServerConfig struct {
	Limits            Limits
	AllowedOrigins    []string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	// MetricsPath exposes Prometheus metrics when not empty.
	MetricsPath string
}

// DefaultServerConfig returns default relay server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Limits:            DefaultLimits(),
		AllowedOrigins:    []string{"*"},
		ReadHeaderTimeout: 10 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		MetricsPath:       "/metrics",
	}
}

// Server represents the relay websocket server
type Server struct {
	hub        *Hub
	upgrader   websocket.Upgrader
	authorizer auth.Authorizer
	metrics    *observability.Collector
	config     ServerConfig
	logger     *zap.Logger
}

// NewServer creates a new relay server
func NewServer(hub *Hub, authorizer auth.Authorizer, metrics *observability.Collector, config ServerConfig, logger *zap.Logger) *Server {
	s := &Server{
		hub:        hub,
		authorizer: authorizer,
		metrics:    metrics,
		config:     config,
		logger:     logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Routes builds the HTTP handler of the relay.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(s.logger))
	r.Use(middleware.Logging(s.logger))
	r.Use(observability.TracingMiddleware(s.hub.tracer))
	r.Use(observability.MetricsMiddleware(s.metrics))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.config.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", middleware.RequestIDHeader},
		ExposedHeaders: []string{middleware.RequestIDHeader},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Get("/rooms", s.handleRooms)
	if s.config.MetricsPath != "" {
		r.Method(http.MethodGet, s.config.MetricsPath, s.metrics.Handler())
	}
	r.Get("/ws", s.HandleWebSocket)
	r.Get("/{room}", s.HandleWebSocket)
	return r
}

// HandleWebSocket upgrades a join request. The room comes from the path
// (/idea-42) or, on /ws, from the room query parameter.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	room := chi.URLParam(r, "room")
	if room == "" {
		room = r.URL.Query().Get("room")
	}
	if _, err := protocol.ParseRoom(room); err != nil {
		s.metrics.Rejections.WithLabelValues("invalid_room").Inc()
		api.FromError(w, apperrors.NewValidation(err.Error()))
		return
	}

	identity, err := s.authorizer.Authorize(r.Context(), auth.TokenFromRequest(r), room)
	if err != nil {
		s.metrics.Rejections.WithLabelValues(string(apperrors.TypeOf(err))).Inc()
		s.logger.Warn("Room join rejected",
			zap.String("room", room),
			zap.String("remoteAddr", r.RemoteAddr),
			zap.Error(err),
		)
		api.FromError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.metrics.Rejections.WithLabelValues("upgrade").Inc()
		s.logger.Warn("Failed to upgrade connection",
			zap.Error(err),
			zap.String("remoteAddr", r.RemoteAddr),
		)
		return
	}

	client := NewClient(room, identity.UserID, s.hub, conn, s.config.Limits, s.logger)
	client.Start(r.Context())
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// StartWithContext serves on address until ctx is done, then shuts down
// gracefully.
func (s *Server) StartWithContext(ctx context.Context, address string) error {
	server := &http.Server{
		Addr:              address,
		Handler:           s.Routes(),
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
	}

	// Channel to listen for errors
	serverErr := make(chan error, 2)

	go func() {
		if err := s.hub.Run(ctx); err != nil {
			serverErr <- err
		}
	}()

	go func() {
		s.logger.Info("Starting relay server", zap.String("address", address))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutting down relay server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("relay server shutdown error: %w", err)
		}
		s.hub.Stop()

		s.logger.Info("Relay server stopped gracefully")
		return nil

	case err := <-serverErr:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		server.Shutdown(shutdownCtx)
		s.hub.Stop()
		return fmt.Errorf("relay server error: %w", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	api.Success(w, http.StatusOK, map[string]string{"status": "healthy", "service": "relay"})
}

type roomStats struct {
	Room        string `json:"room"`
	Connections int    `json:"connections"`
}

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	rooms := s.hub.Rooms()
	out := make([]roomStats, 0, len(rooms))
	for room, n := range rooms {
		out = append(out, roomStats{Room: room, Connections: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Room < out[j].Room })
	api.Success(w, http.StatusOK, out)
}
