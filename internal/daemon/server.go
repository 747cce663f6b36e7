package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/matheus3301/duet/internal/api"
	"github.com/matheus3301/duet/internal/config"
	"github.com/matheus3301/duet/internal/gateway"
	"github.com/matheus3301/duet/internal/metrics"
	"go.uber.org/zap"
)

// Server manages the HTTP listener that carries the REST surface, the
// websocket gateway and the metrics endpoint.
type Server struct {
	echo     *echo.Echo
	listener net.Listener
	gateway  *gateway.Gateway
	logger   *zap.Logger
}

// NewServer binds the configured address and mounts every route. The
// listener is opened here so that a busy port fails startup.
func NewServer(
	cfg *config.Config,
	logger *zap.Logger,
	gw *gateway.Gateway,
	threads *api.ThreadService,
	status *api.StatusService,
	m *metrics.Metrics,
) (*Server, error) {
	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Listener = listener

	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.Origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				logger.Warn("request failed", append(fields, zap.Error(v.Error))...)
				return nil
			}
			logger.Debug("request", fields...)
			return nil
		},
	}))

	api.Register(e, threads, status)
	e.GET("/ws", echo.WrapHandler(gw))
	e.GET("/metrics", echo.WrapHandler(m.Handler()))

	return &Server{
		echo:     e,
		listener: listener,
		gateway:  gw,
		logger:   logger,
	}, nil
}

// Addr returns the bound address, useful when the config asked for port 0.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Start serves until Stop. Blocks.
func (s *Server) Start() error {
	s.logger.Info("http server starting", zap.String("addr", s.Addr()))
	if err := s.echo.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop closes websocket connections first, since http.Server.Shutdown does
// not track hijacked connections, then drains HTTP requests.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("http server stopping")
	if err := s.gateway.Close(ctx); err != nil {
		s.logger.Warn("gateway close", zap.Error(err))
	}
	if err := s.echo.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown", zap.Error(err))
	}
}
