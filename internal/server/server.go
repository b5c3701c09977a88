package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"videoingest/internal/api"
	"videoingest/internal/observability/logging"
	"videoingest/internal/observability/metrics"
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type Config struct {
	Addr              string
	TLS               TLSConfig
	CORS              CORSConfig
	Security          SecurityConfig
	RateLimit         RateLimitConfig
	Logger            *slog.Logger
	Metrics           *metrics.Recorder
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
}

type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
	tls        TLSConfig
}

func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, errors.New("api handler is required")
	}
	logger := logging.WithComponent(cfg.Logger, "http")

	mux := http.NewServeMux()
	handler.Register(mux)
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics.Handler())
	}

	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, fmt.Errorf("configure cors: %w", err)
	}

	chain := http.Handler(mux)
	chain = rateLimitMiddleware(newRateLimiter(cfg.RateLimit), logger, chain)
	chain = corsMiddleware(policy, logger, chain)
	chain = securityHeadersMiddleware(cfg.Security, chain)
	chain = metrics.HTTPMiddleware(cfg.Metrics, chain)
	chain = logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger, Skip: quietPath})(chain)
	chain = requestIDMiddleware(logger, chain)

	readHeaderTimeout := cfg.ReadHeaderTimeout
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = 10 * time.Second
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 120 * time.Second
	}
	// No ReadTimeout or WriteTimeout: uploads and event streams are long-lived.
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           chain,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	httpServer.RegisterOnShutdown(handler.CloseStreams)

	srv := &Server{
		httpServer: httpServer,
		handler:    chain,
		logger:     logger,
		tls: TLSConfig{
			CertFile: strings.TrimSpace(cfg.TLS.CertFile),
			KeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
		},
	}
	if srv.tls.CertFile != "" && srv.tls.KeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return srv, nil
}

// Handler returns the fully wrapped handler chain.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// HTTPServer exposes the configured *http.Server for serverutil.Run.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

func (s *Server) TLS() TLSConfig {
	return s.tls
}

func quietPath(r *http.Request) bool {
	return r.URL.Path == "/healthz" || r.URL.Path == "/metrics"
}
