// Package server provides the benchkeeper HTTP server.
//
// The server wires the API handlers, authentication, request IDs, metrics
// and body limits into a gin engine and owns the listener lifecycle.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xtxerr/benchkeeper/config"
	"github.com/xtxerr/benchkeeper/internal/errors"
	"github.com/xtxerr/benchkeeper/internal/handler"
	"github.com/xtxerr/benchkeeper/internal/logging"
	"github.com/xtxerr/benchkeeper/internal/metrics"
	"github.com/xtxerr/benchkeeper/internal/storage"
)

var log = logging.Component("server")

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

// =============================================================================
// Server Configuration
// =============================================================================

// Config holds server configuration.
type Config struct {
	// Service is the storage service (required).
	Service *storage.Service

	// Listen is the address to listen on (e.g., "127.0.0.1:8417").
	Listen string

	// TLS configuration (optional).
	TLSCertFile string
	TLSKeyFile  string

	// Authentication tokens. None means unauthenticated access.
	Tokens []handler.TokenConfig

	// MaxBodySize limits request bodies in bytes.
	MaxBodySize int64

	// AuthFailureLimit is the failed token checks per IP and minute before
	// the IP is blocked.
	AuthFailureLimit int

	// Metrics records request metrics. Nil records nothing.
	Metrics *metrics.Metrics

	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

// =============================================================================
// Server
// =============================================================================

// Server is the benchkeeper HTTP server.
type Server struct {
	cfg     *Config
	svc     *storage.Service
	tokens  *handler.Tokens
	engine  *gin.Engine
	metrics *metrics.Metrics

	authRateLimiter *RateLimiter

	mu       sync.Mutex
	http     *http.Server
	listener net.Listener
}

// New creates a new server.
func New(cfg *Config) *Server {
	// Apply defaults
	if cfg.Listen == "" {
		cfg.Listen = config.DefaultListenAddress
	}
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = config.DefaultMaxBodySize
	}
	if cfg.AuthFailureLimit == 0 {
		cfg.AuthFailureLimit = config.DefaultAuthFailureLimit
	}

	s := &Server{
		cfg:     cfg,
		svc:     cfg.Service,
		tokens:  handler.NewTokens(cfg.Tokens),
		metrics: cfg.Metrics,
		authRateLimiter: NewRateLimiter(
			cfg.AuthFailureLimit,
			config.DefaultAuthFailureWindow,
		),
	}
	s.engine = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestID(), s.observe(), s.limitBody())

	h := handler.NewHandler(s.svc)
	r.GET("/healthz", h.Health)
	if s.cfg.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api/v1", s.authenticate())
	h.Register(api)
	return r
}

// SetTokens replaces the API tokens, e.g. after a config reload.
func (s *Server) SetTokens(tokens []handler.TokenConfig) {
	s.tokens.Replace(tokens)
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run listens and serves until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) Run() error {
	var ln net.Listener
	var err error

	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		if err != nil {
			return fmt.Errorf("load TLS cert: %w", err)
		}
		tlsCfg := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		ln, err = tls.Listen("tcp", s.cfg.Listen, tlsCfg)
		if err != nil {
			return fmt.Errorf("TLS listen: %w", err)
		}
		log.Info("listening with TLS", "address", ln.Addr().String())
	} else {
		ln, err = net.Listen("tcp", s.cfg.Listen)
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		log.Info("listening without TLS", "address", ln.Addr().String())
	}
	if s.tokens.Enabled() {
		log.Info("token authentication enabled")
	} else {
		log.Warn("no tokens configured, API is unauthenticated")
	}

	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: config.DefaultReadHeaderTimeout,
	}

	s.mu.Lock()
	s.http = srv
	s.listener = ln
	s.mu.Unlock()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// Addr returns the bound listen address once Run is listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting requests and waits for in-flight ones until
// ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info("shutting down")
	defer s.authRateLimiter.Stop()

	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}

	log.Info("shutdown complete")
	return nil
}

// =============================================================================
// Middleware
// =============================================================================

// requestID assigns every request an ID, honouring one sent by the client.
func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		handler.SetRequestID(c, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// observe records request metrics and logs each request at debug level.
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		s.metrics.RecordRequest(c.Request.Method, route, c.Writer.Status(), elapsed)
		log.Debug("request",
			"method", c.Request.Method,
			"route", route,
			"status", c.Writer.Status(),
			"duration", elapsed,
			"request_id", handler.GetRequestID(c))
	}
}

func (s *Server) limitBody() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxBodySize)
		}
		c.Next()
	}
}

// authenticate validates "Authorization: Bearer <token>" when tokens are
// configured.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.tokens.Enabled() {
			c.Next()
			return
		}

		ip := c.ClientIP()
		if s.authRateLimiter.IsBlocked(ip) {
			log.Warn("blocked due to too many failed auth attempts", "remote", ip)
			s.reject(c, errors.ErrRateLimited)
			return
		}

		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		cfg, valid := s.tokens.Validate(strings.TrimSpace(token))
		if !ok || !valid {
			s.authRateLimiter.RecordFailure(ip)
			log.Warn("auth failed", "remote", ip,
				"failures", s.authRateLimiter.Failures(ip))
			s.reject(c, errors.ErrNotAuthenticated)
			return
		}

		s.authRateLimiter.Reset(ip)
		handler.SetToken(c, cfg)
		c.Next()
	}
}

func (s *Server) reject(c *gin.Context, err error) {
	c.AbortWithStatusJSON(errors.ErrorToStatus(err), handler.ErrorResponse{
		Error:     err.Error(),
		RequestID: handler.GetRequestID(c),
	})
}
