// Package internal is the chat server: the broadcast pipeline, the websocket
// transport and the HTTP surface around them.
package internal

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/saurav-co-de/chart/internal/message"
	"github.com/saurav-co-de/chart/internal/session"
	"github.com/saurav-co-de/chart/internal/storage"
)

// Options configure a Server. Users, Messages and JWTSecret are required.
type Options struct {
	Users     *storage.Store
	Messages  message.Store
	JWTSecret string

	// HistoryLimit is how many messages a joiner receives.
	HistoryLimit int
	// SendRate and SendBurst bound websocket sends per session.
	SendRate  rate.Limit
	SendBurst int
	// HTTPRate and HTTPBurst bound API requests per client IP and route.
	HTTPRate  rate.Limit
	HTTPBurst int

	Env         string
	FrontendURL string
	Now         func() time.Time
}

// Server wires the session registry, the pipeline and the transports.
type Server struct {
	users     *storage.Store
	registry  *session.Registry
	pipeline  *Pipeline
	verifier  *Verifier
	presence  *PresenceTracker
	limiter   *RateLimiter
	upgrader  websocket.Upgrader
	logger    zerolog.Logger
	sendRate  rate.Limit
	sendBurst int

	clientsMu sync.Mutex
	clients   map[session.Handle]*Client
	closing   bool
	open      sync.WaitGroup

	env         string
	frontendURL string
}

func NewServer(opts Options) *Server {
	if opts.SendRate == 0 {
		opts.SendRate = rate.Every(600 * time.Millisecond)
	}
	if opts.SendBurst <= 0 {
		opts.SendBurst = 5
	}
	if opts.HTTPRate == 0 {
		opts.HTTPRate = rate.Every(time.Second / 20)
	}
	if opts.HTTPBurst <= 0 {
		opts.HTTPBurst = 40
	}
	registry := session.NewRegistry(opts.Users, opts.Now)
	server := &Server{
		users:       opts.Users,
		registry:    registry,
		pipeline:    NewPipeline(registry, opts.Messages, opts.Users, opts.HistoryLimit),
		verifier:    NewVerifier(opts.JWTSecret),
		presence:    NewPresenceTracker(opts.Now),
		limiter:     NewRateLimiter(opts.HTTPRate, opts.HTTPBurst, 2*time.Minute),
		logger:      log.With().Str("component", "server").Logger(),
		sendRate:    opts.SendRate,
		sendBurst:   opts.SendBurst,
		clients:     make(map[session.Handle]*Client),
		env:         opts.Env,
		frontendURL: strings.TrimRight(opts.FrontendURL, "/"),
	}
	server.upgrader = server.newUpgrader()
	return server
}

func (s *Server) Pipeline() *Pipeline { return s.pipeline }

func (s *Server) Registry() *session.Registry { return s.registry }

// Handler builds the HTTP router.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())
	r.Use(metricsMiddleware())
	r.Use(s.cors())

	r.GET("/api/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", s.ServeWS)

	api := r.Group("/api")
	api.Use(s.limiter.middleware())
	api.Use(s.requireAuth())

	location := api.Group("/location")
	location.PUT("/update", s.handleUpdateLocation)
	location.GET("/room", s.handleRoom)
	location.GET("/nearby", s.handleNearby)

	messages := api.Group("/messages")
	messages.GET("/:roomId", s.handleListMessages)
	messages.POST("", s.handlePostMessage)
	messages.DELETE("/:id", s.handleDeleteMessage)

	return r
}

// Close disconnects every websocket session, waits for their cleanup and
// stops background work. http.Server.Shutdown does not touch hijacked
// connections, so this must run after it.
func (s *Server) Close() {
	s.clientsMu.Lock()
	s.closing = true
	for _, client := range s.clients {
		client.shutdown()
	}
	s.clientsMu.Unlock()
	s.open.Wait()
	s.limiter.Stop()
}

func (s *Server) cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}
		if s.env == "dev" || s.frontendURL == "" || origin == s.frontendURL {
			c.Header("Access-Control-Allow-Origin", origin)
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		event := s.logger.Debug()
		if len(c.Errors) > 0 || status >= http.StatusInternalServerError {
			event = s.logger.Error().Str("errors", c.Errors.String())
		}
		event.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}
