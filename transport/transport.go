// Package transport carries the peer protocol. A Server owns the HTTP
// listener and hosts one backend (raw websocket or socket.io); both feed
// frames into the same Router.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"collab-server/metrics"
	authMiddleware "collab-server/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

const (
	BackendWebSocket = "websocket"
	BackendSocketIO  = "socketio"

	DefaultPort = 4455

	shutdownTimeout = 5 * time.Second
)

// Transport is the capability the collaboration manager needs from a peer
// server.
type Transport interface {
	Start(ctx context.Context) (int, error)
	Stop() error
	Running() bool
	Port() int
	Publish(sessionID string, env Envelope)
}

type Options struct {
	Host           string
	Port           int
	Backend        string
	AllowedOrigins []string
	SendBuffer     int
	WriteTimeout   time.Duration
	MaxFrameBytes  int64

	// Routes mounts additional handlers under /api on the same listener.
	Routes func(chi.Router)
	// Auth guards the peer endpoint and /api when set.
	Auth    func(http.Handler) http.Handler
	Metrics *metrics.Metrics
}

func (o *Options) withDefaults() {
	if o.Backend == "" {
		o.Backend = BackendWebSocket
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = 1 << 20
	}
}

// backend adapts one socket protocol to the Router.
type backend interface {
	http.Handler
	pattern() string
	close()
}

func newBackend(opts Options, router *Router) (backend, error) {
	switch opts.Backend {
	case BackendWebSocket:
		return newWSBackend(opts, router), nil
	case BackendSocketIO:
		return newSocketIOBackend(opts, router), nil
	default:
		return nil, fmt.Errorf("unknown transport backend %q", opts.Backend)
	}
}

// Server is the Transport implementation. Start and Stop are idempotent.
type Server struct {
	opts   Options
	router *Router

	mu         sync.Mutex
	running    bool
	port       int
	httpServer *http.Server
	backend    backend
}

var _ Transport = (*Server)(nil)

func NewServer(router *Router, opts Options) *Server {
	opts.withDefaults()
	return &Server{opts: opts, router: router}
}

func (s *Server) Router() *Router { return s.router }

func (s *Server) Start(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return s.port, nil
	}

	be, err := newBackend(s.opts, s.router)
	if err != nil {
		return 0, err
	}
	ln, err := Listen(ctx, s.opts.Host, s.opts.Port)
	if err != nil {
		be.close()
		return 0, err
	}

	srv := &http.Server{
		Handler:           s.routes(be),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Error("Transport server stopped unexpectedly")
		}
	}()

	s.running = true
	s.port = listenerPort(ln)
	s.httpServer = srv
	s.backend = be
	logrus.WithFields(logrus.Fields{
		"addr":    ln.Addr().String(),
		"backend": s.opts.Backend,
	}).Info("Transport server started")
	return s.port, nil
}

// Stop closes every peer and the listener. It is a no-op when not running.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false

	s.router.CloseAll()
	s.backend.close()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := s.httpServer.Shutdown(ctx)

	logrus.WithField("port", s.port).Info("Transport server stopped")
	s.port = 0
	s.httpServer = nil
	s.backend = nil
	return err
}

func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

func (s *Server) Publish(sessionID string, env Envelope) {
	s.router.Publish(sessionID, env)
}

func (s *Server) routes(be backend) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)
	r.Use(cors.Handler(corsOptions(s.opts.AllowedOrigins)))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", s.opts.Metrics.Handler())

	r.Group(func(r chi.Router) {
		if s.opts.Auth != nil {
			r.Use(s.opts.Auth)
		}
		r.Handle(be.pattern(), be)
		if s.opts.Routes != nil {
			r.Route("/api", s.opts.Routes)
		}
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]any{
		"status":      "ok",
		"backend":     s.opts.Backend,
		"connections": s.router.ConnCount(),
		"sessions":    s.router.registry.Count(),
	})
}

// subjectOf returns the participant id proven by the request's token, or
// empty when the endpoint is not authenticated.
func subjectOf(r *http.Request) string {
	if claims, ok := authMiddleware.ClaimsFromContext(r.Context()); ok {
		return claims.Subject
	}
	return ""
}

// corsOptions allows local and desktop-shell origins plus the configured
// list. A "*" entry allows any origin.
func corsOptions(allowed []string) cors.Options {
	explicit := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		explicit[origin] = true
	}
	return cors.Options{
		AllowOriginFunc: func(r *http.Request, origin string) bool {
			return originAllowed(origin, explicit)
		},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}
}

func originAllowed(origin string, explicit map[string]bool) bool {
	if origin == "" {
		return false
	}
	if explicit["*"] || explicit[origin] {
		return true
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch parsed.Scheme {
	case "http", "https":
		switch parsed.Hostname() {
		case "localhost", "127.0.0.1", "::1":
			return true
		}
	case "tauri":
		return parsed.Hostname() == "localhost"
	}
	return false
}
