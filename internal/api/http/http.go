package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jekabolt/o2o-ledger/internal/middleware"
)

// Config is the configuration for the http server
type Config struct {
	Port           string        `mapstructure:"port"`
	Address        string        `mapstructure:"address"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// MaxBodyBytes limits ingest payloads.
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`
	// WriteRateLimit caps ingest and rebuild calls per client within
	// WriteRateWindow. Zero disables the limit.
	WriteRateLimit  int           `mapstructure:"write_rate_limit"`
	WriteRateWindow time.Duration `mapstructure:"write_rate_window"`
}

// DefaultConfig returns default configuration values.
func DefaultConfig() Config {
	return Config{
		Port:            "8081",
		Address:         "0.0.0.0",
		RequestTimeout:  60 * time.Second,
		MaxBodyBytes:    64 << 20,
		WriteRateLimit:  60,
		WriteRateWindow: time.Minute,
	}
}

// Server is the http server
type Server struct {
	hs   *http.Server
	c    *Config
	h    *Handlers
	done chan struct{}
}

// New creates a new server
func New(config *Config, h *Handlers) *Server {
	return &Server{
		c:    config,
		h:    h,
		done: make(chan struct{}),
	}
}

// Done returns a channel that is closed when the http server exits
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Handler returns the routes of the API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowOriginFunc: func(r *http.Request, origin string) bool {
			return isOriginAllowed(origin, s.c.AllowedOrigins)
		},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Content-Length", "Accept-Encoding", "Authorization"},
		MaxAge:         300,
	}))
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.h.healthz)

	r.Route("/api/v1", func(r chi.Router) {
		if s.c.RequestTimeout > 0 {
			r.Use(chimw.Timeout(s.c.RequestTimeout))
		}
		r.Post("/query", s.h.query)
		r.Get("/status", s.h.status)
		r.Get("/orders/{orderId}", s.h.order)
		r.Group(func(r chi.Router) {
			if s.c.WriteRateLimit > 0 && s.c.WriteRateWindow > 0 {
				r.Use(middleware.RateLimit(s.c.WriteRateLimit, s.c.WriteRateWindow))
			}
			r.With(limitBody(s.c.MaxBodyBytes)).Post("/ingest", s.h.ingest)
			r.Post("/cache/rebuild", s.h.rebuild)
		})
	})
	return r
}

func limitBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if n > 0 {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Start starts the server
func (s *Server) Start(ctx context.Context) error {
	listenerAddr := fmt.Sprintf("%s:%s", s.c.Address, s.c.Port)
	s.hs = &http.Server{
		Addr:              listenerAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Default().InfoContext(ctx, "o2o-ledger new listener", slog.String("addr", "http://"+listenerAddr))
		err := s.hs.ListenAndServe()
		if err == http.ErrServerClosed {
			slog.Default().InfoContext(ctx, "http server returned")
		} else {
			slog.Default().ErrorContext(ctx, "http server exited with an error",
				slog.String("err", err.Error()),
			)
		}
		close(s.done)
	}()
	return nil
}

// Stop shuts the server down, waiting for in-flight requests until ctx is done.
func (s *Server) Stop(ctx context.Context) error {
	if s.hs == nil {
		return nil
	}
	return s.hs.Shutdown(ctx)
}

func isOriginAllowed(origin string, allowedOrigins []string) bool {
	// Always allow localhost origins
	if strings.HasPrefix(origin, "http://localhost:") || strings.HasPrefix(origin, "https://localhost:") {
		return true
	}
	for _, allowedOrigin := range allowedOrigins {
		if allowedOrigin == "*" || origin == allowedOrigin {
			return true
		}
	}
	return false
}
