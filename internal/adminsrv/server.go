// Package adminsrv implements the broker's optional loopback-only HTTP
// surface: health checks, Prometheus metrics and pprof profiling.
package adminsrv

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/browserkit/broker/internal/adminsrv/middleware"
	"github.com/browserkit/broker/internal/registry"
	"github.com/browserkit/broker/internal/router"
)

// StatsSource supplies registry counters for /healthz and /metrics.
type StatsSource interface {
	Stats() registry.Stats
}

// RouterStatsSource supplies router counters for /metrics.
type RouterStatsSource interface {
	Stats() router.Stats
}

// Options configures the admin HTTP surface.
type Options struct {
	Addr         string
	PProfEnabled bool
	Registry     StatsSource
	Router       RouterStatsSource
	RateLimitRPM int

	// Metrics and PromRegistry let the composition root share one set of
	// collectors between the admin surface and components (registry,
	// storage-state) that increment them outside of an HTTP request. When
	// either is nil, New builds its own, matching prior standalone behavior.
	Metrics      *Metrics
	PromRegistry *prometheus.Registry
}

// Server is the admin HTTP surface.
type Server struct {
	httpServer *http.Server
	metrics    *Metrics
	rateLimit  *middleware.RateLimiterMiddleware
}

// New builds a Server bound to opts.Addr. It is not started until Serve is
// called.
func New(opts Options) *Server {
	reg := opts.PromRegistry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := opts.Metrics
	if m == nil {
		m = NewMetrics(reg)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthzHandler(opts.Registry, opts.Router))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	if opts.PProfEnabled {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	rpm := opts.RateLimitRPM
	if rpm <= 0 {
		rpm = 300
	}
	rateLimit := middleware.NewRateLimitMiddleware(rpm, false)

	chain := middleware.Chain(
		middleware.Recovery,
		middleware.SecurityHeaders,
		middleware.Logging,
		rateLimit.Handler(),
	)

	s := &Server{
		metrics:   m,
		rateLimit: rateLimit,
		httpServer: &http.Server{
			Addr:         opts.Addr,
			Handler:      chain(mux),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
	return s
}

func healthzHandler(source StatsSource, routerSource RouterStatsSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]interface{}{"status": "ok"}
		if source != nil {
			body["stats"] = source.Stats()
		}
		if routerSource != nil {
			body["router"] = routerSource.Stats()
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(body)
	}
}

// Metrics returns the registered collectors so callers (router, registry,
// storagestate) can update them.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Serve starts the HTTP listener, blocking until it returns an error or is
// shut down.
func (s *Server) Serve() error {
	log.Info().Str("addr", s.httpServer.Addr).Msg("admin surface listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server and the rate limiter's
// background goroutine.
func (s *Server) Shutdown(ctx context.Context) error {
	s.rateLimit.Close()
	return s.httpServer.Shutdown(ctx)
}
