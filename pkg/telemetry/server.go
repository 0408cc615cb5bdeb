package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServerOption configures the metrics server.
type ServerOption func(*serverOpts)

type serverOpts struct {
	ready  func(ctx context.Context) error
	status func(ctx context.Context) any
	logger *slog.Logger
}

// WithReadiness makes /readyz return 503 while check fails.
func WithReadiness(check func(ctx context.Context) error) ServerOption {
	return func(o *serverOpts) { o.ready = check }
}

// WithStatus exposes the value returned by fn as JSON on /status.
func WithStatus(fn func(ctx context.Context) any) ServerOption {
	return func(o *serverOpts) { o.status = fn }
}

// WithRequestLog logs every request through logger.
func WithRequestLog(logger *slog.Logger) ServerOption {
	return func(o *serverOpts) { o.logger = logger }
}

// NewRouter builds the /metrics, /healthz, /readyz and /status routes.
func NewRouter(opts ...ServerOption) http.Handler {
	var o serverOpts
	for _, opt := range opts {
		opt(&o)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if o.logger != nil {
		r.Use(RequestLogger(o.logger))
	}
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if o.ready != nil {
			if err := o.ready(req.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})
	if o.status != nil {
		r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(o.status(req.Context()))
		})
	}
	return r
}

// StartMetricsServer serves NewRouter on addr in a background goroutine.
// The server shuts down gracefully when ctx is cancelled.
func StartMetricsServer(ctx context.Context, addr string, logger *slog.Logger, opts ...ServerOption) {
	srv := &http.Server{
		Addr:         addr,
		Handler:      NewRouter(append([]ServerOption{WithRequestLog(logger)}, opts...)...),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("metrics server starting", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", slog.String("error", err.Error()))
		}
	}()

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()
}
