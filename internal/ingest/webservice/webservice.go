// Package webservice provides the HTTP server receiving telemetry envelopes from edge devices.
package webservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/trackside-telemetry/pipeline/internal/constants"
	"github.com/trackside-telemetry/pipeline/internal/ingest/handlers"
	"github.com/trackside-telemetry/pipeline/internal/ingest/metrics"
	"github.com/trackside-telemetry/pipeline/internal/ingest/ratelimit"
)

// Server is a struct that holds the HTTP server and its configuration.
type Server struct {
	httpServer *http.Server
	log        *slog.Logger

	addr net.Addr
	mu   sync.RWMutex

	// This context is used to interrupt any action.
	// It must be the parent of gracefulCtx.
	ctx    context.Context
	cancel context.CancelFunc

	// This context waits for in-flight requests before interrupting.
	gracefulCtx    context.Context
	gracefulCancel context.CancelFunc
}

// StaticConfig holds the static configuration for the server.
type StaticConfig struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestTimeout time.Duration
	MaxHeaderBytes int
	MaxBodyBytes   int64

	ListenHost string
	ListenPort int
}

// Deps are the collaborators of the server.
// Store and Registry are required, the others fall back to doing nothing.
type Deps struct {
	Store      handlers.Storer
	Recorder   handlers.Recorder
	DeadLetter handlers.DeadLetter
	Limiter    ratelimit.Limiter
	Registry   *prometheus.Registry
	Logger     *slog.Logger
}

// New creates a new Server serving the ingestion routes over deps.
func New(ctx context.Context, deps Deps, sc StaticConfig) (*Server, error) {
	if deps.Store == nil {
		return nil, errors.New("no telemetry store provided")
	}
	if deps.Registry == nil {
		return nil, errors.New("no metrics registry provided")
	}
	if sc.MaxBodyBytes <= 0 {
		return nil, fmt.Errorf("invalid maximum body size %d", sc.MaxBodyBytes)
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.Noop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	if s, ok := deps.Store.(interface{ Err() error }); ok && s.Err() != nil {
		deps.Logger.Warn("Telemetry store is unavailable, envelopes will be refused", "err", s.Err())
	}

	ctx, cancel := context.WithCancel(ctx)
	gCtx, gCancel := context.WithCancel(ctx)

	s := Server{
		log:    deps.Logger,
		ctx:    ctx,
		cancel: cancel,

		gracefulCtx:    gCtx,
		gracefulCancel: gCancel}

	handlerOpts := []handlers.Options{handlers.WithLogger(deps.Logger)}
	if deps.DeadLetter != nil {
		handlerOpts = append(handlerOpts, handlers.WithDeadLetter(deps.DeadLetter))
	}
	telemetryHandler := handlers.NewTelemetry(deps.Store, deps.Recorder, sc.MaxBodyBytes, handlerOpts...)

	endpointMW := metrics.NewEndpointMiddleware(deps.Registry)
	muxMW := metrics.NewMuxMiddleware(deps.Registry)

	mux := http.NewServeMux()
	mux.Handle("POST "+constants.TelemetryPath, endpointMW.Wrap("telemetry",
		metrics.HandlerApplyLabels(ratelimit.Middleware(deps.Limiter, deps.Logger, telemetryHandler))))
	mux.Handle(constants.TelemetryPath, handlers.MethodNotAllowed(http.MethodPost))
	mux.Handle("GET "+constants.HealthPath, endpointMW.Wrap("health", http.HandlerFunc(handlers.Health)))
	mux.Handle("GET "+constants.MetricsPath, endpointMW.Wrap("metrics",
		metrics.HandlerApplyLabels(promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))))
	mux.Handle("GET /{$}", endpointMW.Wrap("root", http.HandlerFunc(handlers.Root)))
	mux.HandleFunc("/", handlers.NotFound)

	var handler http.Handler = muxMW.Wrap("mux", cors(handlers.RequestID(mux)))
	if sc.RequestTimeout > 0 {
		handler = http.TimeoutHandler(handler, sc.RequestTimeout, `{"detail":"Request timed out"}`)
	}

	s.httpServer = &http.Server{
		Addr:           net.JoinHostPort(sc.ListenHost, strconv.Itoa(sc.ListenPort)),
		ReadTimeout:    sc.ReadTimeout,
		WriteTimeout:   sc.WriteTimeout,
		Handler:        handler,
		MaxHeaderBytes: sc.MaxHeaderBytes,
	}

	return &s, nil
}

// cors allows any origin and answers preflight requests directly.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		if r.Method == http.MethodOptions {
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "*")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run starts the HTTP server and listens for incoming requests.
func (s *Server) Run() error {
	// already asked to quit?
	select {
	case <-s.gracefulCtx.Done():
		s.cancel()
		return errors.New("server is already shutting down")
	default:
	}

	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("failed to listen on %s: %v", s.httpServer.Addr, err)
	}
	s.mu.Lock()
	s.addr = listener.Addr()
	s.mu.Unlock()
	s.log.Info("Starting server", "addr", listener.Addr().String())

	serverErr := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-s.gracefulCtx.Done():
		s.log.Info("Graceful shutdown initiated")
		// use parent ctx so if you call s.cancel() elsewhere it unblocks Shutdown immediately
		if err := s.httpServer.Shutdown(s.ctx); err != nil {
			s.log.Error("Graceful shutdown failed", "err", err)
			return err
		}
		s.log.Info("Server shut down gracefully")
		s.cancel()
		return nil

	case err := <-serverErr:
		s.cancel()
		if err != nil {
			s.log.Error("Server encountered error", "err", err)
			return err
		}
		// unlikely: Serve returned without being asked to
		return nil
	}
}

// Quit shuts down the HTTP server, waiting for in-flight requests unless force is set.
func (s *Server) Quit(force bool) {
	if force {
		s.httpServer.Close()
		s.cancel()
	} else {
		s.gracefulCancel()
	}
	s.log.Info("Server quit")
}

// Addr returns the address the server is listening on, or an empty string before Run.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.addr == nil {
		return ""
	}
	return s.addr.String()
}
