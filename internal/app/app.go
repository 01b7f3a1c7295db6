package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"varianceiq/internal/analysis"
	"varianceiq/internal/config"
	apierrors "varianceiq/internal/errors"
	"varianceiq/internal/infrastructure"
	"varianceiq/internal/jobs"
	"varianceiq/internal/middleware"
	"varianceiq/internal/services"
	"varianceiq/internal/store"
	handlers "varianceiq/internal/transport/http"
	ws "varianceiq/internal/websocket"
)

const (
	queueStopTimeout = 30 * time.Second
	jobRetention     = time.Hour
	jobPruneInterval = 10 * time.Minute
)

// Gateway is the remote API surface the server needs.
type Gateway interface {
	analysis.Gateway
}

// Option customises NewApplication.
type Option func(*options)

type options struct {
	gateway Gateway
}

// WithGateway replaces the gateway built from configuration.
func WithGateway(gw Gateway) Option {
	return func(o *options) { o.gateway = gw }
}

// Application is the HTTP server and everything it owns.
type Application struct {
	Config *config.Config
	Logger *slog.Logger
	Router *chi.Mux
	Server *http.Server

	Store           *store.Store
	Hub             *ws.Hub
	JobQueue        *jobs.Queue
	RunService      *services.RunService
	HealthService   *services.HealthService
	InstanceService *services.InstanceService

	runtime  *Runtime
	jobStore *jobs.MemoryStore
	listener net.Listener
	serveErr chan error
	stopOnce sync.Once
	stopErr  error
	bgCancel context.CancelFunc
	bgDone   chan struct{}
}

// NewApplication wires the server on top of rt. Runs left pending or running
// by a previous process are marked interrupted.
func NewApplication(ctx context.Context, rt *Runtime, opts ...Option) (*Application, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfg := rt.Config
	logger := rt.Logger

	returns, err := rt.LoadReturns()
	if err != nil {
		return nil, err
	}

	gw := o.gateway
	if gw == nil {
		client, err := rt.NewGateway()
		if err != nil {
			return nil, fmt.Errorf("failed to create gateway client: %w", err)
		}
		gw = client
	}

	analyzer, err := rt.NewAnalyzer(gw, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to create analyzer: %w", err)
	}

	history, err := rt.OpenStore(ctx, true)
	if err != nil {
		return nil, err
	}
	if n, err := history.MarkInterrupted(ctx); err != nil {
		logger.WarnContext(ctx, "mark_interrupted_failed", slog.String("error", err.Error()))
	} else if n > 0 {
		logger.InfoContext(ctx, "runs_interrupted", slog.Int64("count", n))
	}

	hub := ws.NewHub(logger)
	jobStore := jobs.NewMemoryStore()
	queue := jobs.NewQueue(cfg.Analysis.MaxConcurrentRuns, cfg.Analysis.MaxQueuedRuns, jobStore, logger)

	runService, err := services.NewRunService(services.RunServiceConfig{
		Analyzer:   analyzer,
		Store:      history,
		Queue:      queue,
		Publisher:  ws.NewProgressPublisher(hub),
		Paths:      rt.Paths,
		Returns:    returns,
		WriteCSV:   cfg.Analysis.WriteCSV,
		RunTimeout: cfg.Analysis.RunTimeout,
		Logger:     logger,
	})
	if err != nil {
		_ = history.Close()
		return nil, fmt.Errorf("failed to create run service: %w", err)
	}

	a := &Application{
		Config:   cfg,
		Logger:   logger,
		Store:    history,
		Hub:      hub,
		JobQueue: queue,

		RunService: runService,
		HealthService: services.NewHealthService(config.AppVersion, services.HealthDeps{
			Clients:  hub,
			Runs:     runService,
			Database: history,
		}, logger),
		InstanceService: services.NewInstanceService(gw, returns, logger),

		runtime:  rt,
		jobStore: jobStore,
	}

	a.setupRouter()
	a.createServer()
	return a, nil
}

// setupRouter mounts the websocket endpoint outside the instrumented group so
// no wrapper interferes with the connection upgrade.
func (a *Application) setupRouter() {
	cfg := a.Config
	errorHandler := apierrors.NewErrorHandler(a.Logger, cfg.Telemetry.Environment == "development").
		Register(handlers.ErrorMappings()...)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.NotFound(errorHandler.NotFound)
	r.MethodNotAllowed(errorHandler.MethodNotAllowed)

	r.Handle("/ws", ws.NewHandler(a.Hub, cfg.WebSocket, cfg.Security.AllowedOrigins, a.Logger))

	r.Group(func(r chi.Router) {
		if a.runtime.OTel != nil {
			otelMiddleware, err := middleware.NewOTelMiddleware(a.runtime.OTel)
			if err != nil {
				a.Logger.Error("otel_middleware_unavailable", slog.String("error", err.Error()))
			} else {
				r.Use(otelMiddleware.Handler)
			}
		}
		r.Use(middleware.StructuredLogger(a.Logger, "/api/health"))
		r.Use(errorHandler.Recoverer)
		r.Use(middleware.SecurityHeaders)
		if cfg.Security.EnableCORS {
			r.Use(middleware.CORS(middleware.CORSConfig{
				AllowedOrigins: cfg.Security.AllowedOrigins,
				ExposedHeaders: []string{"Location", "X-Request-ID"},
				MaxAge:         300,
				Logger:         a.Logger,
			}))
		}
		if cfg.Security.RateLimit.Enabled {
			r.Use(middleware.NewRateLimiter(
				cfg.Security.RateLimit.RPS,
				cfg.Security.RateLimit.Burst,
				errorHandler,
				a.Logger,
			).Handler)
		}

		a.setupAPIRoutes(r, errorHandler)
	})

	if a.runtime.OTel != nil && a.runtime.OTel.PrometheusHTTP != nil {
		r.Handle("/metrics", a.runtime.OTel.PrometheusHTTP)
	}

	a.Router = r
}

func (a *Application) setupAPIRoutes(r chi.Router, errorHandler *apierrors.ErrorHandler) {
	runsHandler := handlers.NewRunsHandler(a.RunService, errorHandler, middleware.NewRequestValidator(a.Logger), a.Logger)
	instancesHandler := handlers.NewInstancesHandler(a.InstanceService, errorHandler, a.Logger)
	healthHandler := handlers.NewHealthHandler(a.HealthService, a.Logger)

	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Use(chimw.Compress(5, "application/json", "application/problem+json"))

		r.Get("/health", healthHandler.HealthCheck)
		r.Get("/returns", runsHandler.ListReturns)
		r.Get("/returns/{code}/instances", instancesHandler.Inspect)
		r.Mount("/runs", runsHandler.Routes())
	})
}

func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:           a.Config.Server.Addr(),
		Handler:        a.Router,
		ReadTimeout:    a.Config.Server.ReadTimeout,
		WriteTimeout:   a.Config.Server.WriteTimeout,
		IdleTimeout:    a.Config.Server.IdleTimeout,
		MaxHeaderBytes: a.Config.Server.MaxHeaderBytes,
	}
}

// Start binds the listen address and serves in the background. Serve errors
// are reported on Done.
func (a *Application) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.Server.Addr, err)
	}
	a.listener = ln
	a.serveErr = make(chan error, 1)

	a.Hub.Start()
	a.JobQueue.Start(ctx)

	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.bgCancel = cancel
	a.bgDone = make(chan struct{})
	go a.pruneJobs(bgCtx)

	go func() {
		if err := a.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.ErrorContext(ctx, "server_error", slog.String("error", err.Error()))
			a.serveErr <- err
		}
		close(a.serveErr)
	}()

	a.Logger.InfoContext(ctx, "server_started",
		slog.String("name", config.AppName),
		slog.String("version", config.AppVersion),
		slog.String("address", ln.Addr().String()),
		slog.String("level", a.Config.Logging.Level))
	return nil
}

// Addr is the bound address once Start has returned.
func (a *Application) Addr() string {
	if a.listener == nil {
		return a.Server.Addr
	}
	return a.listener.Addr().String()
}

// Done yields a serve error, or closes when the server stops.
func (a *Application) Done() <-chan error {
	return a.serveErr
}

func (a *Application) pruneJobs(ctx context.Context) {
	defer close(a.bgDone)
	ticker := time.NewTicker(jobPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.jobStore.Prune(jobRetention); n > 0 {
				a.Logger.DebugContext(ctx, "jobs_pruned", slog.Int("count", n))
			}
		}
	}
}

// Stop shuts the server down, cancels queued and running analyses, closes
// websocket clients and the run history. It is safe to call more than once.
func (a *Application) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.stopErr = a.stop(ctx)
	})
	return a.stopErr
}

func (a *Application) stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "server_stopping")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown: %w", err))
	}

	if err := a.JobQueue.Stop(queueStopTimeout); err != nil {
		infrastructure.WithError(a.Logger, err).ErrorContext(ctx, "job_queue_stop_failed")
		errs = append(errs, err)
	}

	if a.bgCancel != nil {
		a.bgCancel()
		<-a.bgDone
	}

	a.Hub.Stop()

	if err := a.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close run history: %w", err))
	}

	a.Logger.InfoContext(ctx, "server_stopped")
	return errors.Join(errs...)
}

// Run serves until ctx is cancelled, SIGINT or SIGTERM arrives, or the server
// fails, then shuts down.
func (a *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		return err
	}

	var serveErr error
	select {
	case <-ctx.Done():
		a.Logger.InfoContext(ctx, "shutdown_signal_received")
	case err, ok := <-a.Done():
		if ok {
			serveErr = err
		}
	}

	return errors.Join(serveErr, a.Stop(context.WithoutCancel(ctx)))
}
