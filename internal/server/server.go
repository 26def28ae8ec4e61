package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"cloudbrowser/internal/api"
	"cloudbrowser/internal/config"
	"cloudbrowser/internal/pool"
	"cloudbrowser/internal/queue"
	"cloudbrowser/internal/realtime"
	"cloudbrowser/internal/session"
	"cloudbrowser/internal/store"

	"github.com/hibiken/asynq"
)

const asynqConcurrency = 4

type Server struct {
	cfg         *config.Config
	deps        *Dependency
	httpServer  *http.Server
	asynqServer *asynq.Server
	asynqMux    *asynq.ServeMux
	pool        *pool.Pool
	sessions    *session.Manager
	queue       *queue.Queue
	hub         *realtime.Hub
	logger      *slog.Logger
}

func NewServer(cfg *config.Config, deps *Dependency) *Server {
	logger := deps.Logger

	p := pool.New(deps.Docker, logger, pool.Config{
		Size:           cfg.Pool.Size,
		PortRangeStart: cfg.Pool.PortRangeStart,
		PortRangeEnd:   cfg.Pool.PortRangeEnd,
		Image:          cfg.Pool.Image,
		NetworkName:    cfg.Pool.NetworkName,
		ContainerMemMB: cfg.Pool.ContainerMemMB,
		ContainerCPU:   cfg.Pool.ContainerCPU,
		ShmSizeMB:      cfg.Pool.ShmSizeMB,
		GPUDevice:      cfg.Pool.GPUDevice,
		DataDir:        cfg.DataDir,
	})

	st := store.NewPGStore(deps.PG, deps.Redis, deps.AsynqClient, logger)
	sessions := session.NewManager(p, st, session.ManagerConfig{
		Duration:        cfg.Session.Duration,
		RateLimitPerDay: cfg.Session.RateLimitPerDay,
	}, logger)

	q := queue.New(sessions, p, queue.Config{}, logger)

	hub := realtime.NewHub(sessions, q, realtime.Config{
		AllowedOrigin: cfg.Server.FrontendURL,
	}, logger)

	logWorker := store.NewLogWorker(deps.PG, logger)
	asynqServer := asynq.NewServer(deps.AsynqRedis, asynq.Config{
		Concurrency: asynqConcurrency,
		Logger:      newAsynqLogger(logger),
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(store.SessionLogTask, logWorker.HandleSessionLog)

	router := api.NewRouter(api.Deps{
		Sessions:      sessions,
		Queue:         q,
		Pool:          p,
		Hub:           hub,
		Store:         st,
		FrontendURL:   cfg.Server.FrontendURL,
		AdminUser:     cfg.Admin.User,
		AdminPassword: cfg.Admin.Password,
	})
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Server{
		cfg:         cfg,
		deps:        deps,
		httpServer:  httpServer,
		asynqServer: asynqServer,
		asynqMux:    mux,
		pool:        p,
		sessions:    sessions,
		queue:       q,
		hub:         hub,
		logger:      logger,
	}
}

func (s *Server) Start(ctx context.Context) error {
	if err := s.pool.Init(ctx); err != nil {
		return err
	}

	go s.sessions.Start()
	go s.queue.Start()
	go s.hub.Start()

	go func() {
		s.logger.Info("Starting log worker", "concurrency", asynqConcurrency)
		if err := s.asynqServer.Start(s.asynqMux); err != nil {
			s.logger.Error("Log worker failed", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting API server", "addr", s.cfg.Server.Addr)
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutdown signal received, draining...")
	case err := <-errCh:
		return err
	}

	return s.Shutdown()
}

func (s *Server) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	s.asynqServer.Shutdown()

	s.hub.Stop()
	s.queue.Stop()
	s.sessions.Stop()
	s.pool.Shutdown()

	s.logger.Info("Server stopped gracefully")
	return nil
}

type asynqLogger struct {
	l *slog.Logger
}

func newAsynqLogger(l *slog.Logger) *asynqLogger {
	return &asynqLogger{l: l.With("component", "asynq")}
}

func (a *asynqLogger) Debug(args ...any) { a.l.Debug("", "msg", args) }
func (a *asynqLogger) Info(args ...any)  { a.l.Info("", "msg", args) }
func (a *asynqLogger) Warn(args ...any)  { a.l.Warn("", "msg", args) }
func (a *asynqLogger) Error(args ...any) { a.l.Error("", "msg", args) }
func (a *asynqLogger) Fatal(args ...any) { a.l.Error("FATAL", "msg", args) }
