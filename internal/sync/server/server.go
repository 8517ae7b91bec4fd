// Package server wires the sync engine's collaborators into an HTTP
// server, grounded on the teacher's per-service server packages (e.g.
// internal/node/server.Server): functional options, lazy optional
// collaborators (Kafka, S3, Redis), gorilla/mux routing, and symmetric
// Start/Shutdown lifecycle methods.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/robfig/cron/v3"

	"github.com/datatrac/datatrac-sync/internal/platform/cache"
	"github.com/datatrac/datatrac-sync/internal/platform/config"
	"github.com/datatrac/datatrac-sync/internal/platform/database"
	"github.com/datatrac/datatrac-sync/internal/platform/logger"
	"github.com/datatrac/datatrac-sync/internal/platform/middleware"
	"github.com/datatrac/datatrac-sync/internal/platform/telemetry"
	"github.com/datatrac/datatrac-sync/internal/sync/adapters/archive"
	"github.com/datatrac/datatrac-sync/internal/sync/adapters/engine/doc"
	engineSQL "github.com/datatrac/datatrac-sync/internal/sync/adapters/engine/sql"
	"github.com/datatrac/datatrac-sync/internal/sync/adapters/eventbus"
	"github.com/datatrac/datatrac-sync/internal/sync/adapters/http/handlers"
	"github.com/datatrac/datatrac-sync/internal/sync/adapters/messaging/kafka"
	"github.com/datatrac/datatrac-sync/internal/sync/adapters/repository/postgres"
	appservice "github.com/datatrac/datatrac-sync/internal/sync/app/service"
	syncengine "github.com/datatrac/datatrac-sync/internal/sync/domain/engine"
	"github.com/datatrac/datatrac-sync/internal/sync/domain/logbuffer"
)

// maxRequestBodyBytes bounds Control API request bodies (schedule/config
// payloads are small JSON documents; this is a hardening limit, not a
// feature constraint).
const maxRequestBodyBytes = 1 << 20 // 1 MiB

// Server hosts the sync engine's HTTP surface and background schedulers.
type Server struct {
	config    *config.Config
	logger    logger.Logger
	telemetry *telemetry.Telemetry

	httpServer *http.Server
	db         *database.DB
	redis      *cache.RedisCache
	cron       *cron.Cron
	scheduler  *appservice.Scheduler

	controller *appservice.Controller
	bus        *eventbus.Bus
}

// Option configures a Server.
type Option func(*Server)

func WithConfig(cfg *config.Config) Option {
	return func(s *Server) { s.config = cfg }
}

func WithLogger(log logger.Logger) Option {
	return func(s *Server) { s.logger = log }
}

func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(s *Server) { s.telemetry = t }
}

// New builds and initializes a Server from opts.
func New(opts ...Option) (*Server, error) {
	s := &Server{}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize server: %w", err)
	}
	return s, nil
}

func (s *Server) initialize() error {
	db, err := database.New(s.config.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	s.db = db

	if s.config.Redis.Host != "" {
		redisCache, err := cache.NewRedisCache(cache.Config{
			Host:      s.config.Redis.Host,
			Port:      s.config.Redis.Port,
			Password:  s.config.Redis.Password,
			DB:        s.config.Redis.DB,
			KeyPrefix: "datatrac",
		})
		if err != nil {
			s.logger.Warn("Failed to initialize Redis cache, continuing without cross-process locking", "error", err)
		} else {
			s.redis = redisCache
		}
	}

	var publisher *kafka.EventMirror
	if len(s.config.Kafka.Brokers) > 0 {
		publisher, err = kafka.NewEventMirror(&kafka.Config{Brokers: s.config.Kafka.Brokers, Topic: "datatrac-sync-events"})
		if err != nil {
			s.logger.Warn("Failed to initialize Kafka mirror, continuing without durable event side-channel", "error", err)
			publisher = nil
		}
	}

	var archiver *archive.S3Archiver
	if s.config.S3Bucket != "" {
		archiver, err = archive.NewS3Archiver(context.Background(), s.config.S3Bucket)
		if err != nil {
			s.logger.Warn("Failed to initialize S3 archiver, continuing without history archival", "error", err)
			archiver = nil
		}
	}

	bus := eventbus.New()
	s.bus = bus
	logs := logbuffer.New(logbuffer.DefaultCapacity)

	registry := syncengine.NewRegistry(engineSQL.New, doc.New)

	tasks := postgres.NewTaskRepository(db)
	dataSources := postgres.NewDataSourceRepository(db)
	unitConfigs := postgres.NewUnitConfigRepository(db)
	checkpoint := postgres.NewCheckpointStore(db)

	var pub appservice.EventBusPublisher = bus
	if publisher != nil {
		pub = appservice.FanOut(bus, publisher)
	}

	s.controller = appservice.NewController(tasks, dataSources, unitConfigs, checkpoint, registry, pub, logs)
	if archiver != nil {
		s.controller.SetArchiver(archiver)
	}
	if s.redis != nil {
		s.controller.SetLock(appservice.NewRedisStartLock(s.redis))
	}

	s.cron = cron.New()
	s.cron.Start()
	s.scheduler = appservice.NewScheduler(s.cron, s.controller)

	s.setupHTTPServer()
	return nil
}

func (s *Server) setupHTTPServer() {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)
	router.Use(s.recoveryMiddleware)
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.RequestSizeLimit(maxRequestBodyBytes))

	authMiddleware := middleware.NewAuthMiddleware([]byte(s.config.Auth.JWTSecret))
	router.Use(authMiddleware.Middleware)

	router.HandleFunc("/health/live", s.handleLiveness).Methods("GET")
	router.HandleFunc("/health/ready", s.handleReadiness).Methods("GET")

	apiRouter := router.PathPrefix("/api/v1").Subrouter()

	taskHandler := handlers.NewTaskHandler(s.controller, s.scheduler, s.logger)
	taskHandler.RegisterRoutes(apiRouter)

	streamHandler := handlers.NewStreamHandler(s.bus, s.logger)
	streamHandler.RegisterRoutes(apiRouter)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.HTTP.Port),
		Handler:      router,
		ReadTimeout:  s.config.HTTP.ReadTimeout,
		WriteTimeout: s.config.HTTP.WriteTimeout,
		IdleTimeout:  s.config.HTTP.IdleTimeout,
	}
}

// Start runs the HTTP server, blocking until it stops or errors.
func (s *Server) Start() error {
	s.logger.Info("Starting DataTrac sync engine", "port", s.config.HTTP.Port)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server and releases its collaborators.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down DataTrac sync engine")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	s.cron.Stop()

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	return nil
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"alive"}`)
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if err := s.db.HealthCheck(r.Context()); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, `{"status":"not ready","error":"%s"}`, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ready"}`)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		s.logger.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "remote_addr", r.RemoteAddr)
		next.ServeHTTP(w, r)
		s.logger.Info("HTTP request completed", "method", r.Method, "path", r.URL.Path, "duration_ms", time.Since(start).Milliseconds())
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic recovered", "error", err)
				w.WriteHeader(http.StatusInternalServerError)
				fmt.Fprint(w, `{"error":"internal server error"}`)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
