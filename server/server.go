// Package server exposes the status and control API for the scheduler
// and notification queue, plus the websocket event stream the dashboard
// subscribes to.
package server

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/diwan-erp/diwan/errors"
	"github.com/diwan-erp/diwan/notify"
	"github.com/diwan-erp/diwan/scheduler"
)

// Server hosts the admin API
type Server struct {
	db         *sql.DB
	engine     *scheduler.Engine
	execStore  *scheduler.ExecutionStore
	deadLetter *scheduler.DeadLetterStore
	jobStore   *scheduler.Store
	queue      *notify.Queue
	notifStore *notify.Store
	hub        *Hub
	httpServer *http.Server
	logger     *zap.SugaredLogger
}

// Config contains server configuration
type Config struct {
	Addr string // Listen address (default: ":8090")
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{Addr: ":8090"}
}

// New creates the API server. The hub it creates should be passed to the
// scheduler engine as its broadcaster before Start.
func New(db *sql.DB, engine *scheduler.Engine, queue *notify.Queue, hub *Hub, cfg Config, logger *zap.SugaredLogger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultConfig().Addr
	}

	s := &Server{
		db:         db,
		engine:     engine,
		execStore:  scheduler.NewExecutionStore(db),
		deadLetter: scheduler.NewDeadLetterStore(db),
		jobStore:   scheduler.NewStore(db),
		queue:      queue,
		notifStore: notify.NewStore(db),
		hub:        hub,
		logger:     logger,
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// routes builds the API mux
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.hub.HandleWS)

	mux.HandleFunc("/api/system/scheduler/jobs", s.handleSchedulerJobs)
	mux.HandleFunc("/api/system/scheduler/jobs/", s.handleSchedulerJob)
	mux.HandleFunc("/api/system/scheduler/executions", s.handleSchedulerExecutions)
	mux.HandleFunc("/api/system/scheduler/dead-letter", s.handleSchedulerDeadLetter)
	mux.HandleFunc("/api/system/scheduler/dead-letter/", s.handleSchedulerDeadLetterAction)
	mux.HandleFunc("/api/system/scheduler/status", s.handleSchedulerStatus)
	mux.HandleFunc("/api/system/scheduler/start", s.handleSchedulerStart)
	mux.HandleFunc("/api/system/scheduler/stop", s.handleSchedulerStop)

	mux.HandleFunc("/api/system/notifications", s.handleNotifications)
	mux.HandleFunc("/api/system/notifications/", s.handleNotificationAction)
	mux.HandleFunc("/api/system/notifications/stats", s.handleNotificationStats)
	mux.HandleFunc("/api/system/notifications/dead-letter", s.handleNotificationsDeadLetter)
	mux.HandleFunc("/api/system/notifications/dead-letter/", s.handleNotificationDeadLetterAction)
	mux.HandleFunc("/api/system/notifications/start", s.handleQueueStart)
	mux.HandleFunc("/api/system/notifications/stop", s.handleQueueStop)

	return s.logRequests(corsMiddleware(mux))
}

// Start begins serving. Blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	s.logger.Infow("API server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server failed")
	}
	return nil
}

// Shutdown stops the listener and disconnects websocket clients
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

// handleHealth reports process liveness plus component state
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	status := "ok"
	dbStatus := "ok"
	if err := s.db.Ping(); err != nil {
		status = "degraded"
		dbStatus = err.Error()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           status,
		"database":         dbStatus,
		"schedulerRunning": s.engine.Running(),
		"queueRunning":     s.queue.Running(),
	})
}
