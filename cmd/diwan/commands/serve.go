package commands

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/diwan-erp/diwan/config"
	"github.com/diwan-erp/diwan/db"
	"github.com/diwan-erp/diwan/errors"
	"github.com/diwan-erp/diwan/jobs"
	"github.com/diwan-erp/diwan/logger"
	"github.com/diwan-erp/diwan/notify"
	"github.com/diwan-erp/diwan/scheduler"
	"github.com/diwan-erp/diwan/server"
)

// ServeCmd starts the scheduler, notification queue, and API server
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the scheduler, notification queue, and API server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log := logger.Logger

	conn, err := db.Open(cfg.Database.Path, log)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := db.Migrate(conn, log); err != nil {
		return err
	}

	hub := server.NewHub(log)

	jobStore := scheduler.NewStore(conn)
	execStore := scheduler.NewExecutionStore(conn)
	deadLetter := scheduler.NewDeadLetterStore(conn)
	engine := scheduler.NewEngine(
		jobStore,
		execStore,
		deadLetter,
		scheduler.NewCronSchedule(),
		hub,
		scheduler.EngineConfig{
			TickInterval: cfg.Scheduler.TickInterval,
			JobTimeout:   cfg.Scheduler.JobTimeout,
		},
		log,
	)

	notifStore := notify.NewStore(conn)
	queue := notify.NewQueue(
		notifStore,
		notify.NewLogSender(log),
		notify.QueueConfig{
			PollInterval:     cfg.Notifications.PollInterval,
			RetryBackoffBase: cfg.Notifications.RetryBackoffBase,
			RatePerSecond:    cfg.Notifications.RatePerSecond,
			MaxAttempts:      cfg.Notifications.MaxAttempts,
		},
		log,
	)

	if err := registerJobs(cfg, conn, engine, execStore, jobStore, deadLetter, queue); err != nil {
		return err
	}

	if err := engine.Start(); err != nil {
		return errors.Wrap(err, "failed to start scheduler engine")
	}
	defer engine.Stop()

	if err := queue.Start(); err != nil {
		return errors.Wrap(err, "failed to start notification queue")
	}
	defer queue.Stop()

	srv := server.New(conn, engine, queue, hub, server.Config{Addr: cfg.Server.Addr}, log)

	log.Infow("Diwan started",
		"addr", cfg.Server.Addr,
		"database", cfg.Database.Path,
		"schedule", engine.DescribeNextRun())

	// Serve until the listener fails or we get a shutdown signal
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		return err
	case sig := <-stop:
		log.Infow("Shutting down", "signal", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("Server shutdown error", "error", err)
	}

	return nil
}

// registerJobs wires the application's scheduled jobs into the engine
func registerJobs(cfg *config.Config, conn *sql.DB, engine *scheduler.Engine, execStore *scheduler.ExecutionStore, jobStore *scheduler.Store, deadLetter *scheduler.DeadLetterStore, queue *notify.Queue) error {
	log := logger.Logger

	expiryScan := jobs.NewExpiryScanJob(conn, queue,
		cfg.Alerts.AdminName, cfg.Alerts.AdminEmail,
		cfg.Alerts.ExpiryWindowDays, log)
	if err := engine.Register(scheduler.Definition{
		ID:          jobs.ExpiryScanJobID,
		Name:        "Document Expiry Scan",
		NameAr:      "فحص انتهاء الوثائق",
		Description: "Scans employee documents nearing expiry and notifies the administrator",
		Cron:        cfg.Scheduler.ExpiryScanCron,
		MaxRetries:  cfg.Scheduler.DefaultMaxRetries,
		Handler:     expiryScan,
	}); err != nil {
		return err
	}

	digest := jobs.NewDailyDigestJob(jobStore, deadLetter, queue,
		cfg.Alerts.AdminName, cfg.Alerts.AdminEmail, log)
	if err := engine.Register(scheduler.Definition{
		ID:          jobs.DailyDigestJobID,
		Name:        "Daily Digest",
		NameAr:      "الملخص اليومي",
		Description: "Summarizes scheduler and notification activity for the administrator",
		Cron:        cfg.Scheduler.DailyDigestCron,
		MaxRetries:  cfg.Scheduler.DefaultMaxRetries,
		Handler:     digest,
	}); err != nil {
		return err
	}

	cleanup := jobs.NewHistoryCleanupJob(execStore, cfg.Scheduler.RetentionDays, log)
	if err := engine.Register(scheduler.Definition{
		ID:          jobs.HistoryCleanupJobID,
		Name:        "Execution History Cleanup",
		NameAr:      "تنظيف سجل التنفيذ",
		Description: "Deletes execution history older than the retention period",
		Cron:        "30 3 * * *",
		MaxRetries:  cfg.Scheduler.DefaultMaxRetries,
		Handler:     cleanup,
	}); err != nil {
		return err
	}

	return nil
}
