// Package scheduler triggers periodic background drains so operations
// deferred by backoff are retried even when no user action and no
// connectivity transition occurs.
package scheduler

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	possync "github.com/tillworks/possync"
)

// Config holds scheduler configuration.
type Config struct {
	Enabled bool
	// Spec is a cron expression, e.g. "@every 5m".
	Spec   string
	Logger *slog.Logger
}

// Scheduler runs ForceSyncNow on a cron spec. A tick is skipped when a drain
// is already in progress or the terminal is offline.
type Scheduler struct {
	cfg     Config
	service *possync.Service
	cron    *cron.Cron
	entryID cron.EntryID
	logger  *slog.Logger
}

// New creates a scheduler around the service.
func New(cfg Config, service *possync.Service) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:     cfg,
		service: service,
		cron:    cron.New(),
		logger:  logger.With(slog.String("component", "scheduler")),
	}
}

// Start registers the cron entry and starts the scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.logger.Info("scheduler disabled")
		return nil
	}
	id, err := s.cron.AddFunc(s.cfg.Spec, func() { s.trigger(ctx) })
	if err != nil {
		return err
	}
	s.entryID = id
	s.cron.Start()
	s.logger.Info("scheduler started", slog.String("spec", s.cfg.Spec))
	return nil
}

// Stop stops the scheduler and waits for a running job to finish.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) trigger(ctx context.Context) {
	status := s.service.Status()
	if !status.IsOnline {
		s.logger.Debug("scheduled drain skipped, offline")
		return
	}
	if status.SyncStatus == possync.SyncSyncing {
		s.logger.Debug("scheduled drain skipped, sync already running")
		return
	}
	if status.PendingSyncCount == 0 {
		return
	}

	s.logger.Info("scheduled drain", slog.Int("pending", status.PendingSyncCount))
	if _, err := s.service.ForceSyncNow(ctx); err != nil {
		s.logger.Error("scheduled drain failed", slog.Any("error", err))
	}
}
