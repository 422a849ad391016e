package possync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tillworks/possync/entity"
	syncErrors "github.com/tillworks/possync/errors"
)

// ServiceConfig wires the collaborators of a Service. Queue and Remote are
// required; the rest degrade gracefully when nil (no feed, no persistence,
// always-online).
type ServiceConfig struct {
	StoreID   string
	Queue     QueueStore
	Snapshots SnapshotStore
	Remote    RemoteStore
	Feed      ChangeFeed
	Monitor   *ConnectivityMonitor
	Engine    EngineConfig
	Logger    *slog.Logger
}

// Service is the per-session sync engine: one instance is constructed per
// authenticated session, scoped to one store, and passed by reference to
// callers. There are no package-level singletons.
type Service struct {
	storeID  string
	cache    *LocalCache
	updater  *OptimisticUpdater
	engine   *SyncEngine
	listener *ChangeFeedListener
	monitor  *ConnectivityMonitor

	queue     QueueStore
	snapshots SnapshotStore
	remote    RemoteStore
	feed      ChangeFeed
	logger    *slog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
}

// NewService constructs the engine graph from cfg.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.StoreID == "" {
		return nil, fmt.Errorf("store id is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("queue store is required")
	}
	if cfg.Remote == nil {
		return nil, fmt.Errorf("remote store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("store_id", cfg.StoreID))

	cache := NewLocalCache()
	updater := NewOptimisticUpdater(cache, cfg.Queue, logger)
	resolver := &ReapplyResolver{}

	online := func() bool { return true }
	if cfg.Monitor != nil {
		online = cfg.Monitor.IsOnline
	}

	engineCfg := cfg.Engine
	engineCfg.Logger = logger
	engine := NewSyncEngine(cfg.Queue, cfg.Remote, cache, updater, resolver,
		cfg.Snapshots, online, cfg.StoreID, engineCfg)

	var listener *ChangeFeedListener
	if cfg.Feed != nil {
		listener = NewChangeFeedListener(cfg.Feed, cache, cfg.Queue, resolver,
			cfg.Snapshots, cfg.StoreID, logger)
	}

	return &Service{
		storeID:   cfg.StoreID,
		cache:     cache,
		updater:   updater,
		engine:    engine,
		listener:  listener,
		monitor:   cfg.Monitor,
		queue:     cfg.Queue,
		snapshots: cfg.Snapshots,
		remote:    cfg.Remote,
		feed:      cfg.Feed,
		logger:    logger.With(slog.String("component", "service")),
	}, nil
}

// Start hydrates the cache from the last persisted snapshot, starts the
// connectivity monitor and feed listener, and registers the single
// online-transition trigger for draining.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("service already started")
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	if err := s.hydrate(ctx); err != nil {
		return err
	}

	if s.monitor != nil {
		// One registration: each offline->online transition triggers
		// exactly one drain, no matter how many UI listeners exist.
		s.monitor.OnTransition(func(online bool) {
			if online {
				go func() {
					if err := s.engine.Drain(ctx); err != nil {
						s.logger.Error("drain after reconnect failed", slog.Any("error", err))
					}
				}()
			}
		})
		s.monitor.Start(ctx)
	}

	if s.listener != nil {
		if err := s.listener.Start(ctx); err != nil {
			return err
		}
	}

	// Drain anything left over from the previous session.
	go func() {
		if err := s.engine.Drain(ctx); err != nil {
			s.logger.Error("initial drain failed", slog.Any("error", err))
		}
	}()

	s.logger.Info("sync service started")
	return nil
}

func (s *Service) hydrate(ctx context.Context) error {
	if s.snapshots == nil {
		return nil
	}
	for _, c := range entity.Collections() {
		records, err := s.snapshots.LoadSnapshot(ctx, c)
		if err != nil {
			return syncErrors.WrapKind(err, syncErrors.OpHydrate, "service", syncErrors.KindPersistence)
		}
		for _, rec := range records {
			s.cache.Upsert(c, rec)
		}
	}
	return nil
}

// Shutdown stops the feed, the monitor, and closes the stores the service
// owns, in that order. Safe to call more than once.
func (s *Service) Shutdown() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	started := s.started
	s.started = false
	s.mu.Unlock()
	if !started {
		return nil
	}

	if s.listener != nil {
		s.listener.Stop()
	}
	if s.monitor != nil {
		s.monitor.Stop()
	}
	if cancel != nil {
		cancel()
	}

	var errs []error
	if s.feed != nil {
		if err := s.feed.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.remote.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.queue.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.snapshots != nil {
		if err := s.snapshots.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return syncErrors.New(syncErrors.OpClose, fmt.Errorf("shutdown errors: %v", errs))
	}
	s.logger.Info("sync service stopped")
	return nil
}

// Cache returns the local cache for read access and observer registration.
func (s *Service) Cache() *LocalCache { return s.cache }

// Create applies an optimistic create and queues it for sync.
func (s *Service) Create(ctx context.Context, record entity.Entity) (entity.Entity, error) {
	e, err := s.updater.Create(ctx, record)
	if err != nil {
		return nil, err
	}
	s.drainIfOnline(ctx)
	return e, nil
}

// Update applies an optimistic partial update and queues it for sync.
func (s *Service) Update(ctx context.Context, c entity.Collection, id string, patch entity.Patch) (entity.Entity, error) {
	e, err := s.updater.Update(ctx, c, id, patch)
	if err != nil {
		return nil, err
	}
	s.drainIfOnline(ctx)
	return e, nil
}

// Delete applies an optimistic delete and queues it for sync.
func (s *Service) Delete(ctx context.Context, c entity.Collection, id string) error {
	if err := s.updater.Delete(ctx, c, id); err != nil {
		return err
	}
	s.drainIfOnline(ctx)
	return nil
}

// drainIfOnline attempts the remote write inline after an optimistic
// mutation; while offline the operation simply stays queued.
func (s *Service) drainIfOnline(ctx context.Context) {
	if s.monitor != nil && !s.monitor.IsOnline() {
		return
	}
	go func() {
		if err := s.engine.Drain(ctx); err != nil {
			s.logger.Error("inline drain failed", slog.Any("error", err))
		}
	}()
}

// Status returns the UI status surface.
func (s *Service) Status() Status { return s.engine.Status() }

// FailedOperations lists terminally failed operations for surfacing.
func (s *Service) FailedOperations(ctx context.Context) ([]*QueuedOperation, error) {
	return s.queue.ListFailed(ctx)
}

// State returns the queue-derived sync state.
func (s *Service) State() SyncState { return s.engine.State() }

// ForceSyncResult is the terminal outcome of a manual sync.
type ForceSyncResult struct {
	Synced int    `json:"synced"`
	Failed int    `json:"failed"`
	Status Status `json:"status"`
}

// ForceSyncNow drains the queue regardless of the monitor's state and
// reports a terminal outcome.
func (s *Service) ForceSyncNow(ctx context.Context) (ForceSyncResult, error) {
	before := s.engine.State()
	err := s.engine.ForceDrain(ctx)
	after := s.engine.State()

	synced := before.PendingCount - after.PendingCount - (after.FailedCount - before.FailedCount)
	if synced < 0 {
		synced = 0
	}
	return ForceSyncResult{
		Synced: synced,
		Failed: after.FailedCount,
		Status: s.engine.Status(),
	}, err
}
