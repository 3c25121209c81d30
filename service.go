package devicepoll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jpalmerr/devicepoll/device"
	"github.com/jpalmerr/devicepoll/driver"
	"github.com/jpalmerr/devicepoll/internal/poller"
	"github.com/jpalmerr/devicepoll/internal/publish"
	"github.com/jpalmerr/devicepoll/internal/server"
	"github.com/jpalmerr/devicepoll/internal/store"
)

const (
	defaultPort          = 8080
	defaultRetentionDays = 30

	// backendDialTimeout bounds connecting to Postgres and Redis.
	backendDialTimeout = 10 * time.Second
)

// Service is the main orchestrator for device polling.
//
// Service opens the device table and history store, seeds configured
// devices, runs the polling scheduler and the retention sweeper, and fans
// out every completed poll to callbacks, the status API and MQTT. It is
// created using [New] with functional options and started with
// [Service.Start].
//
// The typical lifecycle is:
//
//	svc, err := devicepoll.New(
//	    devicepoll.WithSQLite("devicepoll.db"),
//	    devicepoll.WithDevice(probe),
//	)
//	if err != nil {
//	    slog.Error("failed to create service", "error", err)
//	    os.Exit(1)
//	}
//
//	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer cancel()
//
//	svc.Start(ctx) // blocks until context cancelled
//
// The caller controls the lifecycle via the context. Cancel the context to
// trigger graceful shutdown.
type Service struct {
	cfg      svcConfig
	logger   *slog.Logger
	registry *driver.Registry
}

// New creates a new [Service] with the given options.
//
// Options have sensible defaults:
//   - Port: 8080
//   - Storage: in memory
//   - Retention: 30 days, swept daily
//   - Drivers: [driver.NewBuiltinRegistry]
//
// Returns an error if any option or seeded device is invalid.
func New(opts ...Option) (*Service, error) {
	cfg := svcConfig{
		port:          defaultPort,
		retentionDays: defaultRetentionDays,
		retentionCron: poller.DefaultRetentionSchedule,
	}

	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	seen := make(map[int64]bool, len(cfg.devices))
	for i, d := range cfg.devices {
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("devices[%d]: %w", i, err)
		}
		if d.ID == 0 {
			continue
		}
		if seen[d.ID] {
			return nil, fmt.Errorf("duplicate device id: %d", d.ID)
		}
		seen[d.ID] = true
	}

	// default to slog.Default() if no logger provided
	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}

	registry := cfg.registry
	if registry == nil {
		registry = driver.NewBuiltinRegistry()
	}

	return &Service{cfg: cfg, logger: logger, registry: registry}, nil
}

// Start opens storage and begins polling and serving the status API.
//
// Start is a blocking call that runs until the provided context is cancelled.
// During execution:
//
//   - Configured devices are upserted into the device table
//   - Every schedulable device is polled immediately, then on its interval
//   - History older than the retention window is pruned on schedule
//   - The status API serves on the configured port, unless disabled
//
// Returns nil on graceful shutdown. Returns an error if storage cannot be
// opened, a device cannot be seeded or the HTTP server fails to start.
func (s *Service) Start(ctx context.Context) error {
	// check if context already cancelled
	if ctx.Err() != nil {
		return nil
	}

	s.logger.Info("devicepoll starting",
		"device_count", len(s.cfg.devices),
		"drivers", s.registry.Types(),
	)

	b, err := s.open(ctx)
	if err != nil {
		return err
	}
	defer b.close()

	if err := s.seed(ctx, b.devices); err != nil {
		return err
	}

	var publisher *publish.Publisher
	if m := s.cfg.mqtt; m != nil {
		publisher, err = publish.Dial(m.broker, m.clientID, m.topicPrefix, s.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", err)
		}
		defer publisher.Close()
	}

	sweeper, err := poller.NewSweeper(b.history, s.cfg.retentionDays, s.cfg.retentionCron, s.logger)
	if err != nil {
		return err
	}

	scheduler := poller.NewScheduler(b.devices, b.history, s.registry, s.logger, s.schedulerOptions()...)
	scheduler.Start(ctx)
	sweeper.Start()

	feed := store.NewFeed[poller.Event]()

	// track the events consumer goroutine to ensure clean shutdown
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range scheduler.Events() {
			feed.Publish(ev)

			if publisher != nil && ev.Record != nil {
				if err := publisher.Publish(*ev.Record); err != nil {
					s.logger.Warn("failed to publish record", "device_id", ev.Device.ID, "error", err)
				}
			}

			if len(s.cfg.pollCallbacks) > 0 {
				public := newPollEvent(ev)
				for _, cb := range s.cfg.pollCallbacks {
					invokeCallbackSafe(cb, public, s.logger)
				}
			}
		}
	}()

	// cleanup function ensures the scheduler is stopped and all events are processed
	cleanup := func() {
		sweeper.Stop()
		scheduler.Stop() // closes events channel
		wg.Wait()        // wait for all events to be processed
		feed.Close()
	}

	if s.cfg.port > 0 {
		httpServer := server.NewServer(scheduler, b.devices, b.history, feed, s.cfg.port, s.logger)
		if err := httpServer.Start(ctx); err != nil {
			cleanup()
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
		s.logger.Info("status API available", "url", fmt.Sprintf("http://localhost:%d/api/status", s.cfg.port))
	}

	<-ctx.Done()
	cleanup()
	s.logger.Info("devicepoll stopped")
	return nil
}

// Sweep runs one retention pass against the configured history store and
// returns the number of records deleted.
func (s *Service) Sweep(ctx context.Context) (int64, error) {
	b, err := s.open(ctx)
	if err != nil {
		return 0, err
	}
	defer b.close()

	sweeper, err := poller.NewSweeper(b.history, s.cfg.retentionDays, s.cfg.retentionCron, s.logger)
	if err != nil {
		return 0, err
	}
	return sweeper.RunOnce(ctx)
}

// PurgeDevice deletes all history of one device and returns the number of
// records deleted.
func (s *Service) PurgeDevice(ctx context.Context, deviceID int64) (int64, error) {
	if deviceID <= 0 {
		return 0, fmt.Errorf("invalid device id %d", deviceID)
	}
	b, err := s.open(ctx)
	if err != nil {
		return 0, err
	}
	defer b.close()

	n, err := b.history.PurgeDevice(ctx, deviceID)
	if err != nil {
		return 0, err
	}
	s.logger.Info("device history purged", "device_id", deviceID, "deleted", n)
	return n, nil
}

// Registry returns the driver registry the Service builds drivers from.
func (s *Service) Registry() *driver.Registry {
	return s.registry
}

// Port returns the status API port; 0 means the API is disabled.
func (s *Service) Port() int {
	return s.cfg.port
}

// Devices returns a copy of the devices seeded at startup.
func (s *Service) Devices() []device.Device {
	cp := make([]device.Device, len(s.cfg.devices))
	for i, d := range s.cfg.devices {
		cp[i] = d.Clone()
	}
	return cp
}

func (s *Service) schedulerOptions() []poller.SchedulerOption {
	opts := []poller.SchedulerOption{poller.WithFailureRecords(s.cfg.recordFailures)}
	if s.cfg.refreshInterval > 0 {
		opts = append(opts, poller.WithRefreshInterval(s.cfg.refreshInterval))
	}
	if s.cfg.pollTimeout > 0 {
		opts = append(opts, poller.WithPollTimeout(s.cfg.pollTimeout))
	}
	if s.cfg.shutdownGrace > 0 {
		opts = append(opts, poller.WithShutdownGrace(s.cfg.shutdownGrace))
	}
	return opts
}

// seed upserts the configured devices.
func (s *Service) seed(ctx context.Context, table store.DeviceTable) error {
	for i := range s.cfg.devices {
		d := s.cfg.devices[i].Clone()
		if err := table.SaveDevice(ctx, &d); err != nil {
			return fmt.Errorf("failed to seed device %q: %w", d.Name, err)
		}
		s.logger.Debug("device seeded", "device_id", d.ID, "name", d.Name, "device_type", d.DeviceType)
	}
	return nil
}

// backends are the opened storage components.
type backends struct {
	devices store.DeviceTable
	history store.HistoryStore
	closers []func()
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// open builds the device table, history store and optional cache. On error
// everything opened so far is closed.
func (s *Service) open(ctx context.Context) (_ *backends, err error) {
	b := &backends{}
	defer func() {
		if err != nil {
			b.close()
		}
	}()

	if s.cfg.sqlitePath != "" {
		gs, err := store.OpenSQLite(s.cfg.sqlitePath, s.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		b.closers = append(b.closers, func() {
			if err := gs.Close(); err != nil {
				s.logger.Error("failed to close sqlite store", "error", err)
			}
		})
		b.devices, b.history = gs, gs
	} else {
		mem := store.NewMemoryStore()
		b.devices, b.history = mem, mem
	}

	dialCtx, cancel := context.WithTimeout(ctx, backendDialTimeout)
	defer cancel()

	if s.cfg.postgresDSN != "" {
		pg, err := store.OpenPostgres(dialCtx, s.cfg.postgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres history: %w", err)
		}
		b.closers = append(b.closers, pg.Close)
		b.history = pg
	}

	if s.cfg.redisAddr != "" {
		rdb, err := store.DialRedis(dialCtx, s.cfg.redisAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		b.closers = append(b.closers, func() {
			if err := rdb.Close(); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("failed to close redis client", "error", err)
			}
		})
		b.history = store.NewCachedHistory(b.history, rdb, s.logger)
	}

	return b, nil
}

// invokeCallbackSafe calls a poll callback with panic recovery.
// Panics are logged but do not propagate.
func invokeCallbackSafe(cb func(PollEvent), ev PollEvent, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("poll callback panicked",
				"panic", r,
				"device_id", ev.Device.ID,
			)
		}
	}()
	cb(ev)
}
