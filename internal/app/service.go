package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"sensoralert/internal/clock"
	"sensoralert/internal/config"
	"sensoralert/internal/logging"
	"sensoralert/internal/metrics"
	"sensoralert/internal/notify"
	"sensoralert/internal/notifyqueue"
	"sensoralert/internal/realtime"
	"sensoralert/internal/store"
	"sensoralert/internal/upstream"
	"sensoralert/internal/worker"

	"github.com/redis/go-redis/v9"
)

const defaultHubBuffer = 64

// Service composes runtime dependencies and process lifecycle.
// Params: config snapshot and shared runtime components.
// Returns: runnable sensoralert service.
type Service struct {
	cfg      config.Config
	logger   *slog.Logger
	closeLog func()
	clock    clock.Clock
	metrics  *metrics.Metrics

	store       store.Store
	cache       *realtime.Cache
	redis       *redis.Client
	upstream    *upstream.Client
	history     *upstream.HistoryQuery
	hub         *notify.Hub
	broadcaster *notify.NATSBroadcaster
	notifier    *notify.Notifier
	dispatcher  *notify.Dispatcher
	notifyPub   notifyqueue.Producer
	notifyQ     notifyqueue.Worker

	alertWorker *worker.AlertWorker
	alarmFeed   *worker.AlarmFeed

	httpSrv   *http.Server
	readyFlag atomic.Bool
}

// NewService builds service instance from config source.
// Params: config source and clock implementation.
// Returns: initialized service or setup error.
func NewService(source config.ConfigSource, clk clock.Clock) (*Service, error) {
	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		return nil, err
	}
	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	return newService(cfg, logger, closeLog, clk)
}

func newService(cfg config.Config, logger *slog.Logger, closeLog func(), clk clock.Clock) (*Service, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}
	service := &Service{
		cfg:      cfg,
		logger:   logger.With("service", cfg.Service.Name),
		closeLog: closeLog,
		clock:    clk,
		metrics:  metrics.New(),
	}

	steps := []func() error{
		service.buildStore,
		service.buildCache,
		service.buildUpstream,
		service.buildNotifier,
		service.buildWorkers,
		service.buildHTTPServer,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			service.cleanupInitResources()
			return nil, err
		}
	}
	return service, nil
}

// Store returns persistence backend for rule and event consumers.
func (s *Service) Store() store.Store { return s.store }

// Cache returns realtime cache shared with readers.
func (s *Service) Cache() *realtime.Cache { return s.cache }

// Hub returns in-process subscription hub; nil in nats mode.
func (s *Service) Hub() *notify.Hub { return s.hub }

// History returns cached history query helper.
func (s *Service) History() *upstream.HistoryQuery { return s.history }

// Upstream returns telemetry API client.
func (s *Service) Upstream() *upstream.Client { return s.upstream }

// Handler returns operational HTTP handler.
func (s *Service) Handler() http.Handler { return s.httpSrv.Handler }

// Run starts service lifecycle and blocks until shutdown signal.
// Params: root context for service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", "listen", s.cfg.HTTP.Listen)
		err := s.httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if err := s.Start(runCtx); err != nil {
		_ = s.shutdown()
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-errChan:
		_ = s.shutdown()
		return fmt.Errorf("http server failed: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
		return s.shutdown()
	}
}

// Start launches background workers without the HTTP listener.
// Params: context bounding worker lifetime.
// Returns: worker start error.
func (s *Service) Start(ctx context.Context) error {
	if err := s.alertWorker.Start(ctx); err != nil {
		return fmt.Errorf("start alert worker: %w", err)
	}
	if s.alarmFeed != nil {
		if err := s.alarmFeed.Start(ctx); err != nil {
			return fmt.Errorf("start alarm feed: %w", err)
		}
	}
	s.readyFlag.Store(true)
	return nil
}

// shutdown closes runtime resources in dependency order.
// Params: none.
// Returns: first close error.
func (s *Service) shutdown() error {
	s.readyFlag.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var firstErr error
	markErr := func(name string, err error) {
		if err == nil {
			return
		}
		s.logger.Error(name+" failed", "error", err.Error())
		if firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", name, err)
		}
	}

	if s.httpSrv != nil {
		markErr("http shutdown", s.httpSrv.Shutdown(ctx))
	}
	s.alertWorker.Stop()
	if s.alarmFeed != nil {
		s.alarmFeed.Stop()
	}
	if s.notifyQ != nil {
		markErr("notify queue worker close", s.notifyQ.Close())
	}
	if s.notifyPub != nil {
		markErr("notify queue producer close", s.notifyPub.Close())
	}
	if s.broadcaster != nil {
		markErr("nats broadcaster close", s.broadcaster.Close())
	}
	if s.redis != nil {
		markErr("redis close", s.redis.Close())
	}
	markErr("store close", s.store.Close())
	s.logger.Info("service stopped")
	if s.closeLog != nil {
		s.closeLog()
	}
	return firstErr
}

// Shutdown stops workers and closes resources.
func (s *Service) Shutdown() error {
	return s.shutdown()
}

// cleanupInitResources closes partially initialized resources on startup failures.
// Params: none.
// Returns: all acquired resources closed best-effort.
func (s *Service) cleanupInitResources() {
	if s.notifyQ != nil {
		_ = s.notifyQ.Close()
		s.notifyQ = nil
	}
	if s.notifyPub != nil {
		_ = s.notifyPub.Close()
		s.notifyPub = nil
	}
	if s.broadcaster != nil {
		_ = s.broadcaster.Close()
		s.broadcaster = nil
	}
	if s.redis != nil {
		_ = s.redis.Close()
		s.redis = nil
	}
	if s.store != nil {
		_ = s.store.Close()
		s.store = nil
	}
	if s.closeLog != nil {
		s.closeLog()
		s.closeLog = nil
	}
}

// buildStore creates rule/state/event backend from service mode.
func (s *Service) buildStore() error {
	if isSingleMode(s.cfg) {
		s.store = store.NewMemoryStore(s.clock.Now)
		return nil
	}
	backend, err := store.NewNATSStore(s.cfg.Store.NATS, s.clock.Now)
	if err != nil {
		return fmt.Errorf("open nats store: %w", err)
	}
	s.store = backend
	return nil
}

// buildCache creates realtime cache with optional Redis mirror.
// Params: none.
// Returns: redis connectivity error.
func (s *Service) buildCache() error {
	var mirror realtime.Mirror
	redisCfg := s.cfg.Cache.Redis
	if redisCfg.Enabled {
		s.redis = redis.NewClient(&redis.Options{
			Addr:     redisCfg.Addr,
			Password: redisCfg.Password,
			DB:       redisCfg.DB,
		})
		redisMirror := realtime.NewRedisMirror(s.redis, redisCfg.KeyPrefix, time.Duration(redisCfg.TTLSec)*time.Second, s.clock)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := redisMirror.Ping(ctx); err != nil {
			return fmt.Errorf("connect redis mirror: %w", err)
		}
		mirror = redisMirror
	}
	s.cache = realtime.NewCache(s.clock, mirror, s.logger)
	return nil
}

// buildUpstream creates telemetry client and history helper.
func (s *Service) buildUpstream() error {
	s.upstream = upstream.NewClient(s.cfg.Upstream, s.logger, s.clock, upstream.WithObserver(s.metrics))
	s.history = upstream.NewHistoryQuery(s.upstream, s.cfg.History.DefaultLastHours, s.cfg.History.CacheSec, s.clock)
	return nil
}

// buildNotifier wires push broadcaster and optional chat/webhook delivery.
// Params: none.
// Returns: NATS connect or queue setup error.
func (s *Service) buildNotifier() error {
	var broadcaster notify.Broadcaster
	if isSingleMode(s.cfg) {
		s.hub = notify.NewHub(defaultHubBuffer, s.logger)
		broadcaster = s.hub
	} else {
		natsBroadcaster, err := notify.NewNATSBroadcaster(s.cfg.Store.NATS.URL, s.cfg.Notify.PublishPrefix)
		if err != nil {
			return err
		}
		s.broadcaster = natsBroadcaster
		broadcaster = natsBroadcaster
	}

	var sinks []notify.EventSink
	channels := config.EnabledNotifyChannels(s.cfg.Notify)
	if len(channels) > 0 {
		s.dispatcher = notify.NewDispatcher(s.cfg.Notify, s.logger)
		sink, err := s.buildDeliverySink(channels)
		if err != nil {
			return err
		}
		sinks = append(sinks, sink)
	}

	s.notifier = notify.NewNotifier(broadcaster, notify.StaticRoles(s.cfg.Notify.Roles), s.logger, sinks...)
	return nil
}

// buildDeliverySink selects direct dispatch or async queue for chat/webhook channels.
// Params: enabled channel names.
// Returns: event sink or queue setup error.
func (s *Service) buildDeliverySink(channels []string) (notify.EventSink, error) {
	queueCfg := s.cfg.Notify.Queue
	if !queueCfg.Enabled || isSingleMode(s.cfg) {
		return s.dispatcher, nil
	}
	producer, err := notifyqueue.NewNATSProducer(s.cfg.Store.NATS.URL, queueCfg)
	if err != nil {
		return nil, err
	}
	s.notifyPub = producer
	queueWorker, err := notifyqueue.NewNATSWorker(
		s.cfg.Store.NATS.URL,
		queueCfg,
		s.logger,
		notifyqueue.DeliveryHandler(s.dispatcher),
		notifyqueue.WithJobObserver(s.metrics),
	)
	if err != nil {
		return nil, err
	}
	s.notifyQ = queueWorker
	return notifyqueue.NewSink(producer, channels, s.clock.Now), nil
}

// buildWorkers creates alert worker and optional alarm feed.
func (s *Service) buildWorkers() error {
	s.alertWorker = worker.New(s.cfg.Worker, worker.AlertDeps{
		Store:     s.store,
		Source:    s.upstream,
		Cache:     s.cache,
		Publisher: s.notifier,
		Metrics:   s.metrics,
		Logger:    s.logger.With("component", "alert_worker"),
		Clock:     s.clock,
	})
	if !s.cfg.AlarmFeed.Enabled || !s.cfg.Alarm.Enabled {
		return nil
	}
	s.alarmFeed = worker.NewAlarmFeed(s.cfg.AlarmFeed, worker.AlarmFeedDeps{
		Devices:   s.upstream,
		Records:   upstream.NewAlarmClient(s.cfg.Alarm, s.logger, s.metrics),
		Publisher: s.notifier,
		Metrics:   s.metrics,
		Logger:    s.logger.With("component", "alarm_feed"),
		Clock:     s.clock,
	})
	return nil
}

// buildHTTPServer wires health, readiness, and metrics endpoints.
// Params: none.
// Returns: setup error.
func (s *Service) buildHTTPServer() error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.HTTP.HealthPath, func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ok"))
	})
	mux.HandleFunc(s.cfg.HTTP.ReadyPath, func(writer http.ResponseWriter, request *http.Request) {
		if err := s.ready(request.Context()); err != nil {
			writer.WriteHeader(http.StatusServiceUnavailable)
			_, _ = writer.Write([]byte("not-ready: " + err.Error()))
			return
		}
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ready"))
	})
	mux.Handle(s.cfg.HTTP.MetricsPath, s.metrics.Handler())

	s.httpSrv = &http.Server{
		Addr:              s.cfg.HTTP.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// ready reports whether workers run and backends answer.
// Params: request context.
// Returns: first failed readiness check.
func (s *Service) ready(ctx context.Context) error {
	if !s.readyFlag.Load() {
		return errors.New("workers not started")
	}
	if pinger, ok := s.store.(interface{ Ping() error }); ok {
		if err := pinger.Ping(); err != nil {
			return fmt.Errorf("store: %w", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

func isSingleMode(cfg config.Config) bool {
	return config.NormalizeServiceMode(cfg.Service.Mode) == config.ServiceModeSingle
}
