// Package setup bootstraps every subsystem in dependency order and runs
// them under one lifecycle.
package setup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/notarikon-nz/notabot/internal/adaptive"
	"github.com/notarikon-nz/notabot/internal/chat"
	"github.com/notarikon-nz/notabot/internal/command"
	"github.com/notarikon-nz/notabot/internal/config"
	"github.com/notarikon-nz/notabot/internal/dispatcher"
	"github.com/notarikon-nz/notabot/internal/effectiveness"
	"github.com/notarikon-nz/notabot/internal/escalation"
	"github.com/notarikon-nz/notabot/internal/events"
	"github.com/notarikon-nz/notabot/internal/filter"
	"github.com/notarikon-nz/notabot/internal/metrics"
	"github.com/notarikon-nz/notabot/internal/platform"
	"github.com/notarikon-nz/notabot/internal/setup/telemetry"
	"github.com/notarikon-nz/notabot/internal/timer"
)

// ErrNoPlatforms indicates no enabled platform could be configured.
var ErrNoPlatforms = errors.New("no platforms enabled")

// ledgerShardFactor oversizes the offense ledger's shard count relative
// to worker threads to keep lock contention low.
const ledgerShardFactor = 2

// Options tunes application bootstrap.
type Options struct {
	ConfigDir string
	LogDir    string
	LogLevel  string
}

// App bundles every subsystem the bot runs.
type App struct {
	Config     *config.Manager
	Logger     *zap.Logger
	Telemetry  *telemetry.Manager
	Ledger     *escalation.Ledger
	Tracker    *effectiveness.Tracker
	History    *filter.History
	Evaluator  *filter.Evaluator
	Bus        *events.Bus
	Params     *adaptive.Store
	Pools      map[chat.Platform]*platform.Pool
	Dispatcher *dispatcher.Dispatcher
	Scheduler  *timer.Scheduler
	Commands   *command.Registry
	Controller *adaptive.Controller
	Metrics    *metrics.Metrics
	MetricsSrv *metrics.Server

	drainBudget time.Duration
}

// InitializeApp builds every subsystem in dependency order. Config
// errors surface here so callers can distinguish a bad config from a
// runtime failure.
func InitializeApp(creds Credentials, opts Options) (*App, error) {
	tel, err := telemetry.NewManager(opts.LogDir, opts.LogLevel, 0)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	logger, err := tel.Logger()
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	manager, err := config.NewManager(opts.ConfigDir, logger)
	if err != nil {
		return nil, err
	}

	snap := manager.Current()
	perf := snap.Bot.Performance
	features := snap.Bot.Features

	workers := perf.WorkerThreads
	if workers <= 0 {
		workers = 4
	}

	ledger := escalation.NewLedger(workers*ledgerShardFactor, logger)
	tracker := effectiveness.NewTracker(logger)
	history := filter.NewHistory()
	bus := events.NewBus(logger)

	evaluator := filter.NewEvaluator(ledger, tracker, history, evaluatorOptions(perf), logger)

	pools, err := buildPools(creds, &snap.Bot.Platforms, logger)
	if err != nil {
		return nil, err
	}

	if len(pools) == 0 {
		return nil, ErrNoPlatforms
	}

	params := adaptive.NewStore(0)
	if err := adaptive.RegisterDefaults(
		params, perf.BatchSize, perf.ResponseDelayMillis, perf.CacheSizeMB,
	); err != nil {
		return nil, fmt.Errorf("adaptive defaults: %w", err)
	}

	senders := make(map[chat.Platform]dispatcher.Sender, len(pools))
	requeue := false

	for p, pool := range pools {
		senders[p] = pool

		if platformConfig(&snap.Bot.Platforms, p).RequeueOnDeliveryTimeout {
			requeue = true
		}
	}

	disp := dispatcher.New(
		manager, evaluator, ledger, tracker, history, bus, params, senders,
		dispatcher.Options{
			WorkerThreads:        workers,
			QueueSize:            perf.QueueSize,
			RequeueOnSendFailure: requeue,
		},
		logger,
	)

	scheduler := timer.NewScheduler(manager, disp, channelPlatforms(&snap.Bot.Platforms), logger)
	commands := command.NewRegistry(manager, disp, logger)

	// Commands answer only messages moderation passed; every line feeds
	// the timer activity gate.
	disp.SetMessageTap(func(msg *chat.Message, matched bool) {
		scheduler.CountLine(msg.Channel)

		if !matched {
			commands.HandleMessage(msg, msg.UserRole(false))
		}
	})

	mtr := metrics.New(logger)

	sampler := adaptive.SamplerFunc(func(now time.Time) adaptive.Sample {
		sample := disp.Sample(now)
		mtr.Observe(sample)

		return sample
	})

	controller := adaptive.NewController(
		params, sampler, adaptive.DefaultStrategies(adaptive.DefaultThresholds()),
		adaptive.ControllerOptions{LearningMode: features.LearningMode},
		logger,
	)

	// Queue pressure pulls the next tuning decision forward instead of
	// waiting out the sample interval.
	disp.SetPressureSignal(func() { controller.Tick(time.Now()) })

	drain := time.Duration(perf.GracefulShutdownSeconds) * time.Second
	if drain <= 0 {
		drain = 10 * time.Second
	}

	return &App{
		Config:      manager,
		Logger:      logger,
		Telemetry:   tel,
		Ledger:      ledger,
		Tracker:     tracker,
		History:     history,
		Evaluator:   evaluator,
		Bus:         bus,
		Params:      params,
		Pools:       pools,
		Dispatcher:  disp,
		Scheduler:   scheduler,
		Commands:    commands,
		Controller:  controller,
		Metrics:     mtr,
		MetricsSrv:  metrics.NewServer(mtr, creds.DashboardAddr, logger),
		drainBudget: drain,
	}, nil
}

// Run starts every subsystem and blocks until ctx is canceled or a
// fatal error occurs. Shutdown drains in-flight moderation within the
// configured budget.
func (a *App) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error { return a.Config.Watch(groupCtx) })

	inbound := make([]<-chan *chat.Message, 0, len(a.Pools))

	for _, pool := range a.Pools {
		inbound = append(inbound, pool.Messages())

		group.Go(func() error { return pool.Run(groupCtx) })
	}

	group.Go(func() error { return a.Dispatcher.Run(groupCtx, inbound, a.drainBudget) })
	group.Go(func() error { return a.Scheduler.Run(groupCtx) })
	group.Go(func() error { return a.MetricsSrv.Run(groupCtx) })

	group.Go(func() error {
		a.Metrics.Consume(groupCtx, a.Bus.Subscribe())
		return nil
	})

	if a.Config.Current().Bot.Features.AdaptiveTuning {
		group.Go(func() error { return a.Controller.Run(groupCtx) })
	}

	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// Close releases resources that survive Run.
func (a *App) Close() {
	_ = a.Logger.Sync()
}

func evaluatorOptions(perf config.PerformanceConfig) filter.EvaluatorOptions {
	opts := filter.EvaluatorOptions{
		FilterBudget:         time.Duration(perf.FilterBudgetMillis) * time.Millisecond,
		MaxFiltersPerMessage: perf.MaxFiltersPerMessage,
	}

	if perf.ParallelProcessing {
		opts.MessageBudget = filter.DefaultMessageBudgetParallel
	} else {
		opts.MessageBudget = filter.DefaultMessageBudgetSerial
	}

	return opts
}

func buildPools(
	creds Credentials, platforms *config.PlatformsConfig, logger *zap.Logger,
) (map[chat.Platform]*platform.Pool, error) {
	pools := make(map[chat.Platform]*platform.Pool)

	if platforms.Twitch.Enabled {
		if err := creds.ValidateTwitch(); err != nil {
			return nil, err
		}

		cfg := platforms.Twitch
		factory := func() platform.Connection {
			return platform.NewTwitchConnection(
				creds.Twitch, cfg.Channels,
				time.Duration(cfg.ConnectionTimeoutSeconds)*time.Second, logger,
			)
		}

		pools[chat.PlatformTwitch] = platform.NewPool(
			chat.PlatformTwitch, factory, poolConfig(cfg), logger,
		)
	}

	if platforms.YouTube.Enabled {
		if err := creds.ValidateYouTube(); err != nil {
			return nil, err
		}

		cfg := platforms.YouTube
		factory := func() platform.Connection {
			return platform.NewYouTubeConnection(
				creds.YouTube,
				time.Duration(cfg.ConnectionTimeoutSeconds)*time.Second,
				time.Duration(cfg.PollingIntervalMillis)*time.Millisecond, logger,
			)
		}

		pools[chat.PlatformYouTube] = platform.NewPool(
			chat.PlatformYouTube, factory, poolConfig(cfg), logger,
		)
	}

	return pools, nil
}

func poolConfig(cfg config.PlatformConfig) platform.PoolConfig {
	return platform.PoolConfig{
		MaxConnections:      cfg.MaxConnections,
		MinIdleConnections:  cfg.MinIdleConnections,
		ConnectTimeout:      time.Duration(cfg.ConnectionTimeoutSeconds) * time.Second,
		HealthCheckInterval: time.Duration(cfg.HealthCheckIntervalSecs) * time.Second,
		RetryAttempts:       cfg.RetryAttempts,
		MessagesPerSecond:   cfg.MessagesPerSecond,
		BurstLimit:          cfg.BurstLimit,
	}
}

func platformConfig(platforms *config.PlatformsConfig, p chat.Platform) *config.PlatformConfig {
	if p == chat.PlatformYouTube {
		return &platforms.YouTube
	}

	return &platforms.Twitch
}

func channelPlatforms(platforms *config.PlatformsConfig) map[string]chat.Platform {
	out := make(map[string]chat.Platform)

	if platforms.Twitch.Enabled {
		for _, channel := range platforms.Twitch.Channels {
			out[channel] = chat.PlatformTwitch
		}
	}

	if platforms.YouTube.Enabled {
		for _, channel := range platforms.YouTube.Channels {
			out[channel] = chat.PlatformYouTube
		}
	}

	return out
}
