// Package control wires the redeemer's components together and owns their
// lifecycle.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/vietddude/redeemer/internal/batch"
	"github.com/vietddude/redeemer/internal/captcha"
	"github.com/vietddude/redeemer/internal/core/config"
	"github.com/vietddude/redeemer/internal/core/worker"
	"github.com/vietddude/redeemer/internal/feed"
	"github.com/vietddude/redeemer/internal/health"
	"github.com/vietddude/redeemer/internal/infra/feedapi"
	"github.com/vietddude/redeemer/internal/infra/gameapi"
	redisclient "github.com/vietddude/redeemer/internal/infra/redis"
	"github.com/vietddude/redeemer/internal/queue"
	"github.com/vietddude/redeemer/internal/redeem"
)

// App is the running service.
type App struct {
	cfg          *config.AppConfig
	stores       *Stores
	redisClient  *redisclient.Client
	api          *gameapi.Client
	solver       *captcha.Solver
	controller   *queue.Controller
	synchronizer *feed.Synchronizer
	pruner       *worker.Pruner
	healthServer *health.Server
	grpcServer   *health.GRPCServer
	log          *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewApp builds every component from cfg. Nothing runs until Start.
func NewApp(ctx context.Context, cfg *config.AppConfig) (*App, error) {
	log := slog.Default().With("component", "app")

	stores, err := OpenStores(ctx, cfg.Database, true)
	if err != nil {
		return nil, err
	}

	var (
		redisClient *redisclient.Client
		queueStore  queue.Store
		throttle    redeem.Throttle
	)
	if cfg.Redis.URL != "" {
		redisClient, err = redisclient.NewClient(cfg.Redis)
		if err != nil {
			_ = stores.Close()
			return nil, fmt.Errorf("failed to init redis: %w", err)
		}
		queueStore = redisclient.NewProcessQueue(redisClient)
		throttle = redisclient.NewThrottle(redisClient, "captcha_fetch", cfg.Redeem.CaptchaFetchInterval)
		log.Info("Using Redis queue and shared captcha throttle")
	} else {
		queueStore = queue.NewMemoryStore()
		throttle = redeem.NewMemoryThrottle(cfg.Redeem.CaptchaFetchInterval)
		log.Info("Using in-process queue and captcha throttle")
	}

	api := gameapi.NewClient(gameapi.Config{
		BaseURL: cfg.GameAPI.BaseURL,
		Secret:  cfg.GameAPI.Secret,
		Timeout: cfg.GameAPI.Timeout,
	})

	if cfg.Captcha.InferenceURL == "" {
		log.Warn("No captcha inference_url configured, every captcha will fail to solve")
	}
	solver := captcha.NewSolver(captcha.Config{
		ModelPath:    cfg.Captcha.ModelPath,
		MetadataPath: cfg.Captcha.MetadataPath,
		IdleTimeout:  cfg.Captcha.IdleTimeout,
	}, captcha.NewHTTPBackend(cfg.Captcha.InferenceURL, 0))

	machine := redeem.NewMachine(api, solver, throttle, redeem.Config{
		MaxAttempts:              cfg.Redeem.MaxAttempts,
		MaxConsecutiveRateLimits: cfg.Redeem.MaxConsecutiveRateLimits,
		MaxReauth:                cfg.Redeem.MaxReauth,
		AttemptDelay:             cfg.Redeem.AttemptDelay,
		RetryDelay:               cfg.Redeem.RetryDelay,
		MinConfidence:            cfg.Captcha.MinConfidence,
		RateLimit: redeem.Backoff{
			InitialDelay: cfg.Redeem.RateLimitBase,
			MaxDelay:     cfg.Redeem.RateLimitMax,
			Multiplier:   2,
			Jitter:       0.2,
		},
	})

	executor := batch.NewExecutor(batch.Deps{
		Processes: stores.Processes,
		Players:   stores.Players,
		Alliances: stores.Alliances,
		Codes:     stores.Codes,
		Machine:   machine,
		Solver:    solver,
		Reporter:  batch.Reporters{batch.NewLogReporter(25), batch.MetricsReporter{}},
	}, batch.Config{
		ValidationCooldown: cfg.Batch.ValidationCooldown,
		MinRedeemInterval:  cfg.Batch.MinRedeemInterval,
		VIPThreshold:       cfg.Batch.VIPThreshold,
		NotFoundThreshold:  cfg.Batch.NotFoundThreshold,
		AutoDeleteNotFound: cfg.Batch.AutoDeleteNotFound,
	})

	controller := queue.NewController(stores.Processes, queueStore, executor, queue.Config{
		PollInterval: cfg.Batch.QueuePollInterval,
	})
	executor.SetPreemptor(controller)

	planner := batch.NewPlanner(stores.Processes, stores.Players, stores.Codes, cfg.Batch.ValidationPlayerID)

	var synchronizer *feed.Synchronizer
	var feedStatus health.FeedStatus
	if cfg.Feed.Enabled {
		client := feedapi.NewClient(feedapi.Config{
			URL:     cfg.Feed.BaseURL,
			APIKey:  cfg.Feed.APIKey,
			Timeout: cfg.Feed.Timeout,
		})
		synchronizer = feed.NewSynchronizer(client, stores.Codes, stores.Alliances, planner, controller, feed.Config{
			MinInterval:        cfg.Feed.MinInterval,
			MaxInterval:        cfg.Feed.MaxInterval,
			RevalidateInterval: cfg.Feed.RevalidateInterval,
			Backoff: feed.BackoffConfig{
				Floor:          cfg.Feed.BackoffFloor,
				Ceiling:        cfg.Feed.BackoffCeiling,
				RateLimitFloor: cfg.Feed.RateLimitFloor,
				Multiplier:     cfg.Feed.BackoffMultiplier,
				Jitter:         0.2,
			},
		})
		feedStatus = synchronizer
	}

	monitor := health.NewMonitor(controller, api, feedStatus, solver)
	if stores.db != nil {
		monitor.AddProbe("postgres", stores.db.Health)
	}
	if redisClient != nil {
		monitor.AddProbe("redis", redisClient.Ping)
	}
	healthServer := health.NewServer(monitor, &health.Admin{
		Planner:   planner,
		Submitter: controller,
		Processes: stores.Processes,
		Codes:     stores.Codes,
	}, cfg.Server.Port)

	var grpcServer *health.GRPCServer
	if cfg.Server.GRPCPort != 0 {
		grpcServer = health.NewGRPCServer(monitor, cfg.Server.GRPCPort)
	}

	return &App{
		cfg:          cfg,
		stores:       stores,
		redisClient:  redisClient,
		api:          api,
		solver:       solver,
		controller:   controller,
		synchronizer: synchronizer,
		pruner:       worker.NewPruner(cfg.Batch.ProcessRetention, stores.Processes),
		healthServer: healthServer,
		grpcServer:   grpcServer,
		log:          log,
	}, nil
}

// Start recovers unfinished work and launches the background loops.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if a.stores.db != nil {
		a.stores.db.StartMetricsCollector(runCtx)
	}

	if err := a.controller.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("failed to start queue: %w", err)
	}

	if a.synchronizer != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			_ = a.synchronizer.Run(runCtx)
		}()
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.pruner.Start(runCtx)
	}()

	go func() {
		a.log.Info("Starting health server", "port", a.cfg.Server.Port)
		if err := a.healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("Health server failed", "error", err)
		}
	}()

	if a.grpcServer != nil {
		if err := a.grpcServer.Start(runCtx); err != nil {
			a.log.Error("gRPC health server failed", "error", err)
		} else {
			a.log.Info("Started gRPC health server", "port", a.cfg.Server.GRPCPort)
		}
	}

	return nil
}

// Stop shuts everything down. A running process stops at its next
// suspension point and resumes on the next Start.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("Stopping redeemer")

	if a.cancel != nil {
		a.cancel()
	}
	a.controller.Stop()
	a.wg.Wait()

	var errs []error
	if err := a.healthServer.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("health server: %w", err))
	}
	if a.grpcServer != nil {
		a.grpcServer.Stop()
	}

	a.solver.Unload()
	_ = a.api.Close()

	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if err := a.stores.Close(); err != nil {
		errs = append(errs, fmt.Errorf("database: %w", err))
	}
	return errors.Join(errs...)
}
