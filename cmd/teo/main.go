// Command teo runs the Test Execution Orchestrator: the HTTP API, the
// scheduler tick loop, the health prober, the completion-timeout
// sweeper, and the outbound client-webhook deliverer, all wired against
// a shared Store and event bus.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/codeready-toolchain/teo/pkg/api"
	"github.com/codeready-toolchain/teo/pkg/clientwebhook"
	"github.com/codeready-toolchain/teo/pkg/clock"
	"github.com/codeready-toolchain/teo/pkg/config"
	"github.com/codeready-toolchain/teo/pkg/driver"
	"github.com/codeready-toolchain/teo/pkg/events"
	"github.com/codeready-toolchain/teo/pkg/health"
	"github.com/codeready-toolchain/teo/pkg/metrics"
	"github.com/codeready-toolchain/teo/pkg/registry"
	"github.com/codeready-toolchain/teo/pkg/rules"
	"github.com/codeready-toolchain/teo/pkg/scheduler"
	"github.com/codeready-toolchain/teo/pkg/store"
	"github.com/codeready-toolchain/teo/pkg/store/memstore"
	"github.com/codeready-toolchain/teo/pkg/store/pgstore"
	"github.com/codeready-toolchain/teo/pkg/webhook"
)

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func main() {
	envPath := flag.String("env-file", getEnv("ENV_FILE", ""), "Path to an optional .env file")
	flag.Parse()

	cfg, err := config.Load(*envPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real{}
	ids := &clock.UUIDGenerator{}

	st, closeStore, err := newStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	var redisClient *redis.Client
	if cfg.UseRedis {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer redisClient.Close()
	}

	reg := registry.New(st)
	if err := reg.Resync(ctx); err != nil {
		slog.Error("failed to resync runner registry", "error", err)
		os.Exit(1)
	}

	var cursor rules.CursorAdvancer = st
	if redisClient != nil {
		cursor = rules.NewRedisCursorCache(redisClient, st, int64(cfg.Scheduler.LeaseTTL.Seconds()))
	}
	engine := rules.New(st, cursor)

	bus := events.NewBus(cfg.Events.QueueLimit)
	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	adapters := buildDriverAdapters(cfg)
	gw := driver.NewGateway(st, reg, bus, driver.GatewayConfig{
		Retries:     cfg.Driver.StartRetries,
		BackoffBase: cfg.Driver.BackoffBase,
	}, adapters...)

	var lease scheduler.Lease
	if redisClient != nil {
		lease = scheduler.NewRedisLease(redisClient, cfg.Scheduler.LeaseTTL)
	}
	sched := scheduler.New(st, reg, engine, gw, bus, lease, scheduler.Config{
		TickPeriod:     cfg.Scheduler.TickInterval,
		ClaimBatchSize: cfg.Scheduler.Batch,
		AssignRetries:  cfg.Scheduler.AssignRetries,
	})
	sched.SetMetrics(m)

	ingest := webhook.New(st, bus, clk)
	ingest.SetMetrics(m)

	sweeper := webhook.NewSweeper(st, bus, clk, webhook.SweeperConfig{
		MaxRunning: cfg.Webhook.ExecMaxDuration,
	})

	prober := health.New(reg, bus, clk, health.Config{
		Interval:     cfg.Health.TickInterval,
		ProbeTimeout: cfg.Health.ProbeTimeout,
	})
	prober.SetMetrics(m)

	deliverer := clientwebhook.New(st, clientwebhook.Config{
		Retries:     cfg.Webhook.ClientRetries,
		BackoffBase: cfg.Driver.BackoffBase,
	})

	connManager := events.NewConnectionManager(bus, 0)

	srv := api.NewServer(st, reg, engine, sched, ingest, connManager, clk, ids, promReg, api.Config{
		AuthTokens:    splitTokens(cfg.API.AuthToken),
		WebhookTokens: splitTokens(cfg.API.WebhookToken),
	})

	sched.Start(ctx)
	defer sched.Stop()
	sweeper.Start(ctx)
	defer sweeper.Stop()
	prober.Start(ctx)
	defer prober.Stop()
	go deliverer.Run(ctx, bus)
	go kickSchedulerOnEvents(ctx, bus, sched)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("teo: http server listening", "addr", cfg.API.ListenAddr)
		if err := srv.Start(cfg.API.ListenAddr); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("teo: shutdown signal received")
	case err := <-errCh:
		slog.Error("teo: http server exited", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("teo: graceful shutdown failed", "error", err)
	}
}

// newStore selects the persistence backend per cfg.StoreDriver. The
// returned close func is always safe to call, even for memstore.
func newStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	if cfg.StoreDriver == config.StoreDriverPostgres {
		pg, err := pgstore.New(ctx, pgstore.Config{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			Database: cfg.Database.Database,
			SSLMode:  cfg.Database.SSLMode,
			MaxConns: int32(cfg.Database.MaxOpenConns),
		})
		if err != nil {
			return nil, nil, err
		}
		return pg, func() { pg.Pool().Close() }, nil
	}

	slog.Warn("teo: using in-memory store, state does not survive a restart")
	st := memstore.New(clock.Real{}, &clock.UUIDGenerator{})
	return st, func() {}, nil
}

// buildDriverAdapters wires every RunnerDriver this deployment has
// credentials or connection info for. A runner type with no adapter
// registered fails fast at assignment time via driver.Gateway.
func buildDriverAdapters(cfg *config.Config) []driver.RunnerDriver {
	adapters := []driver.RunnerDriver{driver.NewHTTPDriver(10 * time.Second)}

	if dockerDriver, err := driver.NewDockerDriver(); err != nil {
		slog.Warn("teo: docker driver unavailable, docker-type runners will fail to start", "error", err)
	} else {
		adapters = append(adapters, dockerDriver)
	}

	if cfg.GitHubToken != "" {
		adapters = append(adapters, driver.NewGitHubActionsDriver(cfg.GitHubToken))
	}

	if cfg.AMQPURL != "" {
		if queueDriver, err := driver.NewQueueDriver(cfg.AMQPURL); err != nil {
			slog.Warn("teo: amqp queue driver unavailable, queue-type runners will fail to start", "error", err)
		} else {
			adapters = append(adapters, queueDriver)
		}
	}

	return adapters
}

// kickSchedulerOnEvents keeps the Scheduler edge-triggered (spec.md
// §4.5) without pkg/scheduler importing pkg/webhook or pkg/health: a
// newly queued execution, a freed runner slot, or a runner coming back
// healthy should all trigger an immediate tick rather than waiting out
// the next TickPeriod.
func kickSchedulerOnEvents(ctx context.Context, bus *events.Bus, sched *scheduler.Scheduler) {
	sub := bus.Subscribe(ctx)
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			switch ev.Type {
			case events.TypeExecutionQueued, events.TypeExecutionCompleted, events.TypeRunnerHealthChanged:
				sched.Kick()
			}
		}
	}
}

func splitTokens(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	tokens := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			tokens = append(tokens, p)
		}
	}
	return tokens
}
