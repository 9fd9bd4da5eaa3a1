package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/firezone/firezone-sub015/internal/config"
	"github.com/firezone/firezone-sub015/internal/events"
	"github.com/firezone/firezone-sub015/internal/jobs"
	"github.com/firezone/firezone-sub015/internal/logging"
	"github.com/firezone/firezone-sub015/internal/metrics"
	"github.com/firezone/firezone-sub015/internal/notify"
	"github.com/firezone/firezone-sub015/internal/presence"
	"github.com/firezone/firezone-sub015/internal/replication"
	"github.com/firezone/firezone-sub015/internal/store"
	fzsync "github.com/firezone/firezone-sub015/internal/sync"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane node",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Bootstrap settings come from the environment alone: the database
	// source cannot be consulted before database_url is known.
	boot, err := config.Load(envResolver())
	if err != nil {
		return err
	}
	logging.Init(logging.Config{
		Level:      logging.Level(boot.LogLevel),
		JSONOutput: boot.LogJSON,
	})
	log := logging.WithComponent("serve")

	st, err := store.Open(ctx, boot.DatabaseURL)
	if err != nil {
		return err
	}
	defer st.Close()

	// Re-resolve with the configurations table in place; env still wins.
	dbSource, err := st.LoadConfigSource(ctx)
	if err != nil {
		return err
	}
	settings, err := config.Load(config.NewResolver(config.Keys(), os.LookupEnv, dbSource))
	if err != nil {
		return err
	}

	m := metrics.New()
	holderID := uuid.New().String()
	log.Info().Str("holder_id", holderID).Msg("Starting control plane node")

	var redisClient *redis.Client
	if settings.RedisURL != "" {
		opts, err := redis.ParseURL(settings.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis_url: %w", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	}

	// Presence and event fanout.
	registry := presence.NewRegistry()
	limiter := presence.NewLimiter()
	bus := presence.NewBus(redisClient)
	socketServer := presence.NewServer(st, registry, limiter, bus, m)

	// WAL event bus: dispatcher with one hook per subscribed table,
	// fed by the singleton replication connection.
	dispatcher := events.NewDispatcher(m)
	events.RegisterHooks(dispatcher, settings.ReplicationTables, bus, socketServer, logging.WithComponent("events"))
	supervisor := replication.NewSupervisor(replication.Config{
		DatabaseURL:  settings.DatabaseURL,
		Publication:  settings.ReplicationPublication,
		Slot:         settings.ReplicationSlot,
		ProtoVersion: settings.ReplicationProtoVersion,
		Tables:       settings.ReplicationTables,
	}, dispatcher, st, holderID, settings.LeaderLeaseDuration, m)

	// Directory sync jobs.
	orch := fzsync.NewOrchestrator(st, m)
	scheduler := jobs.NewGlobalExecutor(
		fzsync.NewScheduler(st, orch, settings.SyncBatchSize),
		jobs.Config{Interval: settings.SyncTickInterval},
		st, holderID, settings.LeaderLeaseDuration, m)
	refresher := jobs.NewGlobalExecutor(
		fzsync.NewTokenRefresher(st, m),
		jobs.Config{Interval: settings.TokenRefreshInterval},
		st, holderID, settings.LeaderLeaseDuration, m)

	outdatedGate, err := jobs.NewCronGate(
		notify.NewOutdatedGateways(st, nil, latestGatewayVersion),
		settings.OutdatedGatewaySchedule)
	if err != nil {
		return err
	}
	notifier := jobs.NewGlobalExecutor(outdatedGate,
		jobs.Config{Interval: time.Minute},
		st, holderID, settings.LeaderLeaseDuration, m)

	pruner := jobs.NewConcurrentExecutor(
		limiterPruner{limiter: limiter},
		jobs.Config{Interval: 10 * time.Minute}, m)

	var wg sync.WaitGroup
	run := func(f func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(ctx)
		}()
	}
	run(bus.Run)
	run(supervisor.Run)
	run(scheduler.Run)
	run(refresher.Run)
	run(notifier.Run)
	run(pruner.Run)

	router := mux.NewRouter()
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/gateway", socketServer.HandleGateway)
	router.HandleFunc("/relay", socketServer.HandleRelay)

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", settings.ListenAddress, settings.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", server.Addr).Msg("Listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	wg.Wait()
	log.Info().Msg("Shut down cleanly")
	return nil
}

// latestGatewayVersion is the most recent published gateway release,
// bumped with each release.
const latestGatewayVersion = "1.4.0"

// limiterPruner evicts idle admission buckets so the per-(IP, token)
// map stays bounded.
type limiterPruner struct {
	limiter *presence.Limiter
}

func (limiterPruner) Name() string { return "presence_limiter_pruner" }

func (p limiterPruner) Execute(context.Context) error {
	p.limiter.Prune(time.Hour)
	return nil
}
