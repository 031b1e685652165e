// Command plannersync runs the bidirectional sync between the agents'
// conscious state in Redis and the external collaborative planner.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentmesh/plannersync/auth"
	"github.com/agentmesh/plannersync/core"
	"github.com/agentmesh/plannersync/health"
	"github.com/agentmesh/plannersync/metadata"
	"github.com/agentmesh/plannersync/planner"
	"github.com/agentmesh/plannersync/state"
	"github.com/agentmesh/plannersync/subscription"
	"github.com/agentmesh/plannersync/sync"
	"github.com/agentmesh/plannersync/webhook"
)

// Version is overridden at build time.
var Version = "development"

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("plannersync", Version)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "plannersync:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	var opts []core.Option
	if configPath != "" {
		opts = append(opts, core.WithConfigFile(configPath))
	}
	cfg, err := core.NewConfig(opts...)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := core.NewJSONLogger(cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := initTracing(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer shutdownTracing()

	rc, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL:  cfg.Redis.URL,
		DB:        cfg.Redis.DB,
		Namespace: cfg.Redis.Namespace,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer rc.Close()

	conscious := state.NewConsciousStore(rc, logger)
	maps := state.NewMappingStore(rc, logger)
	queue := state.NewOpQueue(rc, logger)
	syncLog := state.NewBoundedLog(rc, state.KeySyncLog, state.SyncLogMax)
	webhookLog := state.NewBoundedLog(rc, state.KeyWebhookLog, state.WebhookLogMax)

	tokens := auth.NewTokenService(cfg.Auth, rc, logger)

	pc, err := planner.NewClient(planner.ClientConfig{
		BaseURL:        cfg.Planner.BaseURL,
		RequestTimeout: cfg.Planner.RequestTimeout,
		RateLimit:      cfg.Planner.RateLimit,
		RateWindow:     cfg.Planner.RateWindow,
		Logger:         logger,
	}, tokens)
	if err != nil {
		return fmt.Errorf("failed to build planner client: %w", err)
	}

	metaCache := metadata.NewCache(rc, logger)
	resolver := metadata.NewResolver(metaCache, pc)
	resolveDefaultBucket(ctx, cfg, resolver, logger)

	subStore := subscription.NewStore(rc)
	subs := subscription.NewManager(pc, subStore, cfg.Webhook, cfg.Planner.GroupID, logger)
	receiver := webhook.NewReceiver(cfg.Webhook, webhookLog, subs, logger)

	tracker := health.NewTracker()
	uploader := sync.NewUploader(cfg.Sync, cfg.Planner, pc, conscious, maps, queue, syncLog, rc, tracker, logger)
	uploader.SetBucketResolver(resolver)
	downloader := sync.NewDownloader(cfg.Sync, cfg.Planner, pc, conscious, maps, subs,
		receiver.Notifications(), uploader.Locks(), uploader.Poke, syncLog, tracker, logger)
	downloader.SetMetadataInvalidator(metaCache)

	pub := health.NewPublisher(cfg.Health, rc, tracker, queue, subs, tokens, logger)
	hk := health.NewHousekeeper(cfg.Health, rc, maps, pc, metaCache, logger)

	srv := newServer(cfg.HTTP, receiver, pub, logger)

	sup := core.NewSupervisor(cfg.HTTP.ShutdownTimeout, logger)
	sup.Add(tokens)
	sup.Add(subs)
	sup.Add(uploader)
	sup.Add(downloader)
	sup.Add(pub)
	sup.Add(hk)
	sup.Add(srv)

	logger.Info("plannersync starting", map[string]interface{}{
		"version": Version,
		"name":    cfg.Name,
		"plan_id": cfg.Planner.DefaultPlanID,
	})
	return sup.Run(ctx)
}

// resolveDefaultBucket fills in a missing default bucket from the plan's
// first bucket. Best effort: when the lookup fails, creates keep retrying
// through the queue until a bucket is configured or appears.
func resolveDefaultBucket(ctx context.Context, cfg *core.Config, resolver *metadata.Resolver, logger core.Logger) {
	if cfg.Planner.DefaultBucketID != "" || cfg.Planner.DefaultPlanID == "" {
		return
	}
	bucket, err := resolver.FirstBucket(ctx, cfg.Planner.DefaultPlanID)
	if err != nil {
		logger.Warn("No default bucket configured and none resolvable", map[string]interface{}{
			"plan_id": cfg.Planner.DefaultPlanID,
			"error":   err,
		})
		return
	}
	cfg.Planner.DefaultBucketID = bucket.ID
	logger.Info("Resolved default bucket from plan", map[string]interface{}{
		"plan_id":   cfg.Planner.DefaultPlanID,
		"bucket_id": bucket.ID,
	})
}
