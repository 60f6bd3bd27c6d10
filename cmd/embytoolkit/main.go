package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/hbq0405/emby-toolkit-sub001/internal/actors"
	"github.com/hbq0405/emby-toolkit-sub001/internal/catalog"
	"github.com/hbq0405/emby-toolkit-sub001/internal/collection"
	"github.com/hbq0405/emby-toolkit-sub001/internal/config"
	"github.com/hbq0405/emby-toolkit-sub001/internal/database"
	"github.com/hbq0405/emby-toolkit-sub001/internal/emby"
	"github.com/hbq0405/emby-toolkit-sub001/internal/logger"
	"github.com/hbq0405/emby-toolkit-sub001/internal/mediasync"
	"github.com/hbq0405/emby-toolkit-sub001/internal/moviepilot"
	"github.com/hbq0405/emby-toolkit-sub001/internal/notification/telegram"
	"github.com/hbq0405/emby-toolkit-sub001/internal/quota"
	"github.com/hbq0405/emby-toolkit-sub001/internal/ratelimit"
	"github.com/hbq0405/emby-toolkit-sub001/internal/server"
	"github.com/hbq0405/emby-toolkit-sub001/internal/settings"
	"github.com/hbq0405/emby-toolkit-sub001/internal/subscription"
	"github.com/hbq0405/emby-toolkit-sub001/internal/tasks"
	"github.com/hbq0405/emby-toolkit-sub001/internal/tmdb"
	"github.com/hbq0405/emby-toolkit-sub001/internal/watchlist"
)

// defaultChain is the ordered nightly maintenance chain.
var defaultChain = []string{
	tasks.KeyFullScan,
	tasks.KeyMetadataPopulate,
	tasks.KeyEnrichAliases,
	tasks.KeySyncImagesMap,
	tasks.KeyRefreshWatchlist,
	tasks.KeyBuildCollections,
	tasks.KeyResubscribeScan,
}

func main() {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	// .env is optional; real environment variables win either way.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Path:       cfg.Logging.Path,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	defer log.Close()

	log.Info().Str("version", config.Version).Msg("starting embytoolkit")

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	db, err := database.New(cfg.Database.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}
	conn := db.Conn()

	// Boundary clients.
	embyClient := emby.NewClient(cfg.Emby.BaseURL, cfg.Emby.APIKey,
		time.Duration(cfg.Emby.Timeout)*time.Second, log.Logger)
	tmdbClient := tmdb.NewClient(cfg.TMDB, log.Logger)
	mpClient := moviepilot.NewClient(cfg.MoviePilot, log.Logger)
	notifier := telegram.New(telegram.Settings{
		BotToken: cfg.Telegram.BotToken,
		ChatID:   cfg.Telegram.ChatID,
	}, nil, log.Logger)

	// Stores and shared counters.
	settingsStore := settings.NewStore(conn)
	quotaSvc := quota.NewService(settingsStore, cfg.Subscription.DailyQuota, log.Logger)
	limiter := ratelimit.NewLimiter(settingsStore, map[string]ratelimit.EndpointConfig{
		"moviepilot": {MinInterval: 2 * time.Second, DailyCap: 500},
	}, log.Logger)

	catalogStore := catalog.NewStore(conn, log.Logger)
	watchStore := watchlist.NewStore(conn)
	requestStore := subscription.NewRequestStore(conn)
	collectionStore := collection.NewStore(conn)

	// Domain services.
	syncService := mediasync.NewService(catalogStore, embyClient, tmdbClient,
		notifier, db, cfg.Emby.LibraryIDs, log.Logger)
	watchEngine := watchlist.NewEngine(watchStore, catalogStore, embyClient, tmdbClient, log.Logger)
	controller := subscription.NewController(requestStore, watchStore, catalogStore,
		mpClient, tmdbClient, quotaSvc, limiter, settingsStore,
		cfg.Subscription.ResubscribeEnabled, log.Logger)
	importer := collection.NewImporter(tmdbClient, settingsStore, nil, log.Logger)
	builder := collection.NewBuilder(collectionStore, catalogStore, importer, embyClient, nil, log.Logger)
	actorProc := actors.NewProcessor(catalogStore, tmdbClient, settingsStore, log.Logger)

	registry, err := buildRegistry(syncService, watchEngine, controller, builder, actorProc, embyClient)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build task registry")
	}
	runner := tasks.NewRunner(registry, log.Logger)

	cron, err := tasks.NewCron(runner, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create task timers")
	}
	jobs := []tasks.JobConfig{
		{TaskKey: tasks.KeyFullScan, Cron: "0 */6 * * *", RunOnStart: true},
		{TaskKey: tasks.KeyRefreshWatchlist, Cron: "30 */4 * * *"},
		{TaskKey: tasks.KeyRevivalCheck, Cron: "0 5 * * 1"},
		{TaskKey: tasks.KeyResubscribeScan, Cron: "15 6 * * *"},
		{TaskKey: tasks.KeyBuildCollections, Cron: "45 3 * * *"},
	}
	for _, job := range jobs {
		if err := cron.Register(job); err != nil {
			log.Fatal().Err(err).Str("task", job.TaskKey).Msg("failed to schedule task")
		}
	}

	markers := emby.NewSelfUpdateMarkers(emby.DefaultMarkerWindow)
	chainBudget := time.Duration(cfg.Tasks.ChainMaxRuntimeMinutes) * time.Minute
	srv := server.NewServer(runner, cron, markers, watchEngine, syncService,
		defaultChain, chainBudget, log.Logger)

	cron.Start()
	go func() {
		log.Info().Str("address", cfg.Server.Address()).Msg("http server listening")
		if err := srv.Start(cfg.Server.Address()); err != nil {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")

	runner.Stop()
	if err := cron.Stop(); err != nil {
		log.Warn().Err(err).Msg("timer shutdown failed")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server shutdown failed")
	}
}

// buildRegistry binds every task key to its processor.
func buildRegistry(syncService *mediasync.Service, watchEngine *watchlist.Engine,
	controller *subscription.Controller, builder *collection.Builder,
	actorProc *actors.Processor, embyClient *emby.Client) (*tasks.Registry, error) {
	return tasks.NewRegistry(
		tasks.Task{
			Key: tasks.KeyFullScan, Description: "扫描媒体库并同步元数据", Kind: tasks.KindMedia, Chainable: true,
			Run: func(ctx context.Context, inv *tasks.Invocation) error {
				_, err := syncService.Sync(ctx, mediasync.RunOptions{
					DeepMode: inv.ForceFullUpdate,
					Stop:     inv.Stopped,
					Progress: inv.Report,
				})
				return err
			},
		},
		tasks.Task{
			Key: tasks.KeyMetadataPopulate, Description: "重建全部条目的元数据", Kind: tasks.KindMedia, Chainable: true,
			Run: func(ctx context.Context, inv *tasks.Invocation) error {
				_, err := syncService.Sync(ctx, mediasync.RunOptions{
					DeepMode: true,
					Stop:     inv.Stopped,
					Progress: inv.Report,
				})
				return err
			},
		},
		tasks.Task{
			Key: tasks.KeyRefreshWatchlist, Description: "刷新追剧列表", Kind: tasks.KindWatchlist, Chainable: true,
			Run: func(ctx context.Context, inv *tasks.Invocation) error {
				return watchEngine.Refresh(ctx, watchlist.RunOptions{
					Stop:     inv.Stopped,
					Progress: inv.Report,
				})
			},
		},
		tasks.Task{
			Key: tasks.KeyRevivalCheck, Description: "检查已完结剧集复活", Kind: tasks.KindWatchlist, Chainable: true,
			Run: func(ctx context.Context, inv *tasks.Invocation) error {
				return watchEngine.CheckRevivals(ctx, watchlist.RunOptions{
					Stop:     inv.Stopped,
					Progress: inv.Report,
				})
			},
		},
		tasks.Task{
			Key: tasks.KeyResubscribeScan, Description: "缺集洗版重订", Kind: tasks.KindWatchlist, Chainable: true,
			Run: func(ctx context.Context, inv *tasks.Invocation) error {
				_, err := controller.Resubscribe(ctx, subscription.RunOptions{
					Stop:     inv.Stopped,
					Progress: inv.Report,
				})
				return err
			},
		},
		tasks.Task{
			Key: tasks.KeyBuildCollections, Description: "重建自定义合集", Kind: tasks.KindMedia, Chainable: true,
			Run: func(ctx context.Context, inv *tasks.Invocation) error {
				return builder.BuildAll(ctx, collection.RunOptions{
					Stop:     inv.Stopped,
					Progress: inv.Report,
				})
			},
		},
		tasks.Task{
			Key: tasks.KeyEnrichAliases, Description: "补全演职员信息", Kind: tasks.KindActor, Chainable: true,
			Run: func(ctx context.Context, inv *tasks.Invocation) error {
				return actorProc.EnrichAliases(ctx, actors.RunOptions{
					ForceFullUpdate: inv.ForceFullUpdate,
					Stop:            inv.Stopped,
					Progress:        inv.Report,
				})
			},
		},
		tasks.Task{
			Key: tasks.KeySyncImagesMap, Description: "同步图片映射", Kind: tasks.KindActor, Chainable: true,
			Run: func(ctx context.Context, inv *tasks.Invocation) error {
				return actorProc.SyncImagesMap(ctx, actors.RunOptions{
					ForceFullUpdate: inv.ForceFullUpdate,
					Stop:            inv.Stopped,
					Progress:        inv.Report,
				})
			},
		},
		tasks.Task{
			Key: tasks.KeySyncItem, Description: "同步单个剧集的全部分集", Kind: tasks.KindMedia, Chainable: false,
			Run: func(ctx context.Context, inv *tasks.Invocation) error {
				if inv.TargetID == "" {
					return fmt.Errorf("sync-item requires a target series id")
				}
				children, err := embyClient.GetSeriesChildren(ctx, inv.TargetID)
				if err != nil {
					return err
				}
				var episodeIDs []string
				for _, child := range children {
					if child.Type == "Episode" {
						episodeIDs = append(episodeIDs, child.ID)
					}
				}
				return syncService.SyncEpisodes(ctx, inv.TargetID, episodeIDs)
			},
		},
	)
}
