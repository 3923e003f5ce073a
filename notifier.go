package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maxpert/ldapnotify/admin"
	"github.com/maxpert/ldapnotify/cfg"
	"github.com/maxpert/ldapnotify/common"
	"github.com/maxpert/ldapnotify/coordinator"
	"github.com/maxpert/ldapnotify/db"
	"github.com/maxpert/ldapnotify/notify"
	"github.com/maxpert/ldapnotify/publisher"
	_ "github.com/maxpert/ldapnotify/publisher/sink"
	_ "github.com/maxpert/ldapnotify/publisher/transformer"
	"github.com/maxpert/ldapnotify/replog"
	"github.com/maxpert/ldapnotify/schema"
	"github.com/maxpert/ldapnotify/telemetry"
	"github.com/maxpert/ldapnotify/txlog"
	"github.com/maxpert/ldapnotify/watch"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const metricsInterval = 10 * time.Second

func main() {
	flag.Parse()

	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	setupLogging()

	log.Info().Msg("ldapnotify - directory change notifier")
	if cfg.Config.Prometheus.Enabled {
		telemetry.InitializeTelemetry()
		telemetry.InitMetrics()
	}

	meta, err := db.OpenMetaStore(cfg.Config.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open meta store")
	}
	defer meta.Close()

	store, err := txlog.Open(txlog.Options{
		LogPath:          cfg.Config.TransactionLog.LogPath,
		IndexPath:        cfg.Config.TransactionLog.IndexPath,
		BaseID:           txlogBaseID(),
		CacheEntries:     cfg.Config.TransactionLog.CacheEntries,
		CompressBodyOver: cfg.Config.TransactionLog.CompressBodyOver,
		Counter:          meta.Counters(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open transaction log")
	}
	defer store.Close()

	sourceCursors, err := meta.Cursors(db.PrefixSourceCursor)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load source cursors")
	}

	srcCfg := cfg.Config.Sources
	replogIngestor := replog.NewIngestor(
		replog.NewSource(string(watch.SourceReplog), srcCfg.ReplogPath, sourceCursors),
		replog.SlapdFormat{},
	)
	listenerIngestor := replog.NewIngestor(
		replog.NewSource(string(watch.SourceListener), srcCfg.ListenerPath, sourceCursors),
		replog.ListenerFormat{},
	)
	replogIngestor.SetMaxPending(srcCfg.MaxPendingBytes)
	listenerIngestor.SetMaxPending(srcCfg.MaxPendingBytes)

	for _, a := range []struct{ name, path string }{{"forward", srcCfg.ForwardPath}, {"save", srcCfg.SavePath}} {
		if a.path == "" {
			continue
		}
		archive, err := replog.OpenArchive(a.name, a.path)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open replog archive")
		}
		defer archive.Close()
		replogIngestor.AddArchive(archive)
	}

	ingestors := map[watch.SourceKind]coordinator.Ingestor{
		watch.SourceReplog:   replogIngestor,
		watch.SourceListener: listenerIngestor,
	}

	tracker := schema.NewTracker(srcCfg.SchemaPath, meta.Counters())
	hub := notify.NewHub()
	query := txlog.NewQueryService(store, tracker)

	coord := coordinator.New(coordinator.Options{
		Store:     store,
		Ingestors: ingestors,
		Schema:    tracker,
		Hub:       hub,
	})

	watcher, err := watch.New(map[watch.SourceKind]string{
		watch.SourceReplog:   srcCfg.ReplogPath,
		watch.SourceSchema:   srcCfg.SchemaPath,
		watch.SourceListener: srcCfg.ListenerPath,
	}, time.Duration(cfg.Config.Watcher.DebounceMS)*time.Millisecond, coord.Request)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create change watcher")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := watcher.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start change watcher")
	}
	defer watcher.Stop()

	// Catch up on whatever was written while the notifier was down
	for _, kind := range []watch.SourceKind{watch.SourceSchema, watch.SourceReplog, watch.SourceListener} {
		if err := coord.RunPass(ctx, kind); err != nil {
			var fatal *coordinator.FatalError
			if errors.As(err, &fatal) {
				log.Fatal().Err(err).Msg("Startup ingestion failed")
			}
			log.Warn().Err(err).Str("source", string(kind)).Msg("Startup pass failed, will retry")
			coord.Request(kind)
		}
	}

	collector := telemetry.NewMetricsCollector(store, metricsInterval)
	collector.Start()
	defer collector.Stop()

	var registry *publisher.Registry
	if len(cfg.Config.Publisher.Sinks) > 0 {
		sinkCursors, err := meta.Cursors(db.PrefixSinkCursor)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load sink cursors")
		}
		registry, err = publisher.NewRegistry(publisher.RegistryConfig{
			Reader:      query,
			Cursors:     sinkCursors,
			Hub:         hub,
			NodeID:      cfg.Config.NodeID,
			SinkConfigs: cfg.Config.Publisher.Sinks,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize publisher")
		}
		if err := registry.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start publisher")
		}
		defer registry.Stop()
	}

	if cfg.Config.Admin.Enabled {
		srv := startAdminServer(query, coord, registry)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Uint64("last_id", uint64(store.LastID())).
		Str("data_dir", cfg.Config.DataDir).
		Msg("Notifier is operational")

	err = coord.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("Ingestion stopped")
	}
	log.Info().Msg("Shutting down")
}

func setupLogging() {
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}
}

func txlogBaseID() common.TransactionID {
	return common.TransactionID(cfg.Config.TransactionLog.BaseID)
}

func startAdminServer(query *txlog.QueryService, coord *coordinator.IngestCoordinator, registry *publisher.Registry) *http.Server {
	var sinks admin.SinkCursors
	if registry != nil {
		sinks = registry
	}

	mux := http.NewServeMux()
	admin.RegisterRoutes(mux, admin.NewAdminHandlers(query, coord, sinks, cfg.Config.NodeID), cfg.Config.Admin.Secret)
	if cfg.Config.Prometheus.Enabled {
		mux.Handle("/metrics", telemetry.GetMetricsHandler())
	}

	addr := fmt.Sprintf("%s:%d", cfg.Config.Admin.BindAddress, cfg.Config.Admin.Port)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("Admin server failed")
		}
	}()
	log.Info().Str("addr", addr).Msg("Admin server listening")
	return srv
}
