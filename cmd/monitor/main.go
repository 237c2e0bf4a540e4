package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/satstream/bsv-monitor/internal/api"
	"github.com/satstream/bsv-monitor/internal/config"
	"github.com/satstream/bsv-monitor/internal/confirm"
	"github.com/satstream/bsv-monitor/internal/db"
	"github.com/satstream/bsv-monitor/internal/explorer"
	"github.com/satstream/bsv-monitor/internal/history"
	"github.com/satstream/bsv-monitor/internal/intake"
	"github.com/satstream/bsv-monitor/internal/svnode"
	"github.com/satstream/bsv-monitor/internal/watchlist"
	"github.com/satstream/bsv-monitor/internal/webhook"
	"github.com/satstream/bsv-monitor/internal/zmqfeed"
)

func main() {
	// A .env file is optional; real deployments inject the environment.
	_ = godotenv.Load()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if os.Getenv("LOG_LEVEL") == "debug" {
		log.SetLevel(logrus.DebugLevel)
	}

	log.Info("Starting BSV address activity monitor")

	cfg, err := config.FromEnv()
	if err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}
	log.WithFields(logrus.Fields{
		"network":           cfg.Network,
		"archive_threshold": cfg.ArchiveThreshold,
	}).Info("Configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Store first: nothing works without it.
	store, err := db.Connect(ctx, cfg.MongoURL, cfg.MongoDatabase, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to MongoDB")
	}
	defer store.Close(context.Background())
	if err := store.EnsureIndexes(ctx); err != nil {
		log.WithError(err).Fatal("Failed to ensure indexes")
	}

	// Membership set, loaded before any feed starts.
	watch := watchlist.New()
	if err := watch.LoadFromStore(ctx, store); err != nil {
		log.WithError(err).Fatal("Failed to load watched addresses")
	}
	log.WithField("addresses", watch.Size()).Info("Membership set loaded")

	// Node client. A probe failure is not fatal: the node may come up after
	// us, and every consumer retries on its own schedule.
	node := svnode.New(svnode.Config{
		URL:      cfg.RPCURL(),
		User:     cfg.RPCUser,
		Password: cfg.RPCPassword,
		Timeout:  cfg.RPCTimeout,
	}, log)
	if tip, err := node.GetBlockCount(ctx); err != nil {
		log.WithError(err).Warn("Node RPC probe failed, continuing anyway")
	} else {
		log.WithField("tip", tip).Info("Node RPC reachable")
	}

	woc := explorer.New(explorer.Config{
		BaseURL:   cfg.WOCURL,
		APIKey:    cfg.WOCAPIKey,
		RateLimit: cfg.WOCRateLimit,
	}, log)

	// Event fan-out: websocket hub plus the durable webhook queue.
	wsHub := api.NewHub(log)
	go wsHub.Run()
	emitter := webhook.NewEmitter(store, wsHub, cfg.EnableWebhooks, log)

	dispatcher := webhook.NewDispatcher(store, webhook.Config{
		Interval:    cfg.WebhookInterval,
		Timeout:     cfg.WebhookTimeout,
		BatchSize:   cfg.WebhookBatchSize,
		MaxRetries:  cfg.WebhookMaxRetries,
		CleanupDays: cfg.WebhookCleanupDays,
	}, log)
	if cfg.EnableWebhooks {
		go dispatcher.Run(ctx)
	} else {
		log.Info("Webhook delivery disabled")
	}

	tracker := confirm.NewTracker(store, node, emitter, confirm.Config{
		BatchSize:        int64(cfg.ConfirmationBatchSize),
		Concurrency:      cfg.RPCConcurrency,
		ArchiveThreshold: cfg.ArchiveThreshold,
	}, log)

	backfill := history.NewBackfiller(store, woc, node, history.Config{
		MaxPerAddress:    cfg.MaxHistoryPerAddress,
		ArchiveThreshold: cfg.ArchiveThreshold,
	}, log)
	go backfill.Run(ctx)
	if err := backfill.SweepPending(ctx); err != nil {
		log.WithError(err).Warn("Startup backfill sweep failed")
	}

	ingest := intake.NewProcessor(watch, store, emitter, cfg.ChainParams(), cfg.MaxTxSizeBytes, log)

	// ZMQ feeds: rawtx into intake, hashblock into the tracker.
	rawtxListener := zmqfeed.NewListener(cfg.ZMQRawTx, "rawtx", func(ctx context.Context, payload []byte) {
		ingest.ProcessRawTx(ctx, payload)
	}, log)
	blockListener := zmqfeed.NewListener(cfg.ZMQHashBlock, "hashblock", func(ctx context.Context, payload []byte) {
		hash, err := chainhash.NewHash(payload)
		if err != nil {
			log.WithError(err).Warn("Bad hashblock payload")
			return
		}
		tracker.OnBlockHash(ctx, hash.String())
	}, log)
	go rawtxListener.Run(ctx)
	go blockListener.Run(ctx)

	handler := api.NewHandler(cfg, store, watch, tracker, backfill, dispatcher, ingest,
		[]*zmqfeed.Listener{rawtxListener, blockListener}, wsHub, log)
	router := api.SetupRouter(handler)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort),
		Handler: router,
	}
	go func() {
		log.WithField("addr", srv.Addr).Info("REST surface listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("REST server failed")
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("REST shutdown incomplete")
	}
	log.Info("Stopped")
}
