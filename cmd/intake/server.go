package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/parikshitpisal/circa-boybz6-sub001/internal/antivirus"
	"github.com/parikshitpisal/circa-boybz6-sub001/internal/api"
	"github.com/parikshitpisal/circa-boybz6-sub001/internal/broker"
	"github.com/parikshitpisal/circa-boybz6-sub001/internal/cache"
	"github.com/parikshitpisal/circa-boybz6-sub001/internal/config"
	"github.com/parikshitpisal/circa-boybz6-sub001/internal/intake"
	"github.com/parikshitpisal/circa-boybz6-sub001/internal/logging"
	"github.com/parikshitpisal/circa-boybz6-sub001/internal/mailbox"
	"github.com/parikshitpisal/circa-boybz6-sub001/internal/pipeline"
	"github.com/parikshitpisal/circa-boybz6-sub001/internal/queue"
	"github.com/parikshitpisal/circa-boybz6-sub001/internal/storage"
	"github.com/parikshitpisal/circa-boybz6-sub001/internal/webhook"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the intake service",
	Long:  "Start mailbox monitoring, the attachment pipeline, queue publishing, and webhook delivery",
	RunE:  runServer,
}

func init() {
	serverCmd.Flags().String("listen", "", "API listen address (overrides config)")
	serverCmd.Flags().Int("workers", 0, "pipeline worker count (overrides config)")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.API.ListenAddr = listen
	}
	if workers, _ := cmd.Flags().GetInt("workers"); workers > 0 {
		cfg.Pipeline.Workers = workers
	}

	logger, err := logging.Initialize(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Broker pool and queue gateway.
	brokerPool, err := broker.New(broker.Config{
		URL:       cfg.Broker.URL,
		PoolSize:  cfg.Broker.PoolSize,
		Reconnect: cfg.Broker.Reconnect,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize broker pool: %w", err)
	}
	defer brokerPool.Shutdown()

	gateway := queue.NewGateway(&queue.PoolChannels{Pool: brokerPool}, queue.Config{
		Prefetch: cfg.Broker.Prefetch,
	}, logger)

	for _, docType := range pipeline.AllDocumentTypes {
		if err := gateway.DeclareTopology(queue.TopologyFor(string(docType))); err != nil {
			return fmt.Errorf("failed to declare topology for %s: %w", docType, err)
		}
	}
	if cfg.Webhooks.Enabled {
		if err := gateway.DeclareTopology(queue.WebhookTopology()); err != nil {
			return fmt.Errorf("failed to declare webhook topology: %w", err)
		}
	}

	// Pipeline collaborators.
	scanner, err := antivirus.New(antivirus.Config{
		Type:    cfg.Antivirus.Type,
		Address: cfg.Antivirus.Address,
		Timeout: cfg.Antivirus.Timeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create scanner: %w", err)
	}
	if err := scanner.Connect(); err != nil {
		// Transient scan outages are survivable; the pipeline retries.
		logger.Warn("scanner unreachable at startup", "error", err)
	}
	defer scanner.Close()

	var store storage.ObjectStore
	switch cfg.Storage.Type {
	case "s3":
		store, err = storage.NewS3Store(ctx, storage.S3Config{
			Region:    cfg.Storage.Region,
			Bucket:    cfg.Storage.Bucket,
			Prefix:    cfg.Storage.Prefix,
			Endpoint:  cfg.Storage.Endpoint,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			KMSKeyID:  cfg.Storage.KMSKeyID,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize object storage: %w", err)
		}
	default:
		store = storage.NewMemoryStore()
	}

	dedup, err := cache.New(cache.Config{
		Type:     cfg.Cache.Type,
		Addr:     cfg.Cache.Addr,
		Password: cfg.Cache.Password,
		Database: cfg.Cache.Database,
	})
	if err != nil {
		return fmt.Errorf("failed to create dedup cache: %w", err)
	}
	if err := dedup.Connect(); err != nil {
		return fmt.Errorf("failed to connect dedup cache: %w", err)
	}
	defer dedup.Close()

	processor := pipeline.NewProcessor(pipeline.Config{
		AllowedMimeTypes:     cfg.Pipeline.AllowedMimeTypes,
		AllowedSenderDomains: cfg.Pipeline.AllowedSenderDomains,
		MaxAttachmentBytes:   cfg.Pipeline.MaxAttachmentBytes,
		MaxAttachments:       cfg.Pipeline.MaxAttachments,
		MaxTotalBytes:        cfg.Pipeline.MaxTotalBytes,
		MinPDFVersion:        cfg.Pipeline.MinPDFVersion,
		ChecksumTTL:          cfg.Pipeline.ChecksumTTL,
	}, scanner, store, dedup, logger)

	// Webhook delivery.
	var (
		subs       webhook.SubscriptionStore
		attempts   webhook.AttemptStore
		dispatcher *webhook.Dispatcher
		sender     *webhook.Sender
	)
	if cfg.Webhooks.Enabled {
		switch cfg.Webhooks.Store {
		case "postgres":
			pg, err := webhook.NewPostgresStore(cfg.Webhooks.PostgresDSN)
			if err != nil {
				return fmt.Errorf("failed to initialize webhook store: %w", err)
			}
			defer pg.Close()
			subs, attempts = pg, pg
		default:
			mem := webhook.NewMemoryStore()
			subs, attempts = mem, mem
		}

		signer := webhook.NewSigner(cfg.Webhooks.GraceWindow)
		dispatcher = webhook.NewDispatcher(gateway, subs, signer, logger)
		sender = webhook.NewSender(nil, gateway, subs, attempts, webhook.SenderConfig{
			Prefetch: cfg.Webhooks.Prefetch,
		}, logger)
	}

	// Mailbox monitoring.
	mailboxPool, err := mailbox.NewPool(mailbox.Config{
		Host:          cfg.Mailbox.Host,
		Port:          cfg.Mailbox.Port,
		Username:      cfg.Mailbox.Username,
		Password:      cfg.Mailbox.Password,
		Folder:        cfg.Mailbox.Folder,
		UseTLS:        cfg.Mailbox.UseTLS,
		PoolSize:      cfg.Mailbox.Sessions,
		ProbeInterval: cfg.Mailbox.ProbeInterval,
		IdleTimeout:   cfg.Mailbox.IdleTimeout,
		Reconnect:     cfg.Mailbox.Reconnect,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize mailbox pool: %w", err)
	}

	monitor := mailbox.NewMonitor(mailboxPool, cfg.Mailbox.Buffer, logger)
	if err := monitor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start mailbox monitor: %w", err)
	}

	var notifier intake.Notifier
	if dispatcher != nil {
		notifier = dispatcher
	}
	worker := intake.NewWorker(intake.Config{
		Workers: cfg.Pipeline.Workers,
	}, monitor.Items(), processor, gateway, notifier, logger)

	serverErrors := make(chan error, 3)
	go func() {
		if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
			serverErrors <- fmt.Errorf("intake worker error: %w", err)
		}
	}()
	if sender != nil {
		go func() {
			if err := sender.Run(ctx); err != nil && ctx.Err() == nil {
				serverErrors <- fmt.Errorf("webhook sender error: %w", err)
			}
		}()
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(api.Config{
			Enabled:    true,
			ListenAddr: cfg.API.ListenAddr,
		}, brokerPool, mailboxPool, gateway, subs, logger)
		go func() {
			if err := apiServer.Start(); err != nil && err != http.ErrServerClosed {
				serverErrors <- fmt.Errorf("api server error: %w", err)
			}
		}()
	}

	logger.Info("intake service started",
		"broker_pool", cfg.Broker.PoolSize,
		"mailbox_sessions", cfg.Mailbox.Sessions,
		"pipeline_workers", cfg.Pipeline.Workers,
		"webhooks", cfg.Webhooks.Enabled)

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-signalChan:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErrors:
		logger.Error("fatal service error", "error", err)
	}

	// Stop intake first so no new items enter the pipeline, then drain.
	cancel()
	if err := monitor.Shutdown(cfg.ShutdownGrace); err != nil {
		logger.Error("monitor shutdown forced", "error", err)
	}
	if apiServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("api shutdown failed", "error", err)
		}
	}

	logger.Info("intake service stopped")
	return nil
}
