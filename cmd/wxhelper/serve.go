package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"wxhelper/internal/api"
	"wxhelper/internal/backend"
	"wxhelper/internal/bot"
	"wxhelper/internal/bus"
	"wxhelper/internal/command"
	"wxhelper/internal/config"
	"wxhelper/internal/delivery"
	"wxhelper/internal/domain"
	"wxhelper/internal/files"
	"wxhelper/internal/ingress"
	"wxhelper/internal/scheduler"
	"wxhelper/internal/session"
	"wxhelper/internal/store"
	"wxhelper/internal/updates"
)

const (
	shutdownTimeout = 10 * time.Second
	sweepInterval   = time.Hour
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the Bot API server and the WeChat session",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, logCloser, err := config.NewLogger(cfg.General, os.Stderr)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	logger = log

	if err := os.MkdirAll(cfg.General.DataDir, 0o755); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.Store.DBPath, logger)
	if err != nil {
		return fmt.Errorf("message store: %w", err)
	}
	defer db.Close()

	fileStore, err := openFileStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("file store: %w", err)
	}

	updateLog := updates.New(updates.Config{
		MaxRetained: cfg.Updates.MaxRetained,
		MaxAge:      time.Duration(cfg.Updates.MaxAgeHours) * time.Hour,
		PollerTTL:   time.Duration(cfg.Updates.PollerTTLMinutes) * time.Minute,
		Logger:      logger,
	})
	if err := store.PreloadLog(ctx, db, updateLog, cfg.Updates.PreloadCount); err != nil {
		logger.Warn("history preload failed", "err", err)
	}

	events := bus.NewEventBus(logger)

	me := domain.User{ID: botUserID(cfg.Server.BotToken), IsBot: true, FirstName: cfg.Server.BotName, Username: cfg.Server.BotUser}
	norm := ingress.New(ingress.Config{
		Log:                  updateLog,
		Files:                fileStore,
		DeliverSystemNotices: cfg.Updates.DeliverSystemNotices,
		SuppressEchoes:       true,
		Bot:                  me,
		Peer:                 domain.User{ID: ingress.ChatID, FirstName: "Me"},
		Logger:               logger,
	})

	var (
		be       domain.Backend
		loopback *backend.Loopback
	)
	switch cfg.Backend.Kind {
	case "loopback":
		loopback = backend.NewLoopback(cfg.Backend.Echo, logger)
		be = loopback
	default:
		be = backend.NewBrowser(backend.BrowserConfig{
			URL:        cfg.Backend.URL,
			ProfileDir: cfg.Backend.ProfileDir,
			Headless:   cfg.Backend.Headless,
			Logger:     logger,
		})
	}
	defer be.Close()

	sess := session.NewManager(session.Config{
		Backend:              be,
		State:                db,
		Events:               events,
		Ingester:             norm,
		HeartbeatInterval:    config.Seconds(cfg.Session.HeartbeatSeconds),
		ReconnectDelay:       config.Seconds(cfg.Session.ReconnectDelaySeconds),
		MaxReconnectAttempts: cfg.Session.MaxReconnectAttempts,
		ChallengeTTL:         config.Seconds(cfg.Session.ChallengeTTLSeconds),
		SendTimeout:          config.Seconds(cfg.Session.SendTimeoutSeconds),
		SaveInterval:         config.Seconds(cfg.Session.SaveIntervalSeconds),
		Logger:               logger,
	})
	defer sess.Close()

	botSvc := bot.New(bot.Config{Session: sess, Ingress: norm, Files: fileStore, Me: me, Logger: logger})

	deliverySvc := delivery.NewService(delivery.Config{
		Log:            updateLog,
		State:          db,
		Events:         events,
		Sink:           delivery.NewWebhookSink(config.Seconds(cfg.Webhook.TimeoutSeconds), cfg.Webhook.SigningSecret),
		MaxPollTimeout: config.Seconds(cfg.Updates.MaxPollTimeout),
		Logger:         logger,
	})
	defer deliverySvc.Close()
	if err := deliverySvc.Start(ctx); err != nil {
		return err
	}

	httpClient := resty.New().SetTimeout(30 * time.Second)
	startedAt := time.Now()

	registry := command.NewRegistry(cfg.Commands.Prefixes, logger)
	catalog := command.NewCatalog(registry, cfg.Commands.PacksDir, httpClient, logger)

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched = scheduler.New(scheduler.Config{
			Store:    db,
			Executor: registry,
			Sender:   botSvc,
			Events:   events,
			Tick:     config.Seconds(cfg.Scheduler.TickSeconds),
			Logger:   logger,
		})
	}

	chat := command.NewChat(command.ChatConfig{
		URL:     cfg.Commands.ChatURL,
		Enabled: cfg.Commands.ChatMode,
		HTTP:    httpClient,
		Logger:  logger,
	})

	deps := command.Deps{
		Registry:  registry,
		Catalog:   catalog,
		Session:   sess,
		Log:       updateLog,
		Files:     fileStore,
		Sender:    botSvc,
		HTTP:      httpClient,
		HTTPAllow: cfg.Commands.HTTPAllow,
		Chat:      chat,
		Version:   version,
		StartedAt: startedAt,
	}
	if sched != nil {
		deps.Tasks = sched
	}
	catalog.SetBuiltins(command.Builtins(deps))
	if res, err := catalog.Reload(); err != nil {
		logger.Warn("command packs not loaded", "dir", cfg.Commands.PacksDir, "err", err)
	} else {
		logger.Info("commands loaded", "total", res.Commands, "packs", res.Packs)
	}

	dispatcher := command.NewDispatcher(command.DispatcherConfig{
		Log:         updateLog,
		Registry:    registry,
		Sender:      botSvc,
		State:       db,
		Events:      events,
		Chat:        chat,
		Concurrency: cfg.Commands.Concurrency,
		Timeout:     config.Seconds(cfg.Commands.TimeoutSeconds),
		Logger:      logger,
	})

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Endpoint
	}
	server := api.New(api.Config{
		Addr:          net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		BotToken:      cfg.Server.BotToken,
		AdminToken:    cfg.Server.AdminToken,
		Bot:           botSvc,
		Delivery:      deliverySvc,
		Session:       sess,
		Loopback:      loopback,
		Log:           updateLog,
		Files:         fileStore,
		History:       db,
		Registry:      registry,
		Catalog:       catalog,
		Scheduler:     sched,
		Chat:          chat,
		Events:        events,
		MetricsPath:   metricsPath,
		FileRetention: time.Duration(cfg.Files.RetentionDays) * 24 * time.Hour,
		MaxUpload:     int64(cfg.Files.MaxUploadMB) << 20,
		HTTP:          httpClient,
		Version:       version,
		StartedAt:     startedAt,
		Logger:        logger,
	})

	if err := sess.Restore(ctx); err != nil {
		logger.Warn("session restore failed", "err", err)
	}
	if sess.State() != domain.StateConnected {
		logger.Info("not logged in; scan the QR code", "cmd", "wxhelper login")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return untilCancelled(sess.Run(gctx)) })
	g.Go(func() error { return untilCancelled(dispatcher.Run(gctx)) })
	g.Go(func() error { return untilCancelled(store.NewArchiver(updateLog, db, events, logger).Run(gctx)) })
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error {
		sweepFiles(gctx, fileStore, time.Duration(cfg.Files.RetentionDays)*24*time.Hour, events, logger)
		return nil
	})
	if sched != nil {
		g.Go(func() error { return untilCancelled(sched.Run(gctx)) })
	}
	if cfg.Mirror.Enabled {
		sink, err := delivery.NewAMQPSink(cfg.Mirror.URL, cfg.Mirror.Queue, logger)
		if err != nil {
			stop()
			g.Wait()
			return fmt.Errorf("amqp mirror: %w", err)
		}
		defer sink.Close()
		mirror := delivery.NewMirror(delivery.MirrorConfig{
			Name:      "amqp",
			Log:       updateLog,
			State:     db,
			Publisher: sink,
			Allowed:   cfg.Mirror.AllowedUpdates,
			Events:    events,
			Logger:    logger,
		})
		g.Go(func() error { return untilCancelled(mirror.Run(gctx)) })
	}

	logger.Info("wxhelper started", "version", version, "backend", be.Name(), "addr", serverURL(cfg))

	errCh := make(chan error, 1)
	go func() { errCh <- g.Wait() }()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("component failed", "err", err)
		}
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	deliverySvc.Close()
	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
		logger.Info("shutdown complete")
		return nil
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}

// botUserID is the numeric prefix of a Telegram-style token ("123:abc"), so
// clients that derive the bot id from the token agree with getMe.
func botUserID(token string) int64 {
	head, _, _ := strings.Cut(token, ":")
	if id, err := strconv.ParseInt(head, 10, 64); err == nil && id > 0 && id != ingress.ChatID {
		return id
	}
	return 2
}

func openFileStore(cfg *config.Config, logger *slog.Logger) (domain.FileStore, error) {
	if cfg.Files.Backend == "s3" {
		s3 := cfg.Files.S3
		return files.NewS3Store(files.S3Config{
			Endpoint:  s3.Endpoint,
			Region:    s3.Region,
			Bucket:    s3.Bucket,
			Prefix:    s3.Prefix,
			AccessKey: s3.AccessKey,
			SecretKey: s3.SecretKey,
			PathStyle: s3.PathStyle,
		}, logger)
	}
	return files.NewLocalStore(cfg.Files.Dir, logger)
}

// sweepFiles removes expired blobs once at start and then every sweepInterval.
func sweepFiles(ctx context.Context, fs domain.FileStore, ttl time.Duration, events *bus.EventBus, logger *slog.Logger) {
	if ttl <= 0 {
		return
	}
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		removed, err := fs.Sweep(ctx, ttl)
		switch {
		case err != nil && ctx.Err() == nil:
			logger.Warn("file sweep failed", "err", err)
		case removed > 0:
			logger.Info("expired files removed", "count", removed)
			events.Emit(bus.Event{Type: bus.EventFilesSwept, Source: "sweeper", Payload: map[string]any{"removed": removed}})
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func untilCancelled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
