package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	api "replywatch-backend/cmd/api"
	authDelivery "replywatch-backend/internal/auth/delivery"
	authdomain "replywatch-backend/internal/auth/domain"
	authRepo "replywatch-backend/internal/auth/repository"
	authUsecase "replywatch-backend/internal/auth/usecase"
	mailboxdomain "replywatch-backend/internal/mailbox/domain"
	"replywatch-backend/internal/mailbox/registry"
	"replywatch-backend/internal/notification"
	replyDelivery "replywatch-backend/internal/reply/delivery"
	"replywatch-backend/internal/reply/health"
	"replywatch-backend/internal/reply/layers"
	replyRepo "replywatch-backend/internal/reply/repository"
	"replywatch-backend/internal/reply/scheduler"
	replyUsecase "replywatch-backend/internal/reply/usecase"
	"replywatch-backend/pkg/config"
	"replywatch-backend/pkg/database"
	"replywatch-backend/pkg/fcm"
	"replywatch-backend/pkg/gmail"
	"replywatch-backend/pkg/imap"
	"replywatch-backend/pkg/kvcache"
	"replywatch-backend/pkg/logger"
	"replywatch-backend/pkg/outlook"
	"replywatch-backend/pkg/retry"
	"replywatch-backend/pkg/taskqueue"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
)

func main() {
	// Load configuration
	cfg := config.Load()
	logger.Setup(cfg.LogLevel, cfg.LogFormat)

	adminAuth := authUsecase.NewAdminAuth(cfg.AdminJWTSecret, cfg.AdminTokenTTL)

	// `replywatch issue-token <subject>` prints an admin bearer token and exits.
	if len(os.Args) > 1 && os.Args[1] == "issue-token" {
		subject := "admin"
		if len(os.Args) > 2 {
			subject = os.Args[2]
		}
		token, err := adminAuth.IssueToken(subject)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to issue token")
		}
		fmt.Println(token)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db, err := database.Open(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to database")
	}

	// Auto-migrate database schemas
	if err := db.AutoMigrate(&authdomain.User{}, &authdomain.FCMToken{}); err != nil {
		logrus.WithError(err).Fatal("Failed to migrate database")
	}
	if err := replyRepo.AutoMigrate(db); err != nil {
		logrus.WithError(err).Fatal("Failed to migrate database")
	}

	// Initialize repositories (dependency injection)
	userRepo := authRepo.NewUserRepository(db)
	fcmTokenRepo := authRepo.NewFCMTokenRepository(db)
	sentRepo := replyRepo.NewSentMessageRepository(db)
	contactRepo := replyRepo.NewContactRepository(db)
	replyRepository := replyRepo.NewReplyRepository(db)
	checkpointRepo := replyRepo.NewCheckpointRepository(db)
	reviewRepo := replyRepo.NewReviewRepository(db)
	auditRepo := replyRepo.NewAuditRepository(db)
	anomalyRepo := replyRepo.NewAnomalyRepository(db)
	aliasRepo := replyRepo.NewAliasRepository(db)

	credentialUsecase := authUsecase.NewCredentialUsecase(userRepo, fcmTokenRepo, cfg)

	// Provider connectors, every call bounded and retried on transient errors
	mailboxes := registry.New(retry.Policy{
		MaxAttempts:    cfg.RetryMaxAttempts,
		InitialBackoff: cfg.RetryInitialBackoff,
		MaxBackoff:     cfg.RetryMaxBackoff,
		CallTimeout:    cfg.ProviderCallTimeout,
	})
	topicName := shortTopicName(cfg.GooglePubSubTopic)
	watchTopic := ""
	if cfg.GoogleProjectID != "" {
		watchTopic = fmt.Sprintf("projects/%s/topics/%s", cfg.GoogleProjectID, topicName)
	}
	mailboxes.Register(mailboxdomain.ProviderGmail, gmail.NewConnector(cfg.GoogleClientID, cfg.GoogleClientSecret, watchTopic, credentialUsecase.PersistToken))
	mailboxes.Register(mailboxdomain.ProviderOutlook, outlook.NewConnector(outlook.Options{
		ClientID:     cfg.MicrosoftClientID,
		ClientSecret: cfg.MicrosoftClientSecret,
		Tenant:       cfg.MicrosoftTenant,
		OnRefresh:    credentialUsecase.PersistToken,
	}))
	mailboxes.Register(mailboxdomain.ProviderIMAP, imap.NewConnector())
	mailboxes.UseAccounts(credentialUsecase)

	healthCache := kvcache.NewMemory[health.Status]()
	watchdog := health.NewWatchdog(mailboxes, healthCache, cfg.HealthCacheTTL)

	tasks := taskqueue.New(cfg.TaskWorkers, cfg.TaskQueueSize)
	tasks.Start()

	// Pub/Sub: Gmail push in, reply events out
	var (
		pubsubService *notification.Service
		publisher     *notification.ReplyPublisher
		listener      replyUsecase.ReplyListener
	)
	var pubsubClient *pubsub.Client
	if cfg.GoogleProjectID != "" {
		pubsubClient, err = notification.NewPubSubClient(ctx, cfg.GoogleProjectID, cfg.GoogleCredentials)
		if err != nil {
			logrus.WithError(err).Error("[PubSub] Failed to create client, push disabled")
			pubsubClient = nil
		}
	} else {
		logrus.Warn("[PubSub] GOOGLE_PROJECT_ID not configured, push disabled; users will be polled")
	}
	if pubsubClient != nil && cfg.ReplyEventsTopic != "" {
		publisher = notification.NewReplyPublisher(pubsubClient, shortTopicName(cfg.ReplyEventsTopic))
		listener = publisher
	}

	// Reply engine usecases
	aliasUsecase := replyUsecase.NewAliasUsecase(aliasRepo, cfg.AliasTTL)
	reviewUsecase := replyUsecase.NewReviewUsecase(reviewRepo, replyRepository, sentRepo, tasks, listener)
	detectionUsecase := replyUsecase.NewDetectionUsecase(replyUsecase.DetectionDeps{
		Sessions:    mailboxes,
		Health:      watchdog,
		Runner:      layers.NewRunner(auditRepo, cfg.LayerTimeout, layers.Default(cfg.SearchMaxResults)...),
		Users:       credentialUsecase,
		SentRepo:    sentRepo,
		ContactRepo: contactRepo,
		ReplyRepo:   replyRepository,
		AuditRepo:   auditRepo,
		ReviewRepo:  reviewRepo,
		Aliases:     aliasUsecase,
		Reviews:     reviewUsecase,
		Tasks:       tasks,
		Listener:    listener,
		QuorumFor:   cfg.QuorumFor,
	})
	syncUsecase := replyUsecase.NewSyncUsecase(replyUsecase.SyncDeps{
		Sessions:       mailboxes,
		Health:         watchdog,
		Users:          credentialUsecase,
		SentRepo:       sentRepo,
		ContactRepo:    contactRepo,
		ReplyRepo:      replyRepository,
		CheckpointRepo: checkpointRepo,
		ReviewRepo:     reviewRepo,
		Aliases:        aliasUsecase,
		Tasks:          tasks,
		Listener:       listener,
	})
	reconciliationUsecase := replyUsecase.NewReconciliationUsecase(sentRepo, anomalyRepo, detectionUsecase, replyUsecase.ReconciliationConfig{
		HourlyLookback:     cfg.HourlyLookback,
		HourlyRecheckAfter: cfg.HourlyRecheckAfter,
		HourlyPacing:       cfg.HourlyPacing,
		NightlyPacing:      cfg.NightlyPacing,
		MaxRows:            cfg.ReconciliationMaxRows,
	})

	// Alerts: FCM when configured, log otherwise
	var notifier notification.Notifier = notification.LogNotifier{}
	if cfg.FirebaseCredentials != "" {
		fcmClient, err := fcm.NewClient(ctx, cfg.FirebaseCredentials)
		if err != nil {
			logrus.WithError(err).Warn("[FCM] Failed to initialize client, alerts will only be logged")
		} else {
			notifier = notification.NewPushNotifier(fcmClient, fcmTokenRepo)
		}
	}
	cooldowns := kvcache.NewMemory[time.Time]()
	alerts := notification.NewAlertService(notifier, cooldowns, cfg.AlertCooldown)

	modes := scheduler.NewModeTable(kvcache.NewMemory[scheduler.ModeState](), cfg.PushFailureThreshold)

	var watcher scheduler.Watcher
	if pubsubClient != nil {
		watcher = mailboxes
		pubsubService = notification.NewService(pubsubClient, topicName, userRepo, tasks, func(ctx context.Context, userID string) error {
			_, err := syncUsecase.SyncUser(ctx, userID)
			return err
		}, modes)
		go func() {
			if err := pubsubService.Start(ctx); err != nil {
				logrus.WithError(err).Error("[PubSub] Notification service stopped")
			}
		}()
	}

	location, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		logrus.WithError(err).Warnf("Unknown timezone %q, using local time", cfg.Timezone)
		location = time.Local
	}
	sched, err := scheduler.New(scheduler.Deps{
		Users:       credentialUsecase,
		Sync:        syncUsecase,
		Reconcile:   reconciliationUsecase,
		Detection:   detectionUsecase,
		Modes:       modes,
		Watcher:     watcher,
		Credentials: credentialUsecase,
		Health:      watchdog,
		Alerts:      alerts,
		Caches:      []scheduler.Sweeper{healthCache, cooldowns},
	}, scheduler.Config{
		PollInterval:           cfg.PollInterval,
		PushRestoreInterval:    cfg.PushRestoreInterval,
		DeltaSweepInterval:     cfg.DeltaSweepInterval,
		SweepConcurrency:       cfg.SweepConcurrency,
		HealthCheckInterval:    cfg.HealthCheckInterval,
		StaleSyncThreshold:     cfg.StaleSyncThreshold,
		CredentialRefreshEvery: cfg.CredentialRefreshEvery,
		NightlySchedule:        cfg.NightlySchedule,
		HourlySchedule:         cfg.HourlySchedule,
		Location:               location,
		AuditRetention:         cfg.AuditRetention,
	})
	if err != nil {
		logrus.WithError(err).Fatal("Failed to configure scheduler")
	}
	sched.Start()

	// Initialize HTTP handler
	handler := api.NewHandler(
		adminAuth,
		authDelivery.NewAccountHandler(credentialUsecase, watchdog),
		replyDelivery.NewReplyHandler(detectionUsecase, reviewUsecase, reconciliationUsecase, syncUsecase, aliasUsecase, modes, tasks, cfg.SweepConcurrency),
	)
	server := handler.Server(":" + cfg.Port)

	go func() {
		logrus.Infof("Server starting on port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Fatal("Failed to start server")
		}
	}()

	<-ctx.Done()
	logrus.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("HTTP shutdown")
	}
	sched.Stop()
	tasks.Stop()
	if publisher != nil {
		publisher.Stop()
	}
	if pubsubService != nil {
		_ = pubsubService.Close()
	} else if pubsubClient != nil {
		_ = pubsubClient.Close()
	}
}

// shortTopicName accepts either "topic" or "projects/p/topics/topic".
func shortTopicName(name string) string {
	if parts := strings.Split(name, "/"); len(parts) > 1 {
		return parts[len(parts)-1]
	}
	return name
}
