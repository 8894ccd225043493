package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"club-dues/internal/billing"
	"club-dues/internal/config"
	"club-dues/internal/database"
	"club-dues/internal/handler"
	"club-dues/internal/infrastructure/messaging"
	"club-dues/internal/infrastructure/payment"
	"club-dues/internal/logger"
	"club-dues/internal/repo"
	"club-dues/internal/service"
	"club-dues/internal/worker"

	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	zlog, err := logger.New(cfg.Env)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer zlog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zlog); err != nil {
		zlog.Fatal("server exited", zap.Error(err))
	}
	zlog.Info("server stopped")
}

func run(ctx context.Context, cfg *config.Config, zlog *zap.Logger) error {
	db, err := database.NewPostgres(ctx, cfg.DatabaseURL())
	if err != nil {
		return err
	}
	dbService := database.New(db)
	defer dbService.Close()

	if err := database.Migrate(ctx, db); err != nil {
		return err
	}

	awsCfg, err := messaging.LoadAWSConfig(ctx, cfg.AWSEndpoint)
	if err != nil {
		return err
	}

	paymentRepo := repo.NewPaymentRepo(db)
	accountRepo := repo.NewAccountRepo(db)
	reminderRepo := repo.NewReminderLogRepo(db)
	calc := billing.NewCalculator(cfg.MonthlyFee)

	var publisher interface {
		service.PaymentEventPublisher
		worker.ReminderPublisher
	}
	if cfg.PaymentEventsTopicARN != "" {
		publisher = messaging.NewPublisher(sns.NewFromConfig(awsCfg), cfg.PaymentEventsTopicARN, zlog)
	} else {
		zlog.Warn("PAYMENT_EVENTS_TOPIC_ARN not set, events go to the log")
		publisher = messaging.NewLogPublisher(zlog)
	}

	var gateway payment.Gateway
	switch cfg.PaymentProvider {
	case "sandbox":
		gateway = payment.NewSandboxGateway()
	default:
		gateway = payment.NewPayPalGateway(payment.PayPalConfig{
			BaseURL:      cfg.PayPalBaseURL,
			ClientID:     cfg.PayPalClientID,
			ClientSecret: cfg.PayPalClientSecret,
			ReturnURL:    cfg.PayPalReturnURL,
			CancelURL:    cfg.PayPalCancelURL,
		}, cfg.GatewayTimeout, zlog)
	}

	ledger := service.NewLedger(
		database.NewTxRunner(db),
		paymentRepo,
		accountRepo,
		gateway,
		publisher,
		calc,
		service.LedgerConfig{
			Provider:       cfg.PaymentProvider,
			Currency:       cfg.Currency,
			GatewayTimeout: cfg.GatewayTimeout,
		},
		zlog,
	)
	mirror := service.NewAccountMirror(accountRepo, zlog)
	reminders := worker.NewReminderScheduler(accountRepo, paymentRepo, reminderRepo, publisher, calc, zlog)
	reconciler := worker.NewReconciliationWorker(ledger, worker.ReconciliationConfig{
		Interval:    cfg.ReconcileInterval,
		StaleAfter:  cfg.ReconcileStaleAfter,
		ExpireAfter: cfg.ReconcileExpireAfter,
	}, zlog)

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler.NewRouter(handler.NewPaymentHandler(ledger), dbService, zlog),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		zlog.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.IdentityQueueURL != "" {
		consumer := messaging.NewIdentityConsumer(sqs.NewFromConfig(awsCfg), messaging.ConsumerConfig{
			QueueURL:    cfg.IdentityQueueURL,
			DLQURL:      cfg.IdentityDLQURL,
			MaxReceives: cfg.IdentityMaxReceives,
		}, mirror, zlog)
		g.Go(func() error {
			consumer.Start(ctx)
			return nil
		})
	} else {
		zlog.Warn("IDENTITY_QUEUE_URL not set, account mirror will not receive events")
	}

	g.Go(func() error {
		reconciler.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return reminders.Run(ctx, cfg.ReminderSchedule)
	})

	return g.Wait()
}
