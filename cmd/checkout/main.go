package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/hanko-field/checkout/internal/handlers"
	"github.com/hanko-field/checkout/internal/payments"
	"github.com/hanko-field/checkout/internal/platform/auth"
	"github.com/hanko-field/checkout/internal/platform/config"
	"github.com/hanko-field/checkout/internal/platform/events"
	pfirestore "github.com/hanko-field/checkout/internal/platform/firestore"
	"github.com/hanko-field/checkout/internal/platform/observability"
	"github.com/hanko-field/checkout/internal/platform/requestctx"
	"github.com/hanko-field/checkout/internal/platform/secrets"
	platformstorage "github.com/hanko-field/checkout/internal/platform/storage"
	firestoreRepo "github.com/hanko-field/checkout/internal/repositories/firestore"
	"github.com/hanko-field/checkout/internal/services"
)

const sweepInterval = time.Minute

func main() {
	ctx := context.Background()

	envValues, err := config.EnvironmentValues()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read environment values: %v\n", err)
		os.Exit(1)
	}

	baseLogger, err := observability.NewLogger(envValues["CHECKOUT_LOG_LEVEL"])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("checkout")
	ctx = requestctx.WithLogger(ctx, logger)

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(config.SecretResolverFunc(fetcher.ResolveSecret)))
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	if _, err := firestoreProvider.Client(ctx); err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	defer func() {
		if err := firestoreProvider.Close(); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	products, err := firestoreRepo.NewProductRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise product repository", zap.Error(err))
	}
	couponRepo, err := firestoreRepo.NewCouponRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise coupon repository", zap.Error(err))
	}
	gatewayConfigs, err := firestoreRepo.NewGatewayConfigRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise gateway config repository", zap.Error(err))
	}
	counterRepo, err := firestoreRepo.NewCounterRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise counter repository", zap.Error(err))
	}
	invoiceRepo, err := firestoreRepo.NewInvoiceRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise invoice repository", zap.Error(err))
	}
	orderRepo, err := firestoreRepo.NewOrderRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise order repository", zap.Error(err))
	}
	paymentRepo, err := firestoreRepo.NewPaymentRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise payment repository", zap.Error(err))
	}
	checkoutWriter, err := firestoreRepo.NewCheckoutWriter(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise checkout writer", zap.Error(err))
	}

	storageClient, err := cloudstorage.NewClient(ctx)
	if err != nil {
		logger.Fatal("failed to initialise storage client", zap.Error(err))
	}
	defer func() {
		if err := storageClient.Close(); err != nil {
			logger.Warn("storage close error", zap.Error(err))
		}
	}()
	blobStore, err := platformstorage.NewBlobStore(storageClient, platformstorage.Options{
		Bucket:        cfg.Storage.InvoiceBucket,
		ProjectID:     cfg.Storage.ProjectID,
		PublicBaseURL: cfg.Storage.PublicBaseURL,
	})
	if err != nil {
		logger.Fatal("failed to initialise invoice storage", zap.Error(err))
	}

	var publisher services.OrderEventPublisher
	if projectID := strings.TrimSpace(cfg.Events.ProjectID); projectID != "" {
		pubsubClient, err := pubsub.NewClient(ctx, projectID)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
		orderPublisher, err := events.NewPubSubOrderPublisher(pubsubClient.Topic(cfg.Events.OrderPlacedTopic))
		if err != nil {
			logger.Fatal("failed to initialise order publisher", zap.Error(err))
		}
		defer orderPublisher.Stop()
		publisher = orderPublisher
	} else {
		logger.Warn("order events disabled: no events project configured")
	}

	identity, err := auth.NewFirebaseIdentity(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase identity", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(identity)

	serviceLogger := observability.NewEventLogger(logger.Named("services"))
	paymentLogger := payments.StripeLogger(observability.NewEventLogger(logger.Named("payments")))

	hub := payments.NewSettlementHub()
	gateway, err := payments.NewStripeGateway(payments.StripeGatewayConfig{
		SuccessURL: cfg.PSP.SuccessURL,
		CancelURL:  cfg.PSP.CancelURL,
		SessionTTL: cfg.Checkout.SessionTTL,
		Hub:        hub,
		Logger:     paymentLogger,
	})
	if err != nil {
		logger.Fatal("failed to initialise stripe gateway", zap.Error(err))
	}

	var stripeEvents handlers.StripeEventHandler
	if secret := strings.TrimSpace(cfg.PSP.StripeWebhookSecret); secret != "" {
		translator, err := payments.NewStripeEventTranslator(secret, hub, paymentLogger)
		if err != nil {
			logger.Fatal("failed to initialise stripe webhook translator", zap.Error(err))
		}
		stripeEvents = translator
	} else {
		logger.Warn("stripe webhooks disabled: no signing secret configured")
	}

	couponService, err := services.NewCouponService(services.CouponServiceDeps{
		Coupons:  couponRepo,
		Currency: cfg.Checkout.Currency,
		Logger:   serviceLogger,
	})
	if err != nil {
		logger.Fatal("failed to initialise coupon service", zap.Error(err))
	}
	counterService, err := services.NewCounterService(services.CounterServiceDeps{
		Repository: counterRepo,
	})
	if err != nil {
		logger.Fatal("failed to initialise counter service", zap.Error(err))
	}
	keyResolver, err := services.NewGatewayKeyResolver(services.GatewayKeyResolverDeps{
		Configs:     gatewayConfigs,
		Gateway:     payments.GatewayStripe,
		FallbackKey: cfg.PSP.StripeAPIKey,
		Logger:      serviceLogger,
	})
	if err != nil {
		logger.Fatal("failed to initialise gateway key resolver", zap.Error(err))
	}
	provisioner, err := services.NewAccountProvisioner(services.AccountProvisionerDeps{
		Identity:       identity,
		Orders:         orderRepo,
		Payments:       paymentRepo,
		PasswordLength: cfg.Checkout.PasswordLength,
		Logger:         serviceLogger,
	})
	if err != nil {
		logger.Fatal("failed to initialise account provisioner", zap.Error(err))
	}
	invoiceService, err := services.NewInvoiceService(services.InvoiceServiceDeps{
		Invoices: invoiceRepo,
		Renderer: services.NewPDFInvoiceRenderer(cfg.Checkout.ThemeColor),
		Blobs:    blobStore,
		Company: services.CompanyInfo{
			Name:    cfg.Checkout.Company.Name,
			Address: cfg.Checkout.Company.Address,
			Email:   cfg.Checkout.Company.Email,
			Phone:   cfg.Checkout.Company.Phone,
			TaxID:   cfg.Checkout.Company.TaxID,
		},
		Logger: serviceLogger,
	})
	if err != nil {
		logger.Fatal("failed to initialise invoice service", zap.Error(err))
	}

	checkoutService, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Products:    products,
		Coupons:     couponService,
		Counters:    counterService,
		Writer:      checkoutWriter,
		Keys:        keyResolver,
		Gateway:     gateway,
		Hub:         hub,
		Identity:    identity,
		Provisioner: provisioner,
		Invoices:    invoiceService,
		Publisher:   publisher,
		Currency:    cfg.Checkout.Currency,
		ThemeColor:  cfg.Checkout.ThemeColor,
		SessionTTL:  cfg.Checkout.SessionTTL,
		Logger:      serviceLogger,
	})
	if err != nil {
		logger.Fatal("failed to initialise checkout service", zap.Error(err))
	}

	sweepCtx, sweepCancel := context.WithCancel(requestctx.WithLogger(context.Background(), logger))
	var sweepWG sync.WaitGroup
	sweepTicker := time.NewTicker(sweepInterval)
	sweepWG.Add(1)
	go func() {
		defer sweepWG.Done()
		sweepLogger := logger.Named("sessions")
		for {
			select {
			case <-sweepTicker.C:
				if removed := checkoutService.SweepExpired(sweepCtx); removed > 0 {
					sweepLogger.Info("expired checkout sessions evicted", zap.Int("count", removed))
				}
			case <-sweepCtx.Done():
				return
			}
		}
	}()

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthCheck("firestore", firestoreProvider.Ping),
	)
	checkoutHandlers := handlers.NewCheckoutHandlers(authenticator, checkoutService,
		handlers.WithLongPollMax(cfg.Checkout.LongPollMax),
	)
	webhookHandlers := handlers.NewWebhookHandlers(stripeEvents)

	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger),
			observability.TraceMiddleware(cfg.Firebase.ProjectID),
			observability.RecoveryMiddleware(logger),
			observability.RequestLoggerMiddleware(),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithCheckoutRoutes(checkoutHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
	)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("checkout service listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	sweepTicker.Stop()
	sweepCancel()
	sweepWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	project := lookup("CHECKOUT_SECRET_PROJECT_ID")
	if project == "" {
		project = lookup("CHECKOUT_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("CHECKOUT_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if project != "" {
		opts = append(opts, secrets.WithProject(project))
	}
	if credentialsFile := lookup("CHECKOUT_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}
	return secrets.NewFetcher(ctx, opts...)
}
