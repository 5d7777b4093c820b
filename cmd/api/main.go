package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/oakline/market-api/internal/di"
	"github.com/oakline/market-api/internal/handlers"
	"github.com/oakline/market-api/internal/payments"
	"github.com/oakline/market-api/internal/platform/auth"
	"github.com/oakline/market-api/internal/platform/config"
	pfirestore "github.com/oakline/market-api/internal/platform/firestore"
	"github.com/oakline/market-api/internal/platform/idempotency"
	"github.com/oakline/market-api/internal/platform/jobs"
	"github.com/oakline/market-api/internal/platform/observability"
	"github.com/oakline/market-api/internal/platform/secrets"
	"github.com/oakline/market-api/internal/repositories"
	"github.com/oakline/market-api/internal/services"
	"github.com/oakline/market-api/internal/shipping"
)

const (
	defaultCurrency       = "USD"
	orderCreateRateLimit  = 30
	orderCreateRateWindow = time.Minute
	carrierWebhookSecret  = "carrier"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	requiredSecrets := requiredSecretNames(envValues)
	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecrets...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, startedAt)

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	firestoreClient, err := firestoreProvider.Client(ctx)
	if err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := firestoreProvider.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	var eventPublisher services.EventPublisher
	if cfg.Events.Enabled {
		pubsubClient, err := pubsub.NewClient(ctx, cfg.Events.ProjectID)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
		topic := pubsubClient.Topic(cfg.Events.Topic)
		defer topic.Stop()
		eventPublisher, err = jobs.NewPubSubEventPublisher(topic)
		if err != nil {
			logger.Fatal("failed to initialise event publisher", zap.Error(err))
		}
	}

	if strings.TrimSpace(cfg.PSP.StripeAPIKey) == "" {
		logger.Fatal("stripe api key is required")
	}
	stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
		APIKey: cfg.PSP.StripeAPIKey,
		Logger: serviceLogger(logger.Named("stripe")),
		Clock:  time.Now,
	})
	if err != nil {
		logger.Fatal("failed to initialise stripe payment provider", zap.Error(err))
	}
	paymentManager, err := payments.NewManager(map[string]payments.Provider{
		"stripe": stripeProvider,
	})
	if err != nil {
		logger.Fatal("failed to initialise payment manager", zap.Error(err))
	}

	if strings.TrimSpace(cfg.Carrier.BaseURL) == "" {
		logger.Fatal("carrier base url is required")
	}
	carrierClient, err := shipping.NewCarrierClient(shipping.CarrierClientConfig{
		BaseURL: cfg.Carrier.BaseURL,
		APIKey:  cfg.Carrier.APIKey,
		Timeout: cfg.Carrier.Timeout,
		Logger:  serviceLogger(logger.Named("carrier")),
	})
	if err != nil {
		logger.Fatal("failed to initialise carrier client", zap.Error(err))
	}

	container, err := di.NewContainer(cfg, firestoreProvider,
		di.WithLogger(logger),
		di.WithEventPublisher(eventPublisher),
		di.WithPaymentGateway(paymentManager),
		di.WithCarrier(carrierClient),
		di.WithDefaultCurrency(defaultCurrency),
	)
	if err != nil {
		logger.Fatal("failed to assemble services", zap.Error(err))
	}
	cartService := container.Services.Cart
	orderService := container.Services.Orders
	paymentService := container.Services.Payments
	shipmentService := container.Services.Shipments

	systemService, err := newSystemService(ctx, firestoreClient, fetcher, buildInfo, container.Services.Counters)
	if err != nil {
		logger.Warn("health: system service init failed", zap.Error(err))
	}

	idempotencyStore := idempotency.NewFirestoreStore(firestoreClient)
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
	)

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	var cleanupTicker *time.Ticker
	if cfg.Idempotency.CleanupInterval > 0 {
		cleanupTicker = time.NewTicker(cfg.Idempotency.CleanupInterval)
		cleanupWG.Add(1)
		go func() {
			defer cleanupWG.Done()
			cleanupLogger := logger.Named("idempotency")
			for {
				select {
				case <-cleanupTicker.C:
					runCtx, cancel := context.WithTimeout(cleanupCtx, time.Minute)
					removed, err := idempotencyStore.CleanupExpired(runCtx, time.Now().UTC(), cfg.Idempotency.CleanupBatchSize)
					cancel()
					if err != nil {
						cleanupLogger.Error("idempotency cleanup error", zap.Error(err))
						continue
					}
					if removed > 0 {
						cleanupLogger.Info("idempotency cleanup removed records", zap.Int("count", removed))
					}
				case <-cleanupCtx.Done():
					return
				}
			}
		}()
	}

	stripeParser, err := payments.NewStripeWebhookParser(cfg.PSP.StripeWebhookSecret)
	if err != nil {
		logger.Fatal("failed to initialise stripe webhook parser", zap.Error(err))
	}

	webhookOpts := []handlers.WebhookOption{
		handlers.WithStripeParser(stripeParser),
		handlers.WithWebhookPaymentService(paymentService),
		handlers.WithWebhookShipmentService(shipmentService),
	}
	if validator := buildHMACValidator(logger.Named("auth"), cfg); validator != nil {
		webhookOpts = append(webhookOpts, handlers.WithCarrierHMAC(validator, carrierWebhookSecret))
	}
	webhookHandlers := handlers.NewWebhookHandlers(webhookOpts...)

	cartHandlers := handlers.NewCartHandlers(cartService)
	orderHandlers := handlers.NewOrderHandlers(orderService,
		handlers.WithOrderRateLimit(orderCreateRateLimit, orderCreateRateWindow, time.Now),
	)
	paymentHandlers := handlers.NewPaymentHandlers(paymentService, orderService)
	shipmentHandlers := handlers.NewShipmentHandlers(shipmentService, orderService)

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(systemService),
	)

	projectID := strings.TrimSpace(cfg.Firestore.ProjectID)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(projectID),
		idempotencyMiddleware,
	}

	router := handlers.NewRouter(
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithCartRoutes(func(r chi.Router) {
			r.Use(auth.RequireIdentity)
			cartHandlers.Routes(r)
		}),
		handlers.WithOrderRoutes(func(r chi.Router) {
			r.Use(auth.RequireIdentity)
			orderHandlers.Routes(r)
			paymentHandlers.Routes(r)
			shipmentHandlers.Routes(r)
		}),
		handlers.WithAdminRoutes(func(r chi.Router) {
			r.Use(auth.RequireIdentity)
			r.Use(auth.RequireRole(auth.RoleAdmin))
			r.Route("/orders", func(admin chi.Router) {
				orderHandlers.AdminRoutes(admin)
				paymentHandlers.AdminRoutes(admin)
				shipmentHandlers.AdminRoutes(admin)
			})
		}),
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
		serverLogger.Info("market api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	if cleanupTicker != nil {
		cleanupTicker.Stop()
	}
	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// serviceLogger bridges the services' structured log callback onto zap.
func serviceLogger(logger *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	return func(_ context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields)+1)
		zFields = append(zFields, zap.String("event", event))
		for k, v := range fields {
			zFields = append(zFields, zap.Any(k, v))
		}
		logger.Debug("service log", zFields...)
	}
}

func buildInfoFromEnv(env map[string]string, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.ToLower(strings.TrimSpace(env["API_SECURITY_ENVIRONMENT"]))
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func newSystemService(ctx context.Context, client *firestore.Client, fetcher *secrets.Fetcher, build services.BuildInfo, counters services.CounterService) (services.SystemService, error) {
	checks := make([]repositories.DependencyCheck, 0, 2)
	if client != nil {
		c := client
		checks = append(checks, repositories.DependencyCheck{
			Name:    "firestore",
			Timeout: 1500 * time.Millisecond,
			Check: func(ctx context.Context) error {
				iter := c.Collections(ctx)
				_, err := iter.Next()
				if errors.Is(err, iterator.Done) {
					return nil
				}
				return err
			},
		})
	}
	if fetcher != nil {
		const secretHealthReference = "secret://system/healthz?version=latest"
		checks = append(checks, repositories.DependencyCheck{
			Name:    "secretManager",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				_, err := fetcher.Resolve(ctx, secretHealthReference)
				if err == nil {
					return nil
				}
				if st, ok := status.FromError(err); ok {
					switch st.Code() {
					case codes.NotFound:
						return nil
					}
				}
				return err
			},
		})
	}
	if len(checks) == 0 {
		return nil, errors.New("health: no dependency checks configured")
	}
	repo, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		return nil, err
	}
	return services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: repo,
		Clock:            time.Now,
		Build:            build,
		Counters:         counters,
	})
}

func buildHMACValidator(logger *zap.Logger, cfg config.Config) *auth.HMACValidator {
	hmacSecrets := make(map[string]string)
	for key, value := range cfg.Webhooks.HMAC.Secrets {
		if strings.TrimSpace(value) == "" {
			continue
		}
		hmacSecrets[strings.ToLower(key)] = value
	}
	if _, ok := hmacSecrets[carrierWebhookSecret]; !ok {
		return nil
	}

	provider := staticSecretProvider{secrets: hmacSecrets}
	nonces := auth.NewInMemoryNonceStore()
	adapter := observability.NewPrintfAdapter(logger)
	return auth.NewHMACValidator(provider, nonces,
		auth.WithHMACLogger(adapter),
		auth.WithHMACHeaders(cfg.Webhooks.HMAC.SignatureHeader, cfg.Webhooks.HMAC.TimestampHeader, cfg.Webhooks.HMAC.NonceHeader),
		auth.WithHMACClockSkew(cfg.Webhooks.HMAC.ClockSkew),
		auth.WithHMACNonceTTL(cfg.Webhooks.HMAC.NonceTTL),
	)
}

type staticSecretProvider struct {
	secrets map[string]string
}

func (p staticSecretProvider) GetSecret(_ context.Context, name string) (string, error) {
	if len(p.secrets) == 0 {
		return "", errors.New("auth: hmac secrets not configured")
	}
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return "", errors.New("auth: secret name required")
	}
	if secret, ok := p.secrets[key]; ok && secret != "" {
		return secret, nil
	}
	return "", errors.New("auth: secret not found")
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		if env == nil {
			return ""
		}
		if value, ok := env[key]; ok {
			return strings.TrimSpace(value)
		}
		return ""
	}

	envLabel := strings.ToLower(lookup("API_SECURITY_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	projectMap := secretProjectMapFromEnv(env)
	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_FIRESTORE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}
	versionPins := secretVersionPinsFromEnv(env)
	credentialsFile := lookup("API_SECRET_CREDENTIALS_FILE")

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if len(projectMap) > 0 {
		opts = append(opts, secrets.WithProjectMap(projectMap))
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if len(versionPins) > 0 {
		opts = append(opts, secrets.WithVersionPins(versionPins))
	}
	if credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

func requiredSecretNames(env map[string]string) []string {
	required := []string{
		"PSP.StripeAPIKey",
		"PSP.StripeWebhookSecret",
	}

	hmacRaw := ""
	if env != nil {
		hmacRaw = strings.TrimSpace(env["API_WEBHOOK_HMAC_SECRETS"])
	}
	for _, key := range parseHMACSecretKeys(hmacRaw) {
		required = append(required, fmt.Sprintf("Webhooks.HMAC.Secrets[%s]", key))
	}

	return uniqueStrings(required)
}

func secretProjectMapFromEnv(env map[string]string) map[string]string {
	raw := ""
	if env != nil {
		raw = env["API_SECRET_PROJECT_IDS"]
	}
	raw = strings.TrimSpace(raw)
	projects := make(map[string]string)
	if raw == "" {
		return projects
	}
	entries := strings.Split(raw, ",")
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		envLabel := strings.ToLower(strings.TrimSpace(parts[0]))
		project := strings.TrimSpace(parts[1])
		if envLabel == "" || project == "" {
			continue
		}
		projects[envLabel] = project
	}
	return projects
}

func secretVersionPinsFromEnv(env map[string]string) map[string]string {
	raw := ""
	if env != nil {
		raw = env["API_SECRET_VERSION_PINS"]
	}
	raw = strings.TrimSpace(raw)
	pins := make(map[string]string)
	if raw == "" {
		return pins
	}
	entries := strings.Split(raw, ",")
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		ref := strings.TrimSpace(parts[0])
		version := strings.TrimSpace(parts[1])
		if ref == "" || version == "" {
			continue
		}
		var prefix string
		if idx := strings.Index(ref, ":"); idx > 0 {
			schemeSplit := strings.Index(ref, "://")
			if schemeSplit == -1 || idx < schemeSplit {
				prefix = strings.ToLower(strings.TrimSpace(ref[:idx])) + ":"
				ref = strings.TrimSpace(ref[idx+1:])
			}
		}
		if strings.HasPrefix(ref, "sm://") {
			ref = "secret://" + strings.TrimPrefix(ref, "sm://")
		} else if !strings.HasPrefix(ref, "secret://") {
			ref = "secret://" + ref
		}
		ref = prefix + ref
		pins[ref] = version
	}
	return pins
}

func parseHMACSecretKeys(raw string) []string {
	values := parseKeyValueList(raw)
	if len(values) == 0 {
		return nil
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, strings.ToLower(key))
	}
	sort.Strings(keys)
	return keys
}

func parseKeyValueList(raw string) map[string]string {
	result := make(map[string]string)
	if strings.TrimSpace(raw) == "" {
		return result
	}
	entries := strings.Split(raw, ",")
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" || value == "" {
			continue
		}
		result[key] = value
	}
	return result
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	sort.Strings(out)
	return out
}
