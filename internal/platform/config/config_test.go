package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	env := map[string]string{
		"API_FIRESTORE_PROJECT_ID": "market-dev",
	}

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if cfg.Firestore.ProjectID != "market-dev" {
		t.Errorf("unexpected firestore project: %s", cfg.Firestore.ProjectID)
	}
	if cfg.Events.ProjectID != "market-dev" {
		t.Errorf("expected events project to default to firestore project, got %s", cfg.Events.ProjectID)
	}
	if cfg.Events.Enabled {
		t.Errorf("expected events disabled by default")
	}
	if cfg.Events.Topic != defaultEventsTopic {
		t.Errorf("unexpected default events topic: %s", cfg.Events.Topic)
	}
	if cfg.Carrier.Timeout != defaultCarrierTimeout {
		t.Errorf("unexpected default carrier timeout: %s", cfg.Carrier.Timeout)
	}
	if cfg.Webhooks.HMAC.SignatureHeader != defaultHMACSignatureHeader {
		t.Errorf("expected default signature header, got %s", cfg.Webhooks.HMAC.SignatureHeader)
	}
	if cfg.Idempotency.Header != defaultIdempotencyHeader {
		t.Errorf("expected default idempotency header, got %s", cfg.Idempotency.Header)
	}
	if cfg.Idempotency.TTL != defaultIdempotencyTTL {
		t.Errorf("unexpected default idempotency ttl: %s", cfg.Idempotency.TTL)
	}
	if cfg.Idempotency.CleanupInterval != defaultIdempotencyInterval {
		t.Errorf("unexpected default cleanup interval: %s", cfg.Idempotency.CleanupInterval)
	}
	if cfg.Idempotency.CleanupBatchSize != defaultIdempotencyBatchSize {
		t.Errorf("unexpected default cleanup batch size: %d", cfg.Idempotency.CleanupBatchSize)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"API_SERVER_PORT":                    "9090",
		"API_SERVER_READ_TIMEOUT":            "20s",
		"API_SERVER_WRITE_TIMEOUT":           "25s",
		"API_SERVER_IDLE_TIMEOUT":            "2m",
		"API_FIRESTORE_PROJECT_ID":           "market-prod",
		"API_PSP_STRIPE_API_KEY":             "secret://stripe/api",
		"API_PSP_STRIPE_WEBHOOK_SECRET":      "secret://stripe/webhook",
		"API_CARRIER_BASE_URL":               "https://carrier.example.com",
		"API_CARRIER_API_KEY":                "secret://carrier/key",
		"API_CARRIER_TIMEOUT":                "5s",
		"API_WEBHOOK_HMAC_SECRETS":           "carrier=secret://hmac/carrier,partner=partner-secret",
		"API_WEBHOOK_HMAC_HEADER_SIGNATURE":  "X-Custom-Signature",
		"API_WEBHOOK_HMAC_CLOCK_SKEW":        "3m",
		"API_WEBHOOK_HMAC_NONCE_TTL":         "10m",
		"API_EVENTS_ENABLED":                 "true",
		"API_EVENTS_PROJECT_ID":              "market-events",
		"API_EVENTS_TOPIC":                   "fulfillment-events",
		"API_IDEMPOTENCY_HEADER":             "X-Idem-Key",
		"API_IDEMPOTENCY_TTL":                "48h",
		"API_IDEMPOTENCY_CLEANUP_INTERVAL":   "30m",
		"API_IDEMPOTENCY_CLEANUP_BATCH":      "500",
	}

	secrets := map[string]string{
		"secret://stripe/api":     "stripe-key",
		"secret://stripe/webhook": "stripe-webhook",
		"secret://carrier/key":    "carrier-key",
		"secret://hmac/carrier":   "carrier-hmac",
	}

	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Server.IdleTimeout != 2*time.Minute {
		t.Errorf("unexpected idle timeout: %s", cfg.Server.IdleTimeout)
	}
	if cfg.PSP.StripeAPIKey != "stripe-key" {
		t.Errorf("expected resolved stripe api key, got %s", cfg.PSP.StripeAPIKey)
	}
	if cfg.PSP.StripeWebhookSecret != "stripe-webhook" {
		t.Errorf("expected resolved stripe webhook secret, got %s", cfg.PSP.StripeWebhookSecret)
	}
	if cfg.Carrier.BaseURL != "https://carrier.example.com" {
		t.Errorf("unexpected carrier base url %s", cfg.Carrier.BaseURL)
	}
	if cfg.Carrier.APIKey != "carrier-key" {
		t.Errorf("expected resolved carrier key, got %s", cfg.Carrier.APIKey)
	}
	if cfg.Carrier.Timeout != 5*time.Second {
		t.Errorf("unexpected carrier timeout %s", cfg.Carrier.Timeout)
	}
	if cfg.Webhooks.HMAC.Secrets["carrier"] != "carrier-hmac" {
		t.Errorf("expected resolved carrier hmac secret, got %s", cfg.Webhooks.HMAC.Secrets["carrier"])
	}
	if cfg.Webhooks.HMAC.Secrets["partner"] != "partner-secret" {
		t.Errorf("expected partner secret fallback, got %s", cfg.Webhooks.HMAC.Secrets["partner"])
	}
	if cfg.Webhooks.HMAC.SignatureHeader != "X-Custom-Signature" {
		t.Errorf("unexpected signature header %s", cfg.Webhooks.HMAC.SignatureHeader)
	}
	if cfg.Webhooks.HMAC.ClockSkew != 3*time.Minute {
		t.Errorf("unexpected clock skew %s", cfg.Webhooks.HMAC.ClockSkew)
	}
	if cfg.Webhooks.HMAC.NonceTTL != 10*time.Minute {
		t.Errorf("unexpected nonce ttl %s", cfg.Webhooks.HMAC.NonceTTL)
	}
	if !cfg.Events.Enabled {
		t.Errorf("expected events enabled")
	}
	if cfg.Events.ProjectID != "market-events" {
		t.Errorf("unexpected events project %s", cfg.Events.ProjectID)
	}
	if cfg.Events.Topic != "fulfillment-events" {
		t.Errorf("unexpected events topic %s", cfg.Events.Topic)
	}
	if cfg.Idempotency.Header != "X-Idem-Key" {
		t.Errorf("unexpected idempotency header %s", cfg.Idempotency.Header)
	}
	if cfg.Idempotency.TTL != 48*time.Hour {
		t.Errorf("unexpected idempotency ttl %s", cfg.Idempotency.TTL)
	}
	if cfg.Idempotency.CleanupInterval != 30*time.Minute {
		t.Errorf("unexpected cleanup interval %s", cfg.Idempotency.CleanupInterval)
	}
	if cfg.Idempotency.CleanupBatchSize != 500 {
		t.Errorf("unexpected cleanup batch size %d", cfg.Idempotency.CleanupBatchSize)
	}
}

func TestLoadDotEnvFallback(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "API_SERVER_PORT=7070\nAPI_FIRESTORE_PROJECT_ID=market-dot\n"
	if err := os.WriteFile(envPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write dotenv file: %v", err)
	}

	cfg, err := Load(context.Background(), WithEnvFile(envPath), WithoutSystemEnv())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port from dotenv 7070, got %s", cfg.Server.Port)
	}
	if cfg.Firestore.ProjectID != "market-dot" {
		t.Errorf("expected firestore project from dotenv, got %s", cfg.Firestore.ProjectID)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	_, err := Load(context.Background(), WithEnvMap(map[string]string{}), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	if _, ok := err.(*ValidationError); !ok {
		t.Fatalf("expected ValidationError, got %T", err)
	}
}

func TestLoadSecretResolverError(t *testing.T) {
	env := map[string]string{
		"API_FIRESTORE_PROJECT_ID": "market-dev",
		"API_PSP_STRIPE_API_KEY":   "secret://missing",
	}

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected secret resolution error, got nil")
	}
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected SecretError, got %T", err)
	}
	if secretErr.Ref != "secret://missing" {
		t.Errorf("unexpected secret ref %s", secretErr.Ref)
	}
}

func TestEnvironmentValuesMergesSources(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "API_FIRESTORE_PROJECT_ID=dot-project\nAPI_SECRET_FALLBACK_FILE=.dot.local\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("failed writing env file: %v", err)
	}

	t.Setenv("API_FIRESTORE_PROJECT_ID", "os-project")
	t.Setenv("API_SECRET_PROJECT_IDS", "prod=project-prod")

	overrides := map[string]string{
		"API_FIRESTORE_PROJECT_ID": "override-project",
		"API_SECRET_VERSION_PINS":  "secret://stripe/api=5",
	}

	values, err := EnvironmentValues(WithEnvFile(envPath), WithEnvMap(overrides))
	if err != nil {
		t.Fatalf("EnvironmentValues returned error: %v", err)
	}

	if got := values["API_FIRESTORE_PROJECT_ID"]; got != "override-project" {
		t.Fatalf("expected override project, got %s", got)
	}
	if got := values["API_SECRET_FALLBACK_FILE"]; got != ".dot.local" {
		t.Fatalf("expected dotenv fallback file, got %s", got)
	}
	if got := values["API_SECRET_PROJECT_IDS"]; got != "prod=project-prod" {
		t.Fatalf("expected system env project map, got %s", got)
	}
	if got := values["API_SECRET_VERSION_PINS"]; got != "secret://stripe/api=5" {
		t.Fatalf("expected override version pin, got %s", got)
	}
}

func TestLoadMissingRequiredSecrets(t *testing.T) {
	env := map[string]string{
		"API_FIRESTORE_PROJECT_ID": "market-dev",
	}

	_, err := Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("PSP.StripeWebhookSecret"),
	)
	if err == nil {
		t.Fatal("expected missing secrets error, got nil")
	}
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingSecretsError, got %T", err)
	}
	expectedRedacted := redactSecretName("PSP.StripeWebhookSecret")
	if got := missing.RedactedNames(); len(got) != 1 || got[0] != expectedRedacted {
		t.Fatalf("unexpected redacted names %v", got)
	}
}

func TestLoadMissingRequiredSecretsPanic(t *testing.T) {
	env := map[string]string{
		"API_FIRESTORE_PROJECT_ID": "market-dev",
	}

	defer func() {
		rec := recover()
		if rec == nil {
			t.Fatal("expected panic when required secrets missing")
		}
		missing, ok := rec.(*MissingSecretsError)
		if !ok {
			t.Fatalf("expected MissingSecretsError panic, got %T", rec)
		}
		if len(missing.Names()) != 1 || missing.Names()[0] != "PSP.StripeWebhookSecret" {
			t.Fatalf("unexpected missing secrets %v", missing.Names())
		}
	}()

	Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("PSP.StripeWebhookSecret"),
		WithPanicOnMissingSecrets(),
	)
}

func TestLoadSupportsLegacySecretScheme(t *testing.T) {
	env := map[string]string{
		"API_FIRESTORE_PROJECT_ID":      "market-dev",
		"API_PSP_STRIPE_WEBHOOK_SECRET": "sm://stripe/webhook",
	}

	secrets := map[string]string{
		"secret://stripe/webhook": "legacy-secret",
	}

	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", &SecretError{Ref: ref, Err: errors.New("not found")}
	})

	cfg, err := Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithSecretResolver(resolver),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.PSP.StripeWebhookSecret != "legacy-secret" {
		t.Fatalf("expected legacy secret, got %s", cfg.PSP.StripeWebhookSecret)
	}
}
