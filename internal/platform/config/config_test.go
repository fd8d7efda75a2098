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
		"CHECKOUT_FIREBASE_PROJECT_ID":    "hf-dev",
		"CHECKOUT_STORAGE_INVOICE_BUCKET": "hf-invoices-dev",
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
	if cfg.Firestore.ProjectID != "hf-dev" {
		t.Errorf("expected firestore project to default to firebase project, got %s", cfg.Firestore.ProjectID)
	}
	if cfg.Storage.ProjectID != "hf-dev" {
		t.Errorf("expected storage project to default to firebase project, got %s", cfg.Storage.ProjectID)
	}
	if cfg.Events.ProjectID != "hf-dev" {
		t.Errorf("expected events project to default to firebase project, got %s", cfg.Events.ProjectID)
	}
	if cfg.Checkout.Currency != defaultCurrency {
		t.Errorf("expected default currency %s, got %s", defaultCurrency, cfg.Checkout.Currency)
	}
	if cfg.Checkout.SessionTTL != defaultSessionTTL {
		t.Errorf("unexpected session ttl: %s", cfg.Checkout.SessionTTL)
	}
	if cfg.Checkout.PasswordLength != 12 {
		t.Errorf("unexpected password length: %d", cfg.Checkout.PasswordLength)
	}
	if cfg.Events.OrderPlacedTopic != defaultOrderTopic {
		t.Errorf("unexpected order topic: %s", cfg.Events.OrderPlacedTopic)
	}
	if cfg.Checkout.Company.Name != defaultCompanyName {
		t.Errorf("unexpected company name: %s", cfg.Checkout.Company.Name)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"CHECKOUT_SERVER_PORT":               "9090",
		"CHECKOUT_SERVER_READ_TIMEOUT":       "20s",
		"CHECKOUT_FIREBASE_PROJECT_ID":       "hf-prod",
		"CHECKOUT_FIREBASE_WEB_API_KEY":      "sm://firebase/web-key",
		"CHECKOUT_FIRESTORE_PROJECT_ID":      "hf-fire",
		"CHECKOUT_STORAGE_INVOICE_BUCKET":    "invoices-prod",
		"CHECKOUT_STORAGE_PUBLIC_BASE_URL":   "https://cdn.example.com",
		"CHECKOUT_PSP_STRIPE_API_KEY":        "secret://stripe/api",
		"CHECKOUT_PSP_STRIPE_WEBHOOK_SECRET": "secret://stripe/webhook",
		"CHECKOUT_PSP_SUCCESS_URL":           "https://shop.example.com/checkout/success",
		"CHECKOUT_CURRENCY":                  "usd",
		"CHECKOUT_SESSION_TTL":               "45m",
		"CHECKOUT_PASSWORD_LENGTH":           "16",
		"CHECKOUT_COMPANY_NAME":              "Example Ltd",
		"CHECKOUT_EVENTS_ORDER_PLACED_TOPIC": "orders",
	}

	secrets := map[string]string{
		"secret://stripe/api":       "sk_test_123",
		"secret://stripe/webhook":   "whsec_123",
		"secret://firebase/web-key": "web-key",
	}
	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", errors.New("unknown secret")
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" || cfg.Server.ReadTimeout != 20*time.Second {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Firestore.ProjectID != "hf-fire" {
		t.Errorf("expected explicit firestore project, got %s", cfg.Firestore.ProjectID)
	}
	if cfg.PSP.StripeAPIKey != "sk_test_123" || cfg.PSP.StripeWebhookSecret != "whsec_123" {
		t.Errorf("expected stripe secrets to resolve, got %+v", cfg.PSP)
	}
	if cfg.Firebase.WebAPIKey != "web-key" {
		t.Errorf("expected sm:// reference to resolve, got %s", cfg.Firebase.WebAPIKey)
	}
	if cfg.Checkout.Currency != "USD" {
		t.Errorf("expected currency to be upper cased, got %s", cfg.Checkout.Currency)
	}
	if cfg.Checkout.SessionTTL != 45*time.Minute || cfg.Checkout.PasswordLength != 16 {
		t.Errorf("unexpected checkout config: %+v", cfg.Checkout)
	}
	if cfg.Events.OrderPlacedTopic != "orders" {
		t.Errorf("unexpected topic: %s", cfg.Events.OrderPlacedTopic)
	}
}

func TestLoadSecretWithoutResolver(t *testing.T) {
	env := map[string]string{
		"CHECKOUT_FIREBASE_PROJECT_ID":    "hf-dev",
		"CHECKOUT_STORAGE_INVOICE_BUCKET": "bucket",
		"CHECKOUT_PSP_STRIPE_API_KEY":     "secret://stripe/api",
	}

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected SecretError, got %v", err)
	}
	if secretErr.Ref != "secret://stripe/api" {
		t.Errorf("unexpected ref: %s", secretErr.Ref)
	}
	if !errors.Is(err, errSecretResolverNotConfigured) {
		t.Errorf("expected unwrap to resolver-not-configured, got %v", err)
	}
}

func TestLoadValidationErrors(t *testing.T) {
	env := map[string]string{
		"CHECKOUT_CURRENCY":        "RUPEE",
		"CHECKOUT_PASSWORD_LENGTH": "6",
	}

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	want := map[string]bool{
		"Firebase.ProjectID":      false,
		"Firestore.ProjectID":     false,
		"Storage.InvoiceBucket":   false,
		"Checkout.Currency":       false,
		"Checkout.PasswordLength": false,
	}
	for _, field := range validationErr.Fields() {
		if _, ok := want[field]; ok {
			want[field] = true
		}
	}
	for field, seen := range want {
		if !seen {
			t.Errorf("expected %s in validation fields %v", field, validationErr.Fields())
		}
	}
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# local overrides\nCHECKOUT_FIREBASE_PROJECT_ID=hf-local\nexport CHECKOUT_STORAGE_INVOICE_BUCKET=\"local-invoices\"\nCHECKOUT_SERVER_PORT=7000\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	cfg, err := Load(context.Background(), WithEnvFile(path), WithoutSystemEnv(), WithEnvMap(map[string]string{
		"CHECKOUT_SERVER_PORT": "7100",
	}))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Firebase.ProjectID != "hf-local" {
		t.Errorf("expected project from .env, got %s", cfg.Firebase.ProjectID)
	}
	if cfg.Storage.InvoiceBucket != "local-invoices" {
		t.Errorf("expected bucket from .env, got %s", cfg.Storage.InvoiceBucket)
	}
	if cfg.Server.Port != "7100" {
		t.Errorf("expected env map to win over .env, got %s", cfg.Server.Port)
	}
}

func TestEnvironmentValuesPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("A=dotenv\nB=dotenv\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	values, err := EnvironmentValues(WithEnvFile(path), WithoutSystemEnv(), WithEnvMap(map[string]string{"B": "explicit"}))
	if err != nil {
		t.Fatalf("EnvironmentValues returned error: %v", err)
	}
	if values["A"] != "dotenv" || values["B"] != "explicit" {
		t.Fatalf("unexpected values: %v", values)
	}
}

func TestLoadMissingDotEnvIsIgnored(t *testing.T) {
	env := map[string]string{
		"CHECKOUT_FIREBASE_PROJECT_ID":    "hf-dev",
		"CHECKOUT_STORAGE_INVOICE_BUCKET": "bucket",
	}
	if _, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(filepath.Join(t.TempDir(), "missing.env"))); err != nil {
		t.Fatalf("expected missing .env to be ignored, got %v", err)
	}
}
