package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultEnvFile        = ".env"
	defaultPort           = "8080"
	defaultReadTimeout    = 15 * time.Second
	defaultWriteTimeout   = 90 * time.Second
	defaultIdleTimeout    = 120 * time.Second
	defaultCurrency       = "INR"
	defaultSessionTTL     = 2 * time.Hour
	defaultPasswordLength = 12
	defaultLongPollMax    = 60 * time.Second
	defaultOrderTopic     = "checkout.order-placed"
	defaultThemeColor     = "#4F46E5"
	defaultCompanyName    = "Hanko Field"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server    ServerConfig
	Firebase  FirebaseConfig
	Firestore FirestoreConfig
	Storage   StorageConfig
	PSP       PSPConfig
	Checkout  CheckoutConfig
	Events    EventsConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
	// WebAPIKey is used for email/password sign-in through Identity Toolkit.
	WebAPIKey string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// StorageConfig describes where rendered invoices are stored.
type StorageConfig struct {
	InvoiceBucket string
	PublicBaseURL string
	ProjectID     string
}

// PSPConfig collects secrets for the payment gateway.
type PSPConfig struct {
	StripeAPIKey        string
	StripePublicKey     string
	StripeWebhookSecret string
	SuccessURL          string
	CancelURL           string
}

// CheckoutConfig tunes the checkout flow.
type CheckoutConfig struct {
	Currency       string
	SessionTTL     time.Duration
	PasswordLength int
	LongPollMax    time.Duration
	ThemeColor     string
	Company        CompanyConfig
}

// CompanyConfig is printed on invoice letterheads.
type CompanyConfig struct {
	Name    string
	Address string
	Email   string
	Phone   string
	TaxID   string
}

// EventsConfig configures Pub/Sub publishing.
type EventsConfig struct {
	ProjectID        string
	OrderPlacedTopic string
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
	secret       SecretResolver
}

// EnvironmentValues returns the effective key/value environment map after applying the same precedence
// rules as Load (dotenv < OS env < explicit env map). Callers use it to build the secret resolver
// before invoking Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := newLoaderOptions(opts)

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string, len(dotEnvValues))
	for key, value := range dotEnvValues {
		values[key] = value
	}
	if options.useSystemEnv {
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			if !ok || strings.TrimSpace(key) == "" {
				continue
			}
			values[key] = value
		}
	}
	for key, value := range options.envMap {
		values[key] = value
	}
	return values, nil
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets a custom secret resolver used for sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if value, ok := dotEnvValues[key]; ok {
			return value, true
		}
		return "", false
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "CHECKOUT_SERVER_PORT", defaultPort),
			ReadTimeout:  durationWithDefault(lookup, "CHECKOUT_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "CHECKOUT_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "CHECKOUT_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       stringWithDefault(lookup, "CHECKOUT_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: stringWithDefault(lookup, "CHECKOUT_FIREBASE_CREDENTIALS_FILE", ""),
			WebAPIKey:       stringWithDefault(lookup, "CHECKOUT_FIREBASE_WEB_API_KEY", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "CHECKOUT_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "CHECKOUT_FIRESTORE_EMULATOR_HOST", ""),
		},
		Storage: StorageConfig{
			InvoiceBucket: stringWithDefault(lookup, "CHECKOUT_STORAGE_INVOICE_BUCKET", ""),
			PublicBaseURL: stringWithDefault(lookup, "CHECKOUT_STORAGE_PUBLIC_BASE_URL", ""),
			ProjectID:     stringWithDefault(lookup, "CHECKOUT_STORAGE_PROJECT_ID", ""),
		},
		PSP: PSPConfig{
			StripeAPIKey:        stringWithDefault(lookup, "CHECKOUT_PSP_STRIPE_API_KEY", ""),
			StripePublicKey:     stringWithDefault(lookup, "CHECKOUT_PSP_STRIPE_PUBLIC_KEY", ""),
			StripeWebhookSecret: stringWithDefault(lookup, "CHECKOUT_PSP_STRIPE_WEBHOOK_SECRET", ""),
			SuccessURL:          stringWithDefault(lookup, "CHECKOUT_PSP_SUCCESS_URL", ""),
			CancelURL:           stringWithDefault(lookup, "CHECKOUT_PSP_CANCEL_URL", ""),
		},
		Checkout: CheckoutConfig{
			Currency:       strings.ToUpper(stringWithDefault(lookup, "CHECKOUT_CURRENCY", defaultCurrency)),
			SessionTTL:     durationWithDefault(lookup, "CHECKOUT_SESSION_TTL", defaultSessionTTL),
			PasswordLength: intWithDefault(lookup, "CHECKOUT_PASSWORD_LENGTH", defaultPasswordLength),
			LongPollMax:    durationWithDefault(lookup, "CHECKOUT_LONG_POLL_MAX", defaultLongPollMax),
			ThemeColor:     stringWithDefault(lookup, "CHECKOUT_THEME_COLOR", defaultThemeColor),
			Company: CompanyConfig{
				Name:    stringWithDefault(lookup, "CHECKOUT_COMPANY_NAME", defaultCompanyName),
				Address: stringWithDefault(lookup, "CHECKOUT_COMPANY_ADDRESS", ""),
				Email:   stringWithDefault(lookup, "CHECKOUT_COMPANY_EMAIL", ""),
				Phone:   stringWithDefault(lookup, "CHECKOUT_COMPANY_PHONE", ""),
				TaxID:   stringWithDefault(lookup, "CHECKOUT_COMPANY_TAX_ID", ""),
			},
		},
		Events: EventsConfig{
			ProjectID:        stringWithDefault(lookup, "CHECKOUT_EVENTS_PROJECT_ID", ""),
			OrderPlacedTopic: stringWithDefault(lookup, "CHECKOUT_EVENTS_ORDER_PLACED_TOPIC", defaultOrderTopic),
		},
	}

	// Firestore, Storage and Pub/Sub default to the Firebase project when unspecified.
	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.Storage.ProjectID == "" {
		cfg.Storage.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.Events.ProjectID == "" {
		cfg.Events.ProjectID = cfg.Firebase.ProjectID
	}

	secretFields := []*string{
		&cfg.PSP.StripeAPIKey,
		&cfg.PSP.StripeWebhookSecret,
		&cfg.Firebase.WebAPIKey,
	}
	for _, field := range secretFields {
		resolved, err := resolveSecret(ctx, *field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*field = resolved
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" || !isSecretReference(value) {
		return value, nil
	}
	normalized := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: normalized, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if cfg.Firebase.ProjectID == "" {
		missing = append(missing, "Firebase.ProjectID")
	}
	if cfg.Firestore.ProjectID == "" {
		missing = append(missing, "Firestore.ProjectID")
	}
	if cfg.Storage.InvoiceBucket == "" {
		missing = append(missing, "Storage.InvoiceBucket")
	}
	if len(cfg.Checkout.Currency) != 3 {
		missing = append(missing, "Checkout.Currency")
	}
	if cfg.Checkout.SessionTTL <= 0 {
		missing = append(missing, "Checkout.SessionTTL")
	}
	if cfg.Checkout.PasswordLength < 8 {
		missing = append(missing, "Checkout.PasswordLength")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}
	if _, err := os.Stat(absPath); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	values, err := godotenv.Read(absPath)
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && value != "" {
		return value
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}
