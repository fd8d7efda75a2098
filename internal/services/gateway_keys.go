package services

import (
	"context"
	"errors"
	"strings"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/repositories"
)

// ErrGatewayKeyUnavailable indicates neither a stored configuration nor a fallback key exists.
var ErrGatewayKeyUnavailable = errors.New("gateway keys: no key available")

// GatewayKey is the credential used to open payment attempts. Degraded is set when the key came
// from process configuration rather than the stored gateway configuration.
type GatewayKey struct {
	Key      string
	Mode     domain.GatewayMode
	Degraded bool
}

// GatewayKeyResolverDeps bundles collaborators required by the resolver.
type GatewayKeyResolverDeps struct {
	Configs     repositories.GatewayConfigRepository
	Gateway     string
	FallbackKey string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type gatewayKeyResolver struct {
	configs  repositories.GatewayConfigRepository
	gateway  string
	fallback string
	logger   func(ctx context.Context, event string, fields map[string]any)
}

// NewGatewayKeyResolver constructs a resolver reading the active configuration for gateway.
func NewGatewayKeyResolver(deps GatewayKeyResolverDeps) (GatewayKeyResolver, error) {
	gateway := strings.TrimSpace(deps.Gateway)
	if gateway == "" {
		return nil, errors.New("gateway keys: gateway name is required")
	}
	if deps.Configs == nil && strings.TrimSpace(deps.FallbackKey) == "" {
		return nil, errors.New("gateway keys: configuration repository or fallback key is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &gatewayKeyResolver{
		configs:  deps.Configs,
		gateway:  gateway,
		fallback: strings.TrimSpace(deps.FallbackKey),
		logger:   logger,
	}, nil
}

func (r *gatewayKeyResolver) ActiveKey(ctx context.Context) (GatewayKey, error) {
	reason := "repository_unconfigured"
	if r.configs != nil {
		cfg, err := r.configs.FindActive(ctx, r.gateway)
		switch {
		case err != nil:
			reason = "lookup_failed"
			var repoErr repositories.RepositoryError
			if errors.As(err, &repoErr) && repoErr.IsNotFound() {
				reason = "not_configured"
			}
		case strings.TrimSpace(cfg.SecretKey) == "":
			reason = "empty_key"
		default:
			return GatewayKey{Key: strings.TrimSpace(cfg.SecretKey), Mode: cfg.Mode}, nil
		}
	}

	if r.fallback == "" {
		r.logger(ctx, "payments.keys.unavailable", map[string]any{"gateway": r.gateway, "reason": reason})
		return GatewayKey{}, ErrGatewayKeyUnavailable
	}
	r.logger(ctx, "payments.keys.degraded", map[string]any{"gateway": r.gateway, "reason": reason})
	return GatewayKey{Key: r.fallback, Mode: modeForKey(r.fallback), Degraded: true}, nil
}

func modeForKey(key string) domain.GatewayMode {
	if strings.HasPrefix(key, "sk_live_") || strings.HasPrefix(key, "rk_live_") {
		return domain.GatewayModeLive
	}
	return domain.GatewayModeTest
}
