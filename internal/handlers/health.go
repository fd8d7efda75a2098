package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/hanko-field/checkout/internal/platform/httpx"
	"github.com/hanko-field/checkout/internal/platform/observability"
)

const defaultHealthTimeout = 3 * time.Second

// HealthCheck probes a single dependency.
type HealthCheck func(ctx context.Context) error

// HealthHandlers serves liveness and readiness probes.
type HealthHandlers struct {
	checks    map[string]HealthCheck
	timeout   time.Duration
	startedAt time.Time
	clock     func() time.Time
}

// HealthOption customises HealthHandlers.
type HealthOption func(*HealthHandlers)

// WithHealthCheck registers a named dependency probe run by /healthz and /readyz.
func WithHealthCheck(name string, check HealthCheck) HealthOption {
	return func(h *HealthHandlers) {
		if name == "" || check == nil {
			return
		}
		h.checks[name] = check
	}
}

// WithHealthClock overrides the clock used for uptime reporting.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// NewHealthHandlers constructs health handlers with optional dependency probes.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{
		checks:  map[string]HealthCheck{},
		timeout: defaultHealthTimeout,
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.startedAt = h.clock()
	return h
}

// Healthz reports service health including dependency probes.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r)
}

// Readyz reports whether the service can take traffic.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r)
}

func (h *HealthHandlers) respond(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	results := make(map[string]string, len(names))
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			status = http.StatusServiceUnavailable
			results[name] = "error"
			observability.FromContext(r.Context()).Warn("health check failed", zap.String("check", name), zap.Error(err))
			continue
		}
		results[name] = "ok"
	}

	label := "ok"
	if status != http.StatusOK {
		label = "degraded"
	}
	now := h.clock()
	httpx.WriteJSON(w, status, map[string]any{
		"status":    label,
		"checks":    results,
		"uptime":    now.Sub(h.startedAt).String(),
		"timestamp": now.UTC().Format(time.RFC3339),
	})
}
