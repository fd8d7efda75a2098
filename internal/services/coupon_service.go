package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/repositories"
)

var (
	// ErrCouponInvalid indicates no active coupon matches the code.
	ErrCouponInvalid = errors.New("coupon: invalid code")
	// ErrCouponExpired indicates the coupon's validity window has passed.
	ErrCouponExpired = errors.New("coupon: expired")
	// ErrCouponExhausted indicates the coupon reached its usage cap.
	ErrCouponExhausted = errors.New("coupon: usage limit reached")
	// ErrCouponBelowMinimum indicates the subtotal is below the coupon's minimum order amount.
	ErrCouponBelowMinimum = errors.New("coupon: below minimum order amount")
	// ErrCouponUnavailable indicates coupons could not be looked up.
	ErrCouponUnavailable = errors.New("coupon: lookup unavailable")
)

// CouponErrorKind classifies coupon rejections.
type CouponErrorKind string

const (
	CouponInvalid      CouponErrorKind = "invalid"
	CouponExpired      CouponErrorKind = "expired"
	CouponExhausted    CouponErrorKind = "exhausted"
	CouponBelowMinimum CouponErrorKind = "below_minimum"
)

// CouponError is returned for every coupon rejection. Its message is safe to show to buyers.
type CouponError struct {
	Kind     CouponErrorKind
	Code     string
	Minimum  int64
	Currency string
}

func (e *CouponError) Error() string {
	switch e.Kind {
	case CouponExpired:
		return "This coupon has expired."
	case CouponExhausted:
		return "This coupon has reached its usage limit."
	case CouponBelowMinimum:
		return fmt.Sprintf("A minimum order of %s is required for this coupon.", formatMoney(e.Minimum, e.Currency))
	default:
		return "This coupon code is not valid."
	}
}

// Is matches the sentinel for the error's kind.
func (e *CouponError) Is(target error) bool {
	switch e.Kind {
	case CouponInvalid:
		return target == ErrCouponInvalid
	case CouponExpired:
		return target == ErrCouponExpired
	case CouponExhausted:
		return target == ErrCouponExhausted
	case CouponBelowMinimum:
		return target == ErrCouponBelowMinimum
	}
	return false
}

// CouponServiceDeps bundles dependencies required to construct a CouponService implementation.
type CouponServiceDeps struct {
	Coupons  repositories.CouponRepository
	Currency string
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type couponService struct {
	coupons  repositories.CouponRepository
	currency string
	clock    func() time.Time
	logger   func(ctx context.Context, event string, fields map[string]any)
}

// NewCouponService wires a CouponService backed by the coupon repository.
func NewCouponService(deps CouponServiceDeps) (CouponService, error) {
	if deps.Coupons == nil {
		return nil, errors.New("coupon service: coupon repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &couponService{
		coupons:  deps.Coupons,
		currency: normalizeCurrency(deps.Currency),
		clock:    func() time.Time { return clock().UTC() },
		logger:   logger,
	}, nil
}

// Validate checks the code against the coupon rules in order (existence, expiry, usage cap,
// minimum order) and returns the discount for subtotal. currency is the checkout's currency and
// falls back to the service default when empty. Usage counters are not touched.
func (s *couponService) Validate(ctx context.Context, code string, subtotal int64, currency string) (CouponApplication, error) {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	if normalized == "" {
		return CouponApplication{}, &CouponError{Kind: CouponInvalid}
	}

	coupon, err := s.coupons.FindActiveByCode(ctx, normalized)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return CouponApplication{}, &CouponError{Kind: CouponInvalid, Code: normalized}
		}
		s.logger(ctx, "coupon.lookup.failed", map[string]any{"code": normalized, "error": err.Error()})
		return CouponApplication{}, fmt.Errorf("%w: %v", ErrCouponUnavailable, err)
	}
	if !coupon.Active {
		return CouponApplication{}, &CouponError{Kind: CouponInvalid, Code: normalized}
	}

	if coupon.ValidUntil != nil && coupon.ValidUntil.Before(s.clock()) {
		return CouponApplication{}, &CouponError{Kind: CouponExpired, Code: normalized}
	}
	if coupon.MaxUses != nil && coupon.UsesCount >= *coupon.MaxUses {
		return CouponApplication{}, &CouponError{Kind: CouponExhausted, Code: normalized}
	}
	if coupon.MinOrderAmount != nil && subtotal < *coupon.MinOrderAmount {
		return CouponApplication{}, &CouponError{
			Kind:     CouponBelowMinimum,
			Code:     normalized,
			Minimum:  *coupon.MinOrderAmount,
			Currency: s.currencyOr(currency),
		}
	}

	return CouponApplication{
		CouponID: coupon.ID,
		Code:     normalized,
		Discount: ComputeDiscount(coupon, subtotal),
	}, nil
}

func (s *couponService) currencyOr(code string) string {
	if strings.TrimSpace(code) == "" {
		return s.currency
	}
	return normalizeCurrency(code)
}

// ComputeDiscount returns round(subtotal*value/100) for percentage coupons and the value itself
// for fixed coupons. The result is not clamped to the subtotal.
func ComputeDiscount(coupon Coupon, subtotal int64) int64 {
	switch coupon.DiscountType {
	case domain.DiscountPercentage:
		return decimal.NewFromInt(subtotal).
			Mul(coupon.DiscountValue).
			Div(decimal.NewFromInt(100)).
			Round(0).
			IntPart()
	case domain.DiscountFixed:
		return coupon.DiscountValue.Round(0).IntPart()
	}
	return 0
}
