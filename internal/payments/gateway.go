package payments

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrPaymentCancelled is returned when the buyer dismisses the payment surface without paying.
	ErrPaymentCancelled = errors.New("payments: payment cancelled")
	// ErrPaymentFailed is matched by every FailedError.
	ErrPaymentFailed = errors.New("payments: payment failed")
	// ErrGatewayUnavailable is returned when the gateway client cannot be initialised.
	ErrGatewayUnavailable = errors.New("payments: gateway unavailable")
)

// FailedError reports an explicit failure event raised by the gateway.
type FailedError struct {
	Reason string
}

func (e *FailedError) Error() string {
	if e == nil || e.Reason == "" {
		return ErrPaymentFailed.Error()
	}
	return fmt.Sprintf("%s: %s", ErrPaymentFailed.Error(), e.Reason)
}

// Is allows errors.Is(err, ErrPaymentFailed).
func (e *FailedError) Is(target error) bool {
	return target == ErrPaymentFailed
}

// Prefill carries buyer contact fields shown pre-populated on the gateway surface.
type Prefill struct {
	Name  string
	Email string
	Phone string
}

// Theme carries cosmetic hints for the gateway surface.
type Theme struct {
	Color string
}

// Options describes a single payment attempt. Amount is already expressed in minor units.
type Options struct {
	Key         string
	Amount      int64
	Currency    string
	Label       string
	Description string
	Prefill     Prefill
	Theme       Theme
	Metadata    map[string]string
}

// Surface is the gateway-controlled UI the buyer completes payment on.
type Surface struct {
	Gateway     string
	SessionID   string
	RedirectURL string
	ExpiresAt   time.Time
}

// Result is the successful settlement of an attempt.
type Result struct {
	TransactionID string
}

// Gateway opens payment attempts against an external payment service.
type Gateway interface {
	Initiate(ctx context.Context, opts Options) (*Attempt, error)
}

// Attempt is a pending payment. It resolves exactly once: with a Result, ErrPaymentCancelled, or
// a *FailedError. Later resolutions are ignored.
type Attempt struct {
	surface Surface

	once   sync.Once
	done   chan struct{}
	result Result
	err    error
}

// NewAttempt returns an unresolved attempt presenting the given surface.
func NewAttempt(surface Surface) *Attempt {
	return &Attempt{surface: surface, done: make(chan struct{})}
}

// Surface returns the surface the buyer interacts with.
func (a *Attempt) Surface() Surface {
	return a.surface
}

// Done is closed once the attempt resolves.
func (a *Attempt) Done() <-chan struct{} {
	return a.done
}

// Wait blocks until the attempt resolves or ctx ends. A cancelled ctx leaves the attempt pending.
func (a *Attempt) Wait(ctx context.Context) (Result, error) {
	select {
	case <-a.done:
		return a.result, a.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Succeed resolves the attempt with a transaction id. It reports whether this call resolved it.
func (a *Attempt) Succeed(transactionID string) bool {
	return a.resolve(Result{TransactionID: transactionID}, nil)
}

// Cancel resolves the attempt with ErrPaymentCancelled.
func (a *Attempt) Cancel() bool {
	return a.resolve(Result{}, ErrPaymentCancelled)
}

// Fail resolves the attempt with a *FailedError carrying reason.
func (a *Attempt) Fail(reason string) bool {
	return a.resolve(Result{}, &FailedError{Reason: reason})
}

func (a *Attempt) resolve(result Result, err error) bool {
	resolved := false
	a.once.Do(func() {
		a.result = result
		a.err = err
		resolved = true
		close(a.done)
	})
	return resolved
}
