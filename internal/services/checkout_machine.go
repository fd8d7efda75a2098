package services

import (
	"errors"
	"fmt"
	"strings"
)

// CheckoutPhase is the coarse state of a checkout session.
type CheckoutPhase string

const (
	PhaseLoading         CheckoutPhase = "loading"
	PhaseIdentityPending CheckoutPhase = "identity_pending"
	PhaseFormEntry       CheckoutPhase = "form_entry"
	PhaseProcessing      CheckoutPhase = "processing"
	PhaseComplete        CheckoutPhase = "complete"
	PhaseFailed          CheckoutPhase = "failed"
)

// IdentityMode records how the buyer was identified.
type IdentityMode string

const (
	IdentityNone    IdentityMode = ""
	IdentitySession IdentityMode = "session"
	IdentityGuest   IdentityMode = "guest"
)

// CheckoutState is everything the transition function needs to decide the next state.
type CheckoutState struct {
	Phase         CheckoutPhase
	PromptOpen    bool
	Identity      IdentityMode
	CouponApplied bool
	Committed     bool
}

// Blocked reports whether the identity prompt is holding the session.
func (s CheckoutState) Blocked() bool {
	return s.Phase == PhaseIdentityPending && s.PromptOpen
}

// Terminal reports whether the session accepts no further events.
func (s CheckoutState) Terminal() bool {
	return s.Phase == PhaseComplete || s.Phase == PhaseFailed
}

// EventKind names a checkout event.
type EventKind string

const (
	EventProductLoaded     EventKind = "product_loaded"
	EventProductMissing    EventKind = "product_missing"
	EventSessionResolved   EventKind = "session_resolved"
	EventGuestChosen       EventKind = "guest_chosen"
	EventPromptOpened      EventKind = "prompt_opened"
	EventBillingUpdated    EventKind = "billing_updated"
	EventCouponApplied     EventKind = "coupon_applied"
	EventSubmitRequested   EventKind = "submit_requested"
	EventPaymentOpened     EventKind = "payment_opened"
	EventPaymentCancelled  EventKind = "payment_cancelled"
	EventPaymentFailed     EventKind = "payment_failed"
	EventOrderCommitted    EventKind = "order_committed"
	EventCommitFailed      EventKind = "commit_failed"
	EventCheckoutCompleted EventKind = "checkout_completed"
)

// Event drives Transition. MissingFields is only read for EventSubmitRequested.
type Event struct {
	Kind          EventKind
	MissingFields []string
}

var (
	// ErrInvalidTransition indicates the event is not accepted in the current state.
	ErrInvalidTransition = errors.New("checkout: invalid transition")
	// ErrIdentityRequired is returned alongside the reopened-prompt state when a submit arrives
	// before the buyer signed in or chose guest checkout.
	ErrIdentityRequired = errors.New("checkout: identity required")
	// ErrCouponAlreadyApplied indicates the session already carries a coupon.
	ErrCouponAlreadyApplied = errors.New("checkout: coupon already applied")
	// ErrCheckoutValidation is matched by every *ValidationError.
	ErrCheckoutValidation = errors.New("checkout: validation failed")
)

// ValidationError lists required billing fields that are blank.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Fields) == 0 {
		return ErrCheckoutValidation.Error()
	}
	return fmt.Sprintf("checkout: missing required fields: %s", strings.Join(e.Fields, ", "))
}

// Is allows errors.Is(err, ErrCheckoutValidation).
func (e *ValidationError) Is(target error) bool {
	return target == ErrCheckoutValidation
}

// Transition returns the state that follows event. On error the returned state is the input
// state, except for ErrIdentityRequired where it is the reopened-prompt state the caller must
// adopt.
func Transition(state CheckoutState, event Event) (CheckoutState, error) {
	if state.Terminal() {
		return state, invalid(state, event)
	}

	next := state
	switch event.Kind {
	case EventProductLoaded:
		if state.Phase != PhaseLoading {
			return state, invalid(state, event)
		}
		next.Phase = PhaseIdentityPending
		next.PromptOpen = true

	case EventProductMissing:
		if state.Phase != PhaseLoading {
			return state, invalid(state, event)
		}
		next.Phase = PhaseFailed
		next.PromptOpen = false

	case EventSessionResolved, EventGuestChosen:
		if state.Phase != PhaseIdentityPending && state.Phase != PhaseFormEntry {
			return state, invalid(state, event)
		}
		next.Phase = PhaseFormEntry
		next.PromptOpen = false
		next.Identity = IdentitySession
		if event.Kind == EventGuestChosen {
			next.Identity = IdentityGuest
		}

	case EventPromptOpened:
		if state.Phase != PhaseIdentityPending && state.Phase != PhaseFormEntry {
			return state, invalid(state, event)
		}
		next.Phase = PhaseIdentityPending
		next.PromptOpen = true

	case EventBillingUpdated:
		if state.Phase != PhaseFormEntry {
			return state, invalid(state, event)
		}

	case EventCouponApplied:
		if state.Phase != PhaseFormEntry {
			return state, invalid(state, event)
		}
		if state.CouponApplied {
			return state, ErrCouponAlreadyApplied
		}
		next.CouponApplied = true

	case EventSubmitRequested:
		if state.Phase != PhaseFormEntry && state.Phase != PhaseIdentityPending {
			return state, invalid(state, event)
		}
		if state.Identity == IdentityNone {
			next.Phase = PhaseIdentityPending
			next.PromptOpen = true
			return next, ErrIdentityRequired
		}
		if state.Phase != PhaseFormEntry {
			return state, invalid(state, event)
		}
		if len(event.MissingFields) > 0 {
			return state, &ValidationError{Fields: append([]string(nil), event.MissingFields...)}
		}
		next.Phase = PhaseProcessing

	case EventPaymentOpened:
		if state.Phase != PhaseProcessing || state.Committed {
			return state, invalid(state, event)
		}

	case EventPaymentCancelled, EventPaymentFailed, EventCommitFailed:
		if state.Phase != PhaseProcessing || state.Committed {
			return state, invalid(state, event)
		}
		next.Phase = PhaseFormEntry

	case EventOrderCommitted:
		if state.Phase != PhaseProcessing || state.Committed {
			return state, invalid(state, event)
		}
		next.Committed = true

	case EventCheckoutCompleted:
		if state.Phase != PhaseProcessing || !state.Committed {
			return state, invalid(state, event)
		}
		next.Phase = PhaseComplete

	default:
		return state, invalid(state, event)
	}
	return next, nil
}

func invalid(state CheckoutState, event Event) error {
	return fmt.Errorf("%w: %s in %s", ErrInvalidTransition, event.Kind, state.Phase)
}
