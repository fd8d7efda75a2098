package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/platform/observability"
	"github.com/hanko-field/checkout/internal/platform/security"
	"github.com/hanko-field/checkout/internal/repositories"
)

const provisionSourceGuestCheckout = "guest_checkout"

var (
	// ErrProvisionPassword indicates no password could be generated.
	ErrProvisionPassword = errors.New("provisioning: password generation failed")
	// ErrProvisionSignUp indicates the identity could not be created.
	ErrProvisionSignUp = errors.New("provisioning: sign-up failed")
	// ErrProvisionProfile indicates the profile metadata could not be attached.
	ErrProvisionProfile = errors.New("provisioning: profile attach failed")
	// ErrProvisionLink indicates the order or payment could not be linked to the identity.
	ErrProvisionLink = errors.New("provisioning: order link failed")
)

// ProvisionCommand identifies the guest order an account is created for.
type ProvisionCommand struct {
	OrderID   string
	PaymentID string
	Billing   BillingInfo
}

// ProvisionResult reports each provisioning step. Success means the identity exists; Password is
// only set on success and must never be persisted or logged.
type ProvisionResult struct {
	Success         bool
	UserID          string
	Email           string
	Password        string
	ProfileAttached bool
	OrderLinked     bool
	PaymentLinked   bool
	Err             error
}

// Credentials returns the one-time credentials for a successful result.
func (r ProvisionResult) Credentials() *GuestCredentials {
	if !r.Success {
		return nil
	}
	return &GuestCredentials{Email: r.Email, Password: r.Password, UserID: r.UserID}
}

// AccountProvisionerDeps bundles collaborators required by the provisioner.
type AccountProvisionerDeps struct {
	Identity       IdentityProvider
	Orders         repositories.OrderRepository
	Payments       repositories.PaymentRepository
	PasswordLength int
	Passwords      func(length int) (string, error)
	Logger         func(ctx context.Context, event string, fields map[string]any)
}

type accountProvisioner struct {
	identity  IdentityProvider
	orders    repositories.OrderRepository
	payments  repositories.PaymentRepository
	length    int
	passwords func(length int) (string, error)
	logger    func(ctx context.Context, event string, fields map[string]any)
}

// NewAccountProvisioner wires the guest account provisioner.
func NewAccountProvisioner(deps AccountProvisionerDeps) (AccountProvisioner, error) {
	if deps.Identity == nil {
		return nil, errors.New("account provisioner: identity provider is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("account provisioner: order repository is required")
	}
	length := deps.PasswordLength
	if length <= 0 {
		length = security.DefaultPasswordLength
	}
	if length < security.MinStrongPasswordLength {
		return nil, fmt.Errorf("account provisioner: password length must be at least %d", security.MinStrongPasswordLength)
	}
	passwords := deps.Passwords
	if passwords == nil {
		passwords = security.GeneratePassword
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &accountProvisioner{
		identity:  deps.Identity,
		orders:    deps.Orders,
		payments:  deps.Payments,
		length:    length,
		passwords: passwords,
		logger:    logger,
	}, nil
}

// Provision creates the identity, attaches profile metadata and links the order and payment to
// it. Steps after sign-up are attempted independently; their failures are recorded on the result.
func (p *accountProvisioner) Provision(ctx context.Context, cmd ProvisionCommand) ProvisionResult {
	email := strings.ToLower(strings.TrimSpace(cmd.Billing.Email))
	fields := map[string]any{"orderId": cmd.OrderID, "email": observability.MaskEmail(email)}
	result := ProvisionResult{Email: email}

	password, err := p.passwords(p.length)
	if err != nil {
		p.logger(ctx, "account.provision.password_failed", withError(fields, err))
		result.Err = fmt.Errorf("%w: %v", ErrProvisionPassword, err)
		return result
	}

	uid, err := p.identity.SignUp(ctx, email, password, strings.TrimSpace(cmd.Billing.FullName))
	if err != nil {
		event := "account.provision.signup_failed"
		if errors.Is(err, domain.ErrEmailExists) {
			event = "account.provision.email_exists"
		}
		p.logger(ctx, event, withError(fields, err))
		result.Err = fmt.Errorf("%w: %w", ErrProvisionSignUp, err)
		return result
	}
	result.Success = true
	result.UserID = uid
	result.Password = password
	fields["userId"] = uid

	var stepErrs []error
	profile := IdentityProfile{
		FullName: strings.TrimSpace(cmd.Billing.FullName),
		Phone:    strings.TrimSpace(cmd.Billing.Phone),
		Source:   provisionSourceGuestCheckout,
		OrderID:  cmd.OrderID,
	}
	if err := p.identity.AttachProfile(ctx, uid, profile); err != nil {
		p.logger(ctx, "account.provision.profile_failed", withError(fields, err))
		stepErrs = append(stepErrs, fmt.Errorf("%w: %v", ErrProvisionProfile, err))
	} else {
		result.ProfileAttached = true
	}

	if err := p.orders.AssignBuyer(ctx, cmd.OrderID, uid); err != nil {
		p.logger(ctx, "account.provision.order_link_failed", withError(fields, err))
		stepErrs = append(stepErrs, fmt.Errorf("%w: order %s: %v", ErrProvisionLink, cmd.OrderID, err))
	} else {
		result.OrderLinked = true
	}

	if p.payments != nil && strings.TrimSpace(cmd.PaymentID) != "" {
		if err := p.payments.AssignBuyer(ctx, cmd.PaymentID, uid); err != nil {
			p.logger(ctx, "account.provision.payment_link_failed", withError(fields, err))
			stepErrs = append(stepErrs, fmt.Errorf("%w: payment %s: %v", ErrProvisionLink, cmd.PaymentID, err))
		} else {
			result.PaymentLinked = true
		}
	}

	result.Err = errors.Join(stepErrs...)
	p.logger(ctx, "account.provisioned", map[string]any{
		"orderId":         cmd.OrderID,
		"userId":          uid,
		"email":           observability.MaskEmail(email),
		"profileAttached": result.ProfileAttached,
		"orderLinked":     result.OrderLinked,
		"paymentLinked":   result.PaymentLinked,
	})
	return result
}

func withError(fields map[string]any, err error) map[string]any {
	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["error"] = err.Error()
	return out
}
