package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	firebase "firebase.google.com/go/v4"
	firebaseauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/identitytoolkit/v3"
	"google.golang.org/api/option"

	"github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/platform/config"
)

const defaultAdminTimeout = 10 * time.Second

var (
	// ErrEmailExists is returned by SignUp when an account already uses the email.
	ErrEmailExists = domain.ErrEmailExists
	// ErrInvalidCredentials is returned by SignIn when the email/password pair is rejected.
	ErrInvalidCredentials = domain.ErrInvalidCredentials
	// ErrSignInUnavailable is returned when password sign-in is not configured.
	ErrSignInUnavailable = errors.New("auth: password sign-in is not configured")
)

type adminClient interface {
	CreateUser(ctx context.Context, user *firebaseauth.UserToCreate) (*firebaseauth.UserRecord, error)
	SetCustomUserClaims(ctx context.Context, uid string, claims map[string]interface{}) error
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

type passwordVerifier func(ctx context.Context, email, password string) (*identitytoolkit.VerifyPasswordResponse, error)

// FirebaseIdentity is the identity collaborator: accounts are created and annotated through the
// Admin SDK, and email/password sign-in goes through the Identity Toolkit REST API.
type FirebaseIdentity struct {
	admin   adminClient
	signIn  passwordVerifier
	timeout time.Duration
}

// NewFirebaseIdentity initialises the Admin SDK and, when a web API key is configured, the
// Identity Toolkit client used for password sign-in.
func NewFirebaseIdentity(ctx context.Context, cfg config.FirebaseConfig) (*FirebaseIdentity, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("firebase project id is required")
	}

	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("initialise firebase app: %w", err)
	}
	authClient, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialise firebase auth client: %w", err)
	}

	identity := &FirebaseIdentity{admin: authClient, timeout: defaultAdminTimeout}

	if key := strings.TrimSpace(cfg.WebAPIKey); key != "" {
		svc, err := identitytoolkit.NewService(ctx, option.WithAPIKey(key))
		if err != nil {
			return nil, fmt.Errorf("initialise identity toolkit: %w", err)
		}
		identity.signIn = func(ctx context.Context, email, password string) (*identitytoolkit.VerifyPasswordResponse, error) {
			return svc.Relyingparty.VerifyPassword(&identitytoolkit.IdentitytoolkitRelyingpartyVerifyPasswordRequest{
				Email:             email,
				Password:          password,
				ReturnSecureToken: true,
			}).Context(ctx).Do()
		}
	}
	return identity, nil
}

// SignUp creates an account bound to email and password and returns its id.
func (f *FirebaseIdentity) SignUp(ctx context.Context, email, password, displayName string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	user := (&firebaseauth.UserToCreate{}).
		Email(strings.TrimSpace(email)).
		Password(password).
		EmailVerified(false)
	if name := strings.TrimSpace(displayName); name != "" {
		user = user.DisplayName(name)
	}

	record, err := f.admin.CreateUser(ctx, user)
	if err != nil {
		if firebaseauth.IsEmailAlreadyExists(err) {
			return "", ErrEmailExists
		}
		return "", fmt.Errorf("auth: create user: %w", err)
	}
	return record.UID, nil
}

// AttachProfile stores profile metadata as custom claims on the account.
func (f *FirebaseIdentity) AttachProfile(ctx context.Context, uid string, profile domain.IdentityProfile) error {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	claims := map[string]interface{}{
		"fullName": profile.FullName,
		"phone":    profile.Phone,
		"source":   profile.Source,
		"orderId":  profile.OrderID,
	}
	if err := f.admin.SetCustomUserClaims(ctx, uid, claims); err != nil {
		return fmt.Errorf("auth: set profile claims: %w", err)
	}
	return nil
}

// SignIn authenticates with email and password.
func (f *FirebaseIdentity) SignIn(ctx context.Context, email, password string) (domain.AuthSession, error) {
	if f.signIn == nil {
		return domain.AuthSession{}, ErrSignInUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	resp, err := f.signIn(ctx, strings.TrimSpace(email), password)
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusBadRequest {
			return domain.AuthSession{}, ErrInvalidCredentials
		}
		return domain.AuthSession{}, fmt.Errorf("auth: sign in: %w", err)
	}
	return domain.AuthSession{
		UserID:       resp.LocalId,
		Email:        resp.Email,
		DisplayName:  resp.DisplayName,
		IDToken:      resp.IdToken,
		RefreshToken: resp.RefreshToken,
	}, nil
}

// CurrentSession resolves the session carried by a Firebase ID token.
func (f *FirebaseIdentity) CurrentSession(ctx context.Context, idToken string) (domain.AuthSession, error) {
	token, err := f.VerifyIDToken(ctx, idToken)
	if err != nil {
		return domain.AuthSession{}, err
	}
	return domain.AuthSession{
		UserID:      token.UID,
		Email:       claimAsString(token.Claims, "email"),
		DisplayName: claimAsString(token.Claims, "name"),
		IDToken:     idToken,
	}, nil
}

// VerifyIDToken satisfies TokenVerifier for the HTTP middleware.
func (f *FirebaseIdentity) VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	return f.admin.VerifyIDToken(ctx, idToken)
}
