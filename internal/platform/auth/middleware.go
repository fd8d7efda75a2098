package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"

	"github.com/hanko-field/checkout/internal/platform/httpx"
)

const defaultVerifyTimeout = 5 * time.Second

// TokenVerifier verifies Firebase ID tokens.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// Authenticator wires Firebase token verification into HTTP middleware.
type Authenticator struct {
	verifier TokenVerifier
	timeout  time.Duration
}

// NewAuthenticator constructs an Authenticator. A nil verifier treats every request as anonymous.
func NewAuthenticator(verifier TokenVerifier) *Authenticator {
	return &Authenticator{verifier: verifier, timeout: defaultVerifyTimeout}
}

// OptionalFirebaseAuth attaches the buyer identity when a bearer token is supplied. Requests
// without an Authorization header proceed anonymously; a token that fails verification is
// rejected so the client can refresh it.
func (a *Authenticator) OptionalFirebaseAuth() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if strings.TrimSpace(header) == "" || a == nil || a.verifier == nil {
				next.ServeHTTP(w, r)
				return
			}

			tokenStr, ok := extractBearerToken(header)
			if !ok {
				httpx.WriteError(r.Context(), w, httpx.NewError("unauthenticated", "authorization header is invalid", http.StatusUnauthorized))
				return
			}

			ctx, cancel := context.WithTimeout(r.Context(), a.timeout)
			token, err := a.verifier.VerifyIDToken(ctx, tokenStr)
			cancel()
			if err != nil {
				respondVerificationError(r.Context(), w, err)
				return
			}

			identity := &Identity{
				UID:         token.UID,
				Email:       claimAsString(token.Claims, "email"),
				DisplayName: claimAsString(token.Claims, "name"),
				token:       token,
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

func claimAsString(claims map[string]interface{}, key string) string {
	value, _ := claims[key].(string)
	return strings.TrimSpace(value)
}

func extractBearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func respondVerificationError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		httpx.WriteError(ctx, w, httpx.NewError("auth_unavailable", "sign-in could not be verified, please retry", http.StatusServiceUnavailable))
	case firebaseauth.IsIDTokenExpired(err):
		httpx.WriteError(ctx, w, httpx.NewError("token_expired", "your session has expired, please sign in again", http.StatusUnauthorized))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_token", "your session is invalid, please sign in again", http.StatusUnauthorized))
	}
}
