package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	firebaseauth "firebase.google.com/go/v4/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/identitytoolkit/v3"

	"github.com/hanko-field/checkout/internal/domain"
)

type stubTokenVerifier struct {
	token    *firebaseauth.Token
	err      error
	received string
}

func (s *stubTokenVerifier) VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error) {
	s.received = idToken
	if s.err != nil {
		return nil, s.err
	}
	return s.token, nil
}

func TestOptionalFirebaseAuth_AttachesIdentity(t *testing.T) {
	verifier := &stubTokenVerifier{
		token: &firebaseauth.Token{
			UID: "uid-123",
			Claims: map[string]interface{}{
				"email": "buyer@example.com",
				"name":  "Asha Rao",
			},
		},
	}
	authn := NewAuthenticator(verifier)

	var got *Identity
	handler := authn.OptionalFirebaseAuth()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/checkout/sessions/abc", nil)
	req.Header.Set("Authorization", "Bearer token-abc")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, "uid-123", got.UID)
	assert.Equal(t, "buyer@example.com", got.Email)
	assert.Equal(t, "Asha Rao", got.DisplayName)
	assert.Equal(t, "token-abc", verifier.received)
	assert.NotNil(t, got.Token())
}

func TestOptionalFirebaseAuth_AnonymousWithoutHeader(t *testing.T) {
	verifier := &stubTokenVerifier{err: errors.New("should not be called")}
	authn := NewAuthenticator(verifier)

	called := false
	handler := authn.OptionalFirebaseAuth()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		_, ok := IdentityFromContext(r.Context())
		assert.False(t, ok)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.True(t, called)
	assert.Empty(t, verifier.received)
}

func TestOptionalFirebaseAuth_RejectsInvalidToken(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		err      error
		wantCode string
	}{
		{name: "malformed header", header: "Token abc", wantCode: "unauthenticated"},
		{name: "verification failure", header: "Bearer bad", err: errors.New("boom"), wantCode: "invalid_token"},
		{name: "timeout", header: "Bearer slow", err: context.DeadlineExceeded, wantCode: "auth_unavailable"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			authn := NewAuthenticator(&stubTokenVerifier{err: tc.err, token: &firebaseauth.Token{UID: "x"}})
			handler := authn.OptionalFirebaseAuth()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatal("handler should not run")
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", tc.header)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tc.wantCode, body["error"])
		})
	}
}

func TestExtractBearerToken(t *testing.T) {
	token, ok := extractBearerToken("bearer   abc ")
	assert.True(t, ok)
	assert.Equal(t, "abc", token)

	_, ok = extractBearerToken("Bearer")
	assert.False(t, ok)
}

type stubAdmin struct {
	created   *firebaseauth.UserToCreate
	createErr error
	claimsUID string
	claims    map[string]interface{}
}

func (s *stubAdmin) CreateUser(ctx context.Context, user *firebaseauth.UserToCreate) (*firebaseauth.UserRecord, error) {
	s.created = user
	if s.createErr != nil {
		return nil, s.createErr
	}
	return &firebaseauth.UserRecord{UserInfo: &firebaseauth.UserInfo{UID: "new-uid"}}, nil
}

func (s *stubAdmin) SetCustomUserClaims(ctx context.Context, uid string, claims map[string]interface{}) error {
	s.claimsUID = uid
	s.claims = claims
	return nil
}

func (s *stubAdmin) VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error) {
	return &firebaseauth.Token{UID: "uid-" + idToken, Claims: map[string]interface{}{"email": "a@b.com"}}, nil
}

func TestFirebaseIdentity_SignUpAndAttachProfile(t *testing.T) {
	admin := &stubAdmin{}
	identity := &FirebaseIdentity{admin: admin, timeout: defaultAdminTimeout}

	uid, err := identity.SignUp(context.Background(), " buyer@example.com ", "Secret#123", "Asha")
	require.NoError(t, err)
	assert.Equal(t, "new-uid", uid)
	require.NotNil(t, admin.created)

	err = identity.AttachProfile(context.Background(), uid, domain.IdentityProfile{
		FullName: "Asha Rao",
		Phone:    "+91 98765 43210",
		Source:   "guest_checkout",
		OrderID:  "order-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "new-uid", admin.claimsUID)
	assert.Equal(t, "+91 98765 43210", admin.claims["phone"])
	assert.Equal(t, "guest_checkout", admin.claims["source"])
	assert.Equal(t, "order-1", admin.claims["orderId"])
}

func TestFirebaseIdentity_SignUpError(t *testing.T) {
	admin := &stubAdmin{createErr: errors.New("backend down")}
	identity := &FirebaseIdentity{admin: admin, timeout: defaultAdminTimeout}

	_, err := identity.SignUp(context.Background(), "buyer@example.com", "pw", "")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrEmailExists)
}

func TestFirebaseIdentity_SignIn(t *testing.T) {
	identity := &FirebaseIdentity{
		admin:   &stubAdmin{},
		timeout: defaultAdminTimeout,
		signIn: func(ctx context.Context, email, password string) (*identitytoolkit.VerifyPasswordResponse, error) {
			if password != "right" {
				return nil, &googleapi.Error{Code: http.StatusBadRequest, Message: "INVALID_PASSWORD"}
			}
			return &identitytoolkit.VerifyPasswordResponse{LocalId: "uid-1", Email: email, IdToken: "id", RefreshToken: "refresh"}, nil
		},
	}

	session, err := identity.SignIn(context.Background(), "buyer@example.com", "right")
	require.NoError(t, err)
	assert.Equal(t, domain.AuthSession{UserID: "uid-1", Email: "buyer@example.com", IDToken: "id", RefreshToken: "refresh"}, session)

	_, err = identity.SignIn(context.Background(), "buyer@example.com", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestFirebaseIdentity_SignInUnconfigured(t *testing.T) {
	identity := &FirebaseIdentity{admin: &stubAdmin{}, timeout: defaultAdminTimeout}
	_, err := identity.SignIn(context.Background(), "a@b.com", "x")
	assert.ErrorIs(t, err, ErrSignInUnavailable)
}

func TestFirebaseIdentity_CurrentSession(t *testing.T) {
	identity := &FirebaseIdentity{admin: &stubAdmin{}, timeout: defaultAdminTimeout}
	session, err := identity.CurrentSession(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, "uid-tok", session.UserID)
	assert.Equal(t, "a@b.com", session.Email)
}
