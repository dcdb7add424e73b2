package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/xtrntr/tradepro/internal/cache"
	"github.com/xtrntr/tradepro/internal/memstore"
	"github.com/xtrntr/tradepro/internal/models"
	"github.com/xtrntr/tradepro/internal/xerrors"
)

const testSecret = "test-secret-0123456789"

func newTestService() (*AuthService, *memstore.Store) {
	store := memstore.New()
	s := NewAuthService(store, cache.NewMemory(), Options{
		Secret:      testSecret,
		TokenTTL:    time.Hour,
		MaxAttempts: 5,
		Lockout:     15 * time.Minute,
	}, nil)
	return s, store
}

func TestAuthService_Register(t *testing.T) {
	tests := []struct {
		name        string
		email       string
		password    string
		expectError error
	}{
		{
			name:     "Success",
			email:    " Alice@Example.com ",
			password: "Password123",
		},
		{
			name:        "EmptyEmail",
			email:       "",
			password:    "Password123",
			expectError: xerrors.ErrValidation,
		},
		{
			name:        "MalformedEmail",
			email:       "alice-at-example",
			password:    "Password123",
			expectError: xerrors.ErrValidation,
		},
		{
			name:        "LongEmail",
			email:       strings.Repeat("a", 250) + "@x.com",
			password:    "Password123",
			expectError: xerrors.ErrValidation,
		},
		{
			name:        "ShortPassword",
			email:       "bob@example.com",
			password:    "Pass1",
			expectError: xerrors.ErrValidation,
		},
		{
			name:        "NoDigit",
			email:       "bob@example.com",
			password:    "Passwordxx",
			expectError: xerrors.ErrValidation,
		},
		{
			name:        "NoUpper",
			email:       "bob@example.com",
			password:    "password123",
			expectError: xerrors.ErrValidation,
		},
		{
			name:        "LongPassword",
			email:       "bob@example.com",
			password:    "Aa1" + strings.Repeat("p", 126),
			expectError: xerrors.ErrValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, store := newTestService()
			user, err := s.Register(context.Background(), tt.email, tt.password)
			if tt.expectError != nil {
				assert.ErrorIs(t, err, tt.expectError)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "alice@example.com", user.Email)

			stored, err := store.GetUserByEmail(context.Background(), "alice@example.com")
			require.NoError(t, err)
			assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(stored.PasswordHash), []byte(tt.password)))

			// Registration provisions the wallet, profile and role.
			w, err := store.GetWalletByUser(context.Background(), user.ID)
			require.NoError(t, err)
			assert.True(t, w.Balance.IsZero())
			assert.Equal(t, "USD", w.Currency)
			_, err = store.GetProfile(context.Background(), user.ID)
			assert.NoError(t, err)
			ok, err := store.HasRole(context.Background(), user.ID, models.RoleUser)
			require.NoError(t, err)
			assert.True(t, ok)
			admin, _ := store.HasRole(context.Background(), user.ID, models.RoleAdmin)
			assert.False(t, admin)
		})
	}
}

func TestAuthService_RegisterDuplicate(t *testing.T) {
	s, _ := newTestService()
	_, err := s.Register(context.Background(), "alice@example.com", "Password123")
	require.NoError(t, err)

	_, err = s.Register(context.Background(), "ALICE@example.com", "Password456")
	assert.ErrorIs(t, err, xerrors.ErrConflict)
}

func TestAuthService_Login(t *testing.T) {
	s, _ := newTestService()
	user, err := s.Register(context.Background(), "alice@example.com", "Password123")
	require.NoError(t, err)

	tests := []struct {
		name        string
		email       string
		password    string
		expectError error
	}{
		{"Success", "alice@example.com", "Password123", nil},
		{"CaseInsensitiveEmail", "Alice@Example.com", "Password123", nil},
		{"WrongPassword", "alice@example.com", "wrongpass", xerrors.ErrUnauthorized},
		{"NonExistentUser", "bob@example.com", "Password123", xerrors.ErrUnauthorized},
		{"Empty", "", "", xerrors.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, sess, err := s.Login(context.Background(), tt.email, tt.password)
			if tt.expectError != nil {
				assert.ErrorIs(t, err, tt.expectError)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, user.ID, sess.UserID)

			var claims jwt.RegisteredClaims
			_, err = jwt.ParseWithClaims(token, &claims, func(token *jwt.Token) (interface{}, error) {
				return []byte(testSecret), nil
			})
			require.NoError(t, err)
			assert.Equal(t, user.ID.String(), claims.Subject)
			assert.Equal(t, sess.TokenID, claims.ID)
		})
	}
}

func TestAuthService_LoginLockout(t *testing.T) {
	s, _ := newTestService()
	_, err := s.Register(context.Background(), "alice@example.com", "Password123")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, _, err := s.Login(context.Background(), "alice@example.com", "nope")
		assert.ErrorIs(t, err, xerrors.ErrUnauthorized)
	}

	// Further attempts are refused even with the right password.
	_, _, err = s.Login(context.Background(), "alice@example.com", "Password123")
	assert.ErrorIs(t, err, xerrors.ErrTooManyRequests)
}

func TestAuthService_LoginResetsAttempts(t *testing.T) {
	s, _ := newTestService()
	_, err := s.Register(context.Background(), "alice@example.com", "Password123")
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, _, _ = s.Login(context.Background(), "alice@example.com", "nope")
	}
	_, _, err = s.Login(context.Background(), "alice@example.com", "Password123")
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, _, _ = s.Login(context.Background(), "alice@example.com", "nope")
	}
	_, _, err = s.Login(context.Background(), "alice@example.com", "Password123")
	assert.NoError(t, err)
}

func TestAuthService_Authenticate(t *testing.T) {
	s, _ := newTestService()
	user, err := s.Register(context.Background(), "alice@example.com", "Password123")
	require.NoError(t, err)
	token, _, err := s.Login(context.Background(), "alice@example.com", "Password123")
	require.NoError(t, err)

	expiredToken := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   user.ID.String(),
		ID:        "expired",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	})
	expiredTokenStr, _ := expiredToken.SignedString([]byte(testSecret))

	liveClaims := jwt.RegisteredClaims{
		Subject:   user.ID.String(),
		ID:        "forged",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	invalidToken, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, liveClaims).SignedString([]byte("wrong-key"))
	noExpiry, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject: user.ID.String(),
		ID:      "forever",
	}).SignedString([]byte(testSecret))
	badSubject, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "1",
		ID:        "legacy",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testSecret))

	tests := []struct {
		name         string
		token        string
		expectUserID uuid.UUID
		expectError  bool
	}{
		{name: "Success", token: token, expectUserID: user.ID},
		{name: "ExpiredToken", token: expiredTokenStr, expectError: true},
		{name: "InvalidSignature", token: invalidToken, expectError: true},
		{name: "MissingExpiry", token: noExpiry, expectError: true},
		{name: "NonUUIDSubject", token: badSubject, expectError: true},
		{name: "EmptyToken", token: "", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess, err := s.Authenticate(context.Background(), tt.token)
			if tt.expectError {
				assert.ErrorIs(t, err, xerrors.ErrUnauthorized)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expectUserID, sess.UserID)
		})
	}
}

func TestAuthService_Logout(t *testing.T) {
	s, _ := newTestService()
	_, err := s.Register(context.Background(), "alice@example.com", "Password123")
	require.NoError(t, err)
	token, _, err := s.Login(context.Background(), "alice@example.com", "Password123")
	require.NoError(t, err)

	sess, err := s.Authenticate(context.Background(), token)
	require.NoError(t, err)

	require.NoError(t, s.Logout(context.Background(), sess))

	_, err = s.Authenticate(context.Background(), token)
	assert.ErrorIs(t, err, xerrors.ErrUnauthorized)

	// A fresh login yields a new, valid token.
	token2, _, err := s.Login(context.Background(), "alice@example.com", "Password123")
	require.NoError(t, err)
	_, err = s.Authenticate(context.Background(), token2)
	assert.NoError(t, err)
}
