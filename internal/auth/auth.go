package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/xtrntr/tradepro/internal/cache"
	"github.com/xtrntr/tradepro/internal/id"
	"github.com/xtrntr/tradepro/internal/models"
	"github.com/xtrntr/tradepro/internal/xerrors"
)

// Cache namespaces
const (
	nsRevoked  = "auth:revoked"
	nsAttempts = "auth:attempts"
)

// Store is what the auth service needs from persistence.
type Store interface {
	// CreateUser persists the user together with an empty profile, a wallet
	// in currency and the user role, atomically. Duplicate emails yield
	// ErrConflict.
	CreateUser(ctx context.Context, u *models.User, p *models.Profile, currency string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
}

// Session identifies an authenticated caller. It carries no role; roles
// are always looked up server-side.
type Session struct {
	UserID    uuid.UUID
	TokenID   string
	ExpiresAt time.Time
}

// Options tunes token lifetime and login throttling.
type Options struct {
	Secret      string
	TokenTTL    time.Duration
	MaxAttempts int
	Lockout     time.Duration
	Currency    string
}

// AuthService handles registration, login and token verification.
type AuthService struct {
	store  Store
	cache  cache.Cache
	opts   Options
	logger *zap.Logger
	now    func() time.Time
}

// NewAuthService creates a new auth service
func NewAuthService(store Store, c cache.Cache, opts Options, logger *zap.Logger) *AuthService {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 24 * time.Hour
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Lockout <= 0 {
		opts.Lockout = 15 * time.Minute
	}
	if opts.Currency == "" {
		opts.Currency = "USD"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthService{store: store, cache: c, opts: opts, logger: logger, now: time.Now}
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", xerrors.Invalid("email", "is required")
	}
	if len(email) > 255 {
		return "", xerrors.Invalid("email", "must be at most 255 characters")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", xerrors.Invalid("email", "is not a valid address")
	}
	return email, nil
}

// ValidatePassword enforces length and character class rules.
func ValidatePassword(password string) error {
	if len(password) < 8 {
		return xerrors.Invalid("password", "must be at least 8 characters")
	}
	if len(password) > 128 {
		return xerrors.Invalid("password", "must be at most 128 characters")
	}
	var upper, lower, digit bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	if !upper || !lower || !digit {
		return xerrors.Invalid("password", "must contain an uppercase letter, a lowercase letter and a digit")
	}
	return nil
}

// Register creates a new user with hashed password
func (s *AuthService) Register(ctx context.Context, email, password string) (*models.User, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	u := &models.User{
		ID:           uuid.New(),
		Email:        email,
		PasswordHash: string(hashedPassword),
		CreatedAt:    now,
	}
	p := &models.Profile{UserID: u.ID, CreatedAt: now, UpdatedAt: now}

	user, err := s.store.CreateUser(ctx, u, p, s.opts.Currency)
	if err != nil {
		if errors.Is(err, xerrors.ErrConflict) {
			return nil, xerrors.Wrap(xerrors.ErrConflict, "email already registered")
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	s.logger.Info("user registered", zap.String("user_id", user.ID.String()))
	return user, nil
}

// Login verifies credentials and returns a signed token and its session.
// After MaxAttempts failures for an email within the lockout window, every
// attempt fails with ErrTooManyRequests until the window expires.
func (s *AuthService) Login(ctx context.Context, email, password string) (string, *Session, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return "", nil, xerrors.Invalid("credentials", "email and password are required")
	}

	if v, err := s.cache.Get(ctx, nsAttempts, email); err == nil {
		var n int
		if _, scanErr := fmt.Sscan(v, &n); scanErr == nil && n >= s.opts.MaxAttempts {
			return "", nil, xerrors.Wrap(xerrors.ErrTooManyRequests, "too many failed login attempts, try again later")
		}
	} else if !errors.Is(err, cache.ErrMiss) {
		return "", nil, fmt.Errorf("failed to read login attempts: %w", err)
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil && !errors.Is(err, xerrors.ErrNotFound) {
		return "", nil, err
	}
	if err != nil || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		n, incErr := s.cache.IncrWithExpire(ctx, nsAttempts, email, s.opts.Lockout)
		if incErr != nil {
			s.logger.Warn("failed to count login attempt", zap.Error(incErr))
		}
		s.logger.Info("login failed", zap.Int64("attempts", n))
		return "", nil, xerrors.Wrap(xerrors.ErrUnauthorized, "invalid email or password")
	}

	_ = s.cache.Delete(ctx, nsAttempts, email)

	token, sess, err := s.issue(user.ID)
	if err != nil {
		return "", nil, err
	}
	s.logger.Info("user logged in", zap.String("user_id", user.ID.String()))
	return token, sess, nil
}

func (s *AuthService) issue(userID uuid.UUID) (string, *Session, error) {
	now := s.now()
	sess := &Session{
		UserID:    userID,
		TokenID:   id.New(),
		ExpiresAt: now.Add(s.opts.TokenTTL),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID.String(),
		ID:        sess.TokenID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
	})
	tokenString, err := token.SignedString([]byte(s.opts.Secret))
	if err != nil {
		return "", nil, err
	}
	return tokenString, sess, nil
}

// Authenticate verifies a token and returns its session. Expired, tampered
// and revoked tokens fail with ErrUnauthorized.
func (s *AuthService) Authenticate(ctx context.Context, tokenString string) (*Session, error) {
	if tokenString == "" {
		return nil, xerrors.Wrap(xerrors.ErrUnauthorized, "missing token")
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.opts.Secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.ErrUnauthorized, "invalid token")
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil || claims.ID == "" {
		return nil, xerrors.Wrap(xerrors.ErrUnauthorized, "invalid token")
	}

	switch _, err := s.cache.Get(ctx, nsRevoked, claims.ID); {
	case err == nil:
		return nil, xerrors.Wrap(xerrors.ErrUnauthorized, "token revoked")
	case !errors.Is(err, cache.ErrMiss):
		return nil, fmt.Errorf("failed to check revocation: %w", err)
	}

	return &Session{UserID: userID, TokenID: claims.ID, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// Logout revokes the session's token until it would have expired anyway.
func (s *AuthService) Logout(ctx context.Context, sess *Session) error {
	ttl := sess.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	if err := s.cache.Set(ctx, nsRevoked, sess.TokenID, "1", ttl); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	s.logger.Info("user logged out", zap.String("user_id", sess.UserID.String()))
	return nil
}
