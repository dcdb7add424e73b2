// Package profile manages user details and two factor enrolment.
package profile

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"github.com/xtrntr/tradepro/internal/models"
	"github.com/xtrntr/tradepro/internal/xerrors"
)

const issuer = "TradePro"

var (
	usernameRe = regexp.MustCompile(`^[A-Za-z0-9_]{3,30}$`)
	otpCodeRe  = regexp.MustCompile(`^[0-9]{6}$`)
)

type Store interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetProfile(ctx context.Context, userID uuid.UUID) (*models.Profile, error)
	// UpdateProfile writes the editable fields. A username taken by another
	// user yields ErrConflict.
	UpdateProfile(ctx context.Context, p *models.Profile) (*models.Profile, error)
	SetTwoFactor(ctx context.Context, userID uuid.UUID, secret string, enabled bool, at time.Time) error
	HasRole(ctx context.Context, userID uuid.UUID, role string) (bool, error)
}

// Cipher encrypts the TOTP secret at rest.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
}

type UpdateRequest struct {
	FullName string `json:"full_name"`
	Username string `json:"username"`
	Phone    string `json:"phone"`
	Country  string `json:"country"`
}

// TwoFactorSetup is shown once so the user can add it to an authenticator.
type TwoFactorSetup struct {
	Secret string `json:"secret"`
	URL    string `json:"otpauth_url"`
}

type Service struct {
	store  Store
	cipher Cipher
	logger *zap.Logger
	now    func() time.Time
}

func NewService(store Store, cipher Cipher, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, cipher: cipher, logger: logger, now: time.Now}
}

func (s *Service) Get(ctx context.Context, userID uuid.UUID) (*models.Profile, error) {
	return s.store.GetProfile(ctx, userID)
}

func validateUpdate(req *UpdateRequest) error {
	req.FullName = strings.TrimSpace(req.FullName)
	req.Username = strings.TrimSpace(req.Username)
	req.Phone = strings.TrimSpace(req.Phone)
	req.Country = strings.TrimSpace(req.Country)

	if n := utf8.RuneCountInString(req.FullName); n == 0 || n > 100 {
		return xerrors.Invalid("full_name", "must be 1 to 100 characters")
	}
	if !usernameRe.MatchString(req.Username) {
		return xerrors.Invalid("username", "must be 3 to 30 letters, digits or underscores")
	}
	if utf8.RuneCountInString(req.Phone) > 20 {
		return xerrors.Invalid("phone", "must be at most 20 characters")
	}
	if utf8.RuneCountInString(req.Country) > 100 {
		return xerrors.Invalid("country", "must be at most 100 characters")
	}
	return nil
}

func (s *Service) Update(ctx context.Context, userID uuid.UUID, req UpdateRequest) (*models.Profile, error) {
	if err := validateUpdate(&req); err != nil {
		return nil, err
	}
	p, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	p.FullName = req.FullName
	p.Username = req.Username
	p.Phone = req.Phone
	p.Country = req.Country
	p.UpdatedAt = s.now().UTC()
	return s.store.UpdateProfile(ctx, p)
}

// SetupTwoFactor generates a new TOTP secret and stores it, not yet enabled.
func (s *Service) SetupTwoFactor(ctx context.Context, userID uuid.UUID) (*TwoFactorSetup, error) {
	p, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if p.TwoFactorEnabled {
		return nil, xerrors.Wrap(xerrors.ErrConflict, "two factor authentication is already enabled")
	}
	u, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: u.Email,
		Period:      30,
		SecretSize:  20,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate totp secret: %w", err)
	}

	stored, err := s.cipher.Encrypt(key.Secret())
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt totp secret: %w", err)
	}
	if err := s.store.SetTwoFactor(ctx, userID, stored, false, s.now().UTC()); err != nil {
		return nil, err
	}
	return &TwoFactorSetup{Secret: key.Secret(), URL: key.URL()}, nil
}

// EnableTwoFactor turns 2FA on once a secret has been set up. Only the code
// format is checked; codes are not verified against the secret.
func (s *Service) EnableTwoFactor(ctx context.Context, userID uuid.UUID, code string) error {
	if !otpCodeRe.MatchString(code) {
		return xerrors.Invalid("code", "must be 6 digits")
	}
	p, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		return err
	}
	if p.TwoFactorEnabled {
		return xerrors.Wrap(xerrors.ErrConflict, "two factor authentication is already enabled")
	}
	if p.TwoFactorSecret == "" {
		return xerrors.Wrap(xerrors.ErrConflict, "two factor setup has not been started")
	}
	if err := s.store.SetTwoFactor(ctx, userID, p.TwoFactorSecret, true, s.now().UTC()); err != nil {
		return err
	}
	s.logger.Info("two factor enabled", zap.String("user_id", userID.String()))
	return nil
}

func (s *Service) DisableTwoFactor(ctx context.Context, userID uuid.UUID) error {
	return s.store.SetTwoFactor(ctx, userID, "", false, s.now().UTC())
}

// Role returns "admin" or "user" from the role table.
func (s *Service) Role(ctx context.Context, userID uuid.UUID) (string, error) {
	ok, err := s.store.HasRole(ctx, userID, models.RoleAdmin)
	if err != nil {
		return "", err
	}
	if ok {
		return models.RoleAdmin, nil
	}
	return models.RoleUser, nil
}
