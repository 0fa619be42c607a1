package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/ovaphlow/pitchfork/service-exa/internal/user/entity"
	userrepo "github.com/ovaphlow/pitchfork/service-exa/internal/user/repo"
	"github.com/ovaphlow/pitchfork/service-exa/pkg/mailer"
	"github.com/ovaphlow/pitchfork/service-exa/pkg/utilities"
)

// PasswordHasher defines minimal hashing interface (abstract so we can swap to argon2 later).
type PasswordHasher interface {
	Hash(pw string) (string, error)
	Verify(hash, pw string) bool
}

// BcryptHasher implementation.
type BcryptHasher struct{ Cost int }

func (b BcryptHasher) Hash(pw string) (string, error) {
	cost := b.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(pw), cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

func (b BcryptHasher) Verify(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}

// UserStore is the persistence the service needs; *repo.UserRepo implements it.
type UserStore interface {
	Create(ctx context.Context, u *entity.User) error
	GetByID(ctx context.Context, id string) (*entity.User, error)
	GetByEmail(ctx context.Context, email string) (*entity.User, error)
	List(ctx context.Context, limit, offset int) ([]entity.User, error)
	UpdatePassword(ctx context.Context, id, hash string) error
	UpdateRole(ctx context.Context, id, role string) (int64, error)
	Delete(ctx context.Context, id string) (int64, error)
}

type ChallengeStore interface {
	Create(ctx context.Context, c *entity.LoginChallenge) error
	Get(ctx context.Context, id string) (*entity.LoginChallenge, error)
	RecordAttempt(ctx context.Context, id string, max int) (bool, error)
	Consume(ctx context.Context, id string) (bool, error)
}

type ResetStore interface {
	Create(ctx context.Context, p *entity.PasswordReset) error
	GetByTokenHash(ctx context.Context, hash string) (*entity.PasswordReset, error)
	MarkUsed(ctx context.Context, id string) (bool, error)
}

var (
	ErrUserNotFound      = errors.New("user not found")
	ErrBadCredentials    = errors.New("invalid credentials")
	ErrEmailTaken        = errors.New("email already registered")
	ErrInvalidCode       = errors.New("invalid or expired code")
	ErrTooManyAttempts   = errors.New("too many attempts")
	ErrInvalidResetToken = errors.New("invalid or expired reset token")
	ErrInvalidRole       = errors.New("invalid role")
)

// ValidationError carries a message that is safe to show to the caller.
type ValidationError struct{ Msg string }

func (e *ValidationError) Error() string { return e.Msg }

const (
	minPasswordLen   = 8
	maxPasswordBytes = 72 // bcrypt ignores input past this
	otpLength        = 6
	otpTTL           = 10 * time.Minute
	otpMaxAttempts   = 5
	resetTTL         = 30 * time.Minute
	resetTokenLength = 32
)

// UserService orchestrates authentication and user lifecycle flows.
type UserService struct {
	users      UserStore
	challenges ChallengeStore
	resets     ResetStore
	hasher     PasswordHasher
	mail       mailer.Sender
	logger     *zap.SugaredLogger
	// frontendURL is where reset links point to.
	frontendURL string
	now         func() time.Time
}

func NewUserService(users UserStore, challenges ChallengeStore, resets ResetStore, hasher PasswordHasher, mail mailer.Sender, frontendURL string, logger *zap.SugaredLogger) *UserService {
	if hasher == nil {
		hasher = BcryptHasher{Cost: 12}
	}
	return &UserService{
		users:       users,
		challenges:  challenges,
		resets:      resets,
		hasher:      hasher,
		mail:        mail,
		logger:      logger,
		frontendURL: strings.TrimRight(frontendURL, "/"),
		now:         time.Now,
	}
}

func normalizeEmail(email string) (string, error) {
	e := strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(e)
	if err != nil || addr.Address != e {
		return "", &ValidationError{Msg: "a valid email is required"}
	}
	return e, nil
}

func validatePassword(pw string) error {
	if len(pw) < minPasswordLen {
		return &ValidationError{Msg: fmt.Sprintf("password must be at least %d characters", minPasswordLen)}
	}
	if len(pw) > maxPasswordBytes {
		return &ValidationError{Msg: fmt.Sprintf("password must be at most %d bytes", maxPasswordBytes)}
	}
	return nil
}

// SignupUser creates a user with the default role; the password is hashed here.
func (s *UserService) SignupUser(ctx context.Context, name, email, password string) (*entity.User, error) {
	e, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if err := validatePassword(password); err != nil {
		return nil, err
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	u := &entity.User{
		ID:           utilities.NewKSUID(),
		Name:         strings.TrimSpace(name),
		Email:        e,
		Role:         entity.RoleUser,
		PasswordHash: hash,
	}
	if err := s.users.Create(ctx, u); err != nil {
		if errors.Is(err, userrepo.ErrDuplicateEmail) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

// AuthenticatePassword checks email + password without issuing anything.
// Unknown emails and wrong passwords return the same error.
func (s *UserService) AuthenticatePassword(ctx context.Context, email, password string) (*entity.User, error) {
	e := strings.ToLower(strings.TrimSpace(email))
	if e == "" || password == "" {
		return nil, ErrBadCredentials
	}
	u, err := s.users.GetByEmail(ctx, e)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBadCredentials
		}
		return nil, fmt.Errorf("load user: %w", err)
	}
	if !s.hasher.Verify(u.PasswordHash, password) {
		return nil, ErrBadCredentials
	}
	return u, nil
}

// StartLogin verifies the password and mails a one-time code. The returned
// challenge id is exchanged together with the code in VerifyLoginCode.
func (s *UserService) StartLogin(ctx context.Context, email, password string) (string, error) {
	u, err := s.AuthenticatePassword(ctx, email, password)
	if err != nil {
		return "", err
	}
	code, err := utilities.RandomDigits(otpLength)
	if err != nil {
		return "", err
	}
	c := &entity.LoginChallenge{
		ID:        utilities.NewKSUID(),
		UserID:    u.ID,
		CodeHash:  utilities.SHA256Hex(code),
		ExpiresAt: s.now().Add(otpTTL),
	}
	if err := s.challenges.Create(ctx, c); err != nil {
		return "", fmt.Errorf("create login challenge: %w", err)
	}
	msg, err := mailer.LoginCode(u.Email, code, otpTTL)
	if err != nil {
		return "", err
	}
	if err := s.mail.Send(ctx, msg); err != nil {
		return "", fmt.Errorf("send login code: %w", err)
	}
	return c.ID, nil
}

// VerifyLoginCode completes a login started by StartLogin.
func (s *UserService) VerifyLoginCode(ctx context.Context, challengeID, code string) (*entity.User, error) {
	c, err := s.challenges.Get(ctx, challengeID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidCode
		}
		return nil, fmt.Errorf("load login challenge: %w", err)
	}
	if c.ConsumedAt != nil || !s.now().Before(c.ExpiresAt) {
		return nil, ErrInvalidCode
	}
	// an attempt is claimed before the code is compared
	claimed, err := s.challenges.RecordAttempt(ctx, c.ID, otpMaxAttempts)
	if err != nil {
		return nil, fmt.Errorf("record attempt: %w", err)
	}
	if !claimed {
		return nil, ErrTooManyAttempts
	}
	if !utilities.ConstantTimeCompare(c.CodeHash, utilities.SHA256Hex(strings.TrimSpace(code))) {
		return nil, ErrInvalidCode
	}
	ok, err := s.challenges.Consume(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("consume login challenge: %w", err)
	}
	if !ok {
		return nil, ErrInvalidCode
	}
	return s.GetUser(ctx, c.UserID)
}

// GetUser loads a user by id.
func (s *UserService) GetUser(ctx context.Context, id string) (*entity.User, error) {
	u, err := s.users.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("load user: %w", err)
	}
	return u, nil
}

// DeleteUser removes the account.
func (s *UserService) DeleteUser(ctx context.Context, id string) error {
	n, err := s.users.Delete(ctx, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// ListUsers pages through all accounts (admin).
func (s *UserService) ListUsers(ctx context.Context, limit, offset int) ([]entity.User, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.users.List(ctx, limit, offset)
}

// SetRole changes a user's platform role (admin).
func (s *UserService) SetRole(ctx context.Context, id, role string) error {
	if role != entity.RoleUser && role != entity.RoleAdmin {
		return ErrInvalidRole
	}
	n, err := s.users.UpdateRole(ctx, id, role)
	if err != nil {
		return fmt.Errorf("update role: %w", err)
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// ForgotPassword mails a reset link. Unknown emails succeed silently so the
// endpoint cannot be used to discover accounts.
func (s *UserService) ForgotPassword(ctx context.Context, email string) error {
	e := strings.ToLower(strings.TrimSpace(email))
	u, err := s.users.GetByEmail(ctx, e)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Debugw("password reset for unknown email", "email", e)
			return nil
		}
		return fmt.Errorf("load user: %w", err)
	}
	token, err := utilities.RandomToken(resetTokenLength)
	if err != nil {
		return err
	}
	p := &entity.PasswordReset{
		ID:        utilities.NewKSUID(),
		UserID:    u.ID,
		TokenHash: utilities.SHA256Hex(token),
		ExpiresAt: s.now().Add(resetTTL),
	}
	if err := s.resets.Create(ctx, p); err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	msg, err := mailer.PasswordReset(u.Email, s.frontendURL+"/reset-password?token="+token, resetTTL)
	if err != nil {
		return err
	}
	if err := s.mail.Send(ctx, msg); err != nil {
		return fmt.Errorf("send reset email: %w", err)
	}
	return nil
}

// ResetPassword consumes a reset token and sets the new password.
func (s *UserService) ResetPassword(ctx context.Context, token, password string) error {
	if err := validatePassword(password); err != nil {
		return err
	}
	p, err := s.resets.GetByTokenHash(ctx, utilities.SHA256Hex(strings.TrimSpace(token)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrInvalidResetToken
		}
		return fmt.Errorf("load password reset: %w", err)
	}
	if p.UsedAt != nil || !s.now().Before(p.ExpiresAt) {
		return ErrInvalidResetToken
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	ok, err := s.resets.MarkUsed(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("mark reset used: %w", err)
	}
	if !ok {
		return ErrInvalidResetToken
	}
	return s.users.UpdatePassword(ctx, p.UserID, hash)
}
