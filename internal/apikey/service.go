package apikey

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/ovaphlow/pitchfork/service-exa/internal/apikey/entity"
	"github.com/ovaphlow/pitchfork/service-exa/pkg/utilities"
)

type Store interface {
	Create(ctx context.Context, k *entity.APIKey) error
	Get(ctx context.Context, businessID, id string) (*entity.APIKey, error)
	GetByPrefix(ctx context.Context, prefix string) (*entity.APIKey, error)
	List(ctx context.Context, businessID string) ([]entity.APIKey, error)
	Rename(ctx context.Context, businessID, id, name string) (int64, error)
	Revoke(ctx context.Context, businessID, id string) (int64, error)
	TouchLastUsed(ctx context.Context, id string) error
}

var (
	ErrNotFound = errors.New("api key not found")
	// ErrImmutableSecret: secrets are shown once at creation and can never be read again.
	ErrImmutableSecret = errors.New("api key secrets cannot be retrieved after creation")
	ErrNoBusiness      = errors.New("no business selected")
)

// ValidationError carries a message that is safe to show to the caller.
type ValidationError struct{ Msg string }

func (e *ValidationError) Error() string { return e.Msg }

const (
	prefixBytes = 4
	secretBytes = 24
	maxNameLen  = 100
	defaultName = "API key"
	bcryptCost  = 10
)

// Service manages a business's API keys.
type Service struct {
	store  Store
	logger *zap.SugaredLogger
	cost   int
}

func NewService(store Store, logger *zap.SugaredLogger) *Service {
	return &Service{store: store, logger: logger, cost: bcryptCost}
}

func cleanName(name string) (string, error) {
	n := strings.TrimSpace(name)
	if n == "" {
		n = defaultName
	}
	if len(n) > maxNameLen {
		return "", &ValidationError{Msg: fmt.Sprintf("name must be at most %d characters", maxNameLen)}
	}
	return n, nil
}

// Create issues a key for businessID. The returned secret is not stored and
// cannot be obtained again.
func (s *Service) Create(ctx context.Context, businessID, userID, name string) (*entity.Created, error) {
	if businessID == "" {
		return nil, ErrNoBusiness
	}
	n, err := cleanName(name)
	if err != nil {
		return nil, err
	}
	prefix, err := utilities.RandomHex(prefixBytes)
	if err != nil {
		return nil, err
	}
	random, err := utilities.RandomToken(secretBytes)
	if err != nil {
		return nil, err
	}
	secret := entity.SecretPrefix + prefix + "_" + random
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash secret: %w", err)
	}
	k := entity.APIKey{
		ID:           utilities.NewKSUID(),
		BusinessID:   businessID,
		CreatedBy:    userID,
		Name:         n,
		Prefix:       prefix,
		HashedSecret: string(hash),
	}
	if err := s.store.Create(ctx, &k); err != nil {
		return nil, fmt.Errorf("create api key: %w", err)
	}
	return &entity.Created{APIKey: k, Secret: secret}, nil
}

func (s *Service) List(ctx context.Context, businessID string) ([]entity.APIKey, error) {
	if businessID == "" {
		return nil, ErrNoBusiness
	}
	return s.store.List(ctx, businessID)
}

func (s *Service) Get(ctx context.Context, businessID, id string) (*entity.APIKey, error) {
	k, err := s.store.Get(ctx, businessID, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load api key: %w", err)
	}
	return k, nil
}

func (s *Service) Rename(ctx context.Context, businessID, id, name string) (*entity.APIKey, error) {
	n, err := cleanName(name)
	if err != nil {
		return nil, err
	}
	rows, err := s.store.Rename(ctx, businessID, id, n)
	if err != nil {
		return nil, fmt.Errorf("rename api key: %w", err)
	}
	if rows == 0 {
		return nil, ErrNotFound
	}
	return s.Get(ctx, businessID, id)
}

func (s *Service) Revoke(ctx context.Context, businessID, id string) error {
	rows, err := s.store.Revoke(ctx, businessID, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Secret always fails: only the hash of a secret is kept.
func (s *Service) Secret(context.Context, string, string) (string, error) {
	return "", ErrImmutableSecret
}

// parseSecret splits exa_<prefix>_<random>.
func parseSecret(secret string) (prefix string, ok bool) {
	rest, found := strings.CutPrefix(secret, entity.SecretPrefix)
	if !found {
		return "", false
	}
	prefix, random, found := strings.Cut(rest, "_")
	if !found || len(prefix) != prefixBytes*2 || random == "" {
		return "", false
	}
	return prefix, true
}

// Verify returns the live key matching secret or entity.ErrInvalidKey.
func (s *Service) Verify(ctx context.Context, secret string) (*entity.APIKey, error) {
	prefix, ok := parseSecret(secret)
	if !ok {
		return nil, entity.ErrInvalidKey
	}
	k, err := s.store.GetByPrefix(ctx, prefix)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, entity.ErrInvalidKey
		}
		return nil, fmt.Errorf("load api key: %w", err)
	}
	if k.Revoked() {
		return nil, entity.ErrInvalidKey
	}
	if bcrypt.CompareHashAndPassword([]byte(k.HashedSecret), []byte(secret)) != nil {
		return nil, entity.ErrInvalidKey
	}
	if err := s.store.TouchLastUsed(ctx, k.ID); err != nil {
		s.logger.Warnw("touch api key failed", "key_id", k.ID, "err", err)
	}
	return k, nil
}
