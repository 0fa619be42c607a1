package credit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-exa/internal/business"
	bizentity "github.com/ovaphlow/pitchfork/service-exa/internal/business/entity"
	"github.com/ovaphlow/pitchfork/service-exa/internal/credit/entity"
	creditrepo "github.com/ovaphlow/pitchfork/service-exa/internal/credit/repo"
	"github.com/ovaphlow/pitchfork/service-exa/pkg/utilities"
)

type Store interface {
	Balance(ctx context.Context, businessID string) (*entity.Balance, error)
	History(ctx context.Context, businessID string, limit, offset int) ([]entity.Transaction, error)
	Purchase(ctx context.Context, t *entity.Transaction) error
	Transfer(ctx context.Context, out, in *entity.Transaction) error
}

// RoleChecker reports a user's team role; *business.Service implements it.
type RoleChecker interface {
	RoleOf(ctx context.Context, businessID, userID string) (string, error)
}

var (
	ErrNoBusiness          = errors.New("no business selected")
	ErrForbidden           = errors.New("only owners and admins can move credits")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrNotFound            = errors.New("business not found")
)

// ValidationError carries a message that is safe to show to the caller.
type ValidationError struct{ Msg string }

func (e *ValidationError) Error() string { return e.Msg }

const (
	maxAmount       = 1_000_000_000
	maxNoteLen      = 200
	defaultPageSize = 50
	maxPageSize     = 200
)

// Service runs purchases and transfers against the ledger.
type Service struct {
	store  Store
	roles  RoleChecker
	logger *zap.SugaredLogger
}

func NewService(store Store, roles RoleChecker, logger *zap.SugaredLogger) *Service {
	return &Service{store: store, roles: roles, logger: logger}
}

func validate(amount int64, note string) (string, error) {
	if amount <= 0 {
		return "", &ValidationError{Msg: "amount must be a positive integer"}
	}
	if amount > maxAmount {
		return "", &ValidationError{Msg: fmt.Sprintf("amount must be at most %d", maxAmount)}
	}
	n := strings.TrimSpace(note)
	if len(n) > maxNoteLen {
		return "", &ValidationError{Msg: fmt.Sprintf("note must be at most %d characters", maxNoteLen)}
	}
	return n, nil
}

func (s *Service) requireManager(ctx context.Context, businessID, userID string) error {
	if businessID == "" {
		return ErrNoBusiness
	}
	role, err := s.roles.RoleOf(ctx, businessID, userID)
	if err != nil {
		if errors.Is(err, business.ErrNotFound) {
			return ErrForbidden
		}
		return err
	}
	if !bizentity.CanManage(role) {
		return ErrForbidden
	}
	return nil
}

func (s *Service) Balance(ctx context.Context, businessID string) (*entity.Balance, error) {
	if businessID == "" {
		return nil, ErrNoBusiness
	}
	return s.store.Balance(ctx, businessID)
}

func (s *Service) History(ctx context.Context, businessID string, limit, offset int) ([]entity.Transaction, error) {
	if businessID == "" {
		return nil, ErrNoBusiness
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.History(ctx, businessID, limit, offset)
}

// Purchase adds credits to businessID.
func (s *Service) Purchase(ctx context.Context, userID, businessID string, amount int64, note string) (*entity.Transaction, error) {
	n, err := validate(amount, note)
	if err != nil {
		return nil, err
	}
	if err := s.requireManager(ctx, businessID, userID); err != nil {
		return nil, err
	}
	t := &entity.Transaction{
		ID:         utilities.NewSnowflakeID(),
		BusinessID: businessID,
		Kind:       entity.KindPurchase,
		Amount:     amount,
		Note:       n,
		CreatedBy:  userID,
	}
	if err := s.store.Purchase(ctx, t); err != nil {
		if errors.Is(err, creditrepo.ErrUnknownBusiness) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("purchase credits: %w", err)
	}
	s.logger.Infow("credits purchased", "business_id", businessID, "amount", amount, "tx_id", t.ID)
	return t, nil
}

// Transfer moves credits from one business to another and returns the
// debit line of the sender.
func (s *Service) Transfer(ctx context.Context, userID, fromID, toID string, amount int64, note string) (*entity.Transaction, error) {
	n, err := validate(amount, note)
	if err != nil {
		return nil, err
	}
	toID = strings.TrimSpace(toID)
	if toID == "" {
		return nil, &ValidationError{Msg: "toBusinessId is required"}
	}
	if toID == fromID {
		return nil, &ValidationError{Msg: "cannot transfer to the same business"}
	}
	if err := s.requireManager(ctx, fromID, userID); err != nil {
		return nil, err
	}
	out := &entity.Transaction{
		ID:                     utilities.NewSnowflakeID(),
		BusinessID:             fromID,
		Kind:                   entity.KindTransferOut,
		Amount:                 amount,
		CounterpartyBusinessID: &toID,
		Note:                   n,
		CreatedBy:              userID,
	}
	in := &entity.Transaction{
		ID:                     utilities.NewSnowflakeID(),
		BusinessID:             toID,
		Kind:                   entity.KindTransferIn,
		Amount:                 amount,
		CounterpartyBusinessID: &fromID,
		Note:                   n,
		CreatedBy:              userID,
	}
	if err := s.store.Transfer(ctx, out, in); err != nil {
		switch {
		case errors.Is(err, creditrepo.ErrInsufficientBalance):
			return nil, ErrInsufficientCredits
		case errors.Is(err, creditrepo.ErrUnknownBusiness):
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("transfer credits: %w", err)
	}
	s.logger.Infow("credits transferred", "from", fromID, "to", toID, "amount", amount, "tx_id", out.ID)
	return out, nil
}
