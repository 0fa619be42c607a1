package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ovaphlow/pitchfork/service-exa/internal/credit/entity"
	"github.com/ovaphlow/pitchfork/service-exa/pkg/database"
)

var (
	// ErrInsufficientBalance is returned when a debit would make the balance negative.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrUnknownBusiness is returned when a business in the transfer does not exist.
	ErrUnknownBusiness = errors.New("unknown business")
)

const txColumns = `id, business_id, kind, amount, balance_after, counterparty_business_id, note, created_by, created_at`

// CreditRepo keeps balances and the transaction ledger. Every mutation runs
// in one database transaction that updates the balance and appends the ledger line.
type CreditRepo struct {
	db *sqlx.DB
}

func NewCreditRepo(db *sqlx.DB) *CreditRepo { return &CreditRepo{db: db} }

// Balance returns the balance; a business that never bought credits has 0.
func (r *CreditRepo) Balance(ctx context.Context, businessID string) (*entity.Balance, error) {
	var b entity.Balance
	err := r.db.GetContext(ctx, &b, `SELECT business_id, balance, updated_at FROM credit_balances WHERE business_id=$1`, businessID)
	if errors.Is(err, sql.ErrNoRows) {
		return &entity.Balance{BusinessID: businessID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *CreditRepo) History(ctx context.Context, businessID string, limit, offset int) ([]entity.Transaction, error) {
	out := []entity.Transaction{}
	const q = `SELECT ` + txColumns + ` FROM credit_transactions WHERE business_id=$1
		ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`
	if err := r.db.SelectContext(ctx, &out, q, businessID, limit, offset); err != nil {
		return nil, err
	}
	return out, nil
}

func withTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// credit adds amount (which may be negative) and returns the new balance.
func credit(ctx context.Context, tx *sqlx.Tx, businessID string, amount int64) (int64, error) {
	const q = `INSERT INTO credit_balances (business_id, balance) VALUES ($1, $2)
		ON CONFLICT (business_id) DO UPDATE SET balance = credit_balances.balance + EXCLUDED.balance, updated_at = NOW()
		RETURNING balance`
	var balance int64
	if err := tx.QueryRowxContext(ctx, q, businessID, amount).Scan(&balance); err != nil {
		if database.IsForeignKeyViolation(err) {
			return 0, ErrUnknownBusiness
		}
		return 0, err
	}
	return balance, nil
}

// debit subtracts amount if the balance covers it.
func debit(ctx context.Context, tx *sqlx.Tx, businessID string, amount int64) (int64, error) {
	const q = `UPDATE credit_balances SET balance = balance - $2, updated_at = NOW()
		WHERE business_id=$1 AND balance >= $2 RETURNING balance`
	var balance int64
	err := tx.QueryRowxContext(ctx, q, businessID, amount).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrInsufficientBalance
	}
	return balance, err
}

func insertTx(ctx context.Context, tx *sqlx.Tx, t *entity.Transaction) error {
	const q = `INSERT INTO credit_transactions (id, business_id, kind, amount, balance_after, counterparty_business_id, note, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING created_at`
	return tx.QueryRowxContext(ctx, q, t.ID, t.BusinessID, t.Kind, t.Amount, t.BalanceAfter, t.CounterpartyBusinessID, t.Note, t.CreatedBy).Scan(&t.CreatedAt)
}

// Purchase credits t.BusinessID with t.Amount and records t.
func (r *CreditRepo) Purchase(ctx context.Context, t *entity.Transaction) error {
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		balance, err := credit(ctx, tx, t.BusinessID, t.Amount)
		if err != nil {
			return err
		}
		t.BalanceAfter = balance
		return insertTx(ctx, tx, t)
	})
}

// Transfer moves out.Amount from out.BusinessID to in.BusinessID and records
// both ledger lines.
func (r *CreditRepo) Transfer(ctx context.Context, out, in *entity.Transaction) error {
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		// lock both rows in id order so opposite transfers cannot deadlock
		const lock = `SELECT business_id FROM credit_balances WHERE business_id = ANY($1) ORDER BY business_id FOR UPDATE`
		if _, err := tx.ExecContext(ctx, lock, pq.Array([]string{out.BusinessID, in.BusinessID})); err != nil {
			return fmt.Errorf("lock balances: %w", err)
		}
		from, err := debit(ctx, tx, out.BusinessID, out.Amount)
		if err != nil {
			return err
		}
		to, err := credit(ctx, tx, in.BusinessID, in.Amount)
		if err != nil {
			return err
		}
		out.BalanceAfter, in.BalanceAfter = from, to
		if err := insertTx(ctx, tx, out); err != nil {
			return err
		}
		return insertTx(ctx, tx, in)
	})
}
