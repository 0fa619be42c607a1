package repo

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-exa/internal/user/entity"
)

// ResetRepo stores password reset tokens by hash.
type ResetRepo struct {
	db *sqlx.DB
}

func NewResetRepo(db *sqlx.DB) *ResetRepo { return &ResetRepo{db: db} }

func (r *ResetRepo) Create(ctx context.Context, p *entity.PasswordReset) error {
	const q = `INSERT INTO password_resets (id, user_id, token_hash, expires_at) VALUES ($1, $2, $3, $4)`
	_, err := r.db.ExecContext(ctx, q, p.ID, p.UserID, p.TokenHash, p.ExpiresAt)
	return err
}

// GetByTokenHash returns the reset or sql.ErrNoRows.
func (r *ResetRepo) GetByTokenHash(ctx context.Context, hash string) (*entity.PasswordReset, error) {
	const q = `SELECT id, user_id, token_hash, expires_at, used_at, created_at FROM password_resets WHERE token_hash=$1`
	var p entity.PasswordReset
	if err := r.db.GetContext(ctx, &p, q, hash); err != nil {
		return nil, err
	}
	return &p, nil
}

// MarkUsed reports false when the token was already used.
func (r *ResetRepo) MarkUsed(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE id=$1 AND used_at IS NULL`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
