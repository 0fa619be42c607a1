package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-exa/internal/user/entity"
)

// ChallengeRepo stores login challenges (one-time codes).
type ChallengeRepo struct {
	db *sqlx.DB
}

func NewChallengeRepo(db *sqlx.DB) *ChallengeRepo { return &ChallengeRepo{db: db} }

func (r *ChallengeRepo) Create(ctx context.Context, c *entity.LoginChallenge) error {
	const q = `INSERT INTO login_challenges (id, user_id, code_hash, expires_at) VALUES ($1, $2, $3, $4)`
	_, err := r.db.ExecContext(ctx, q, c.ID, c.UserID, c.CodeHash, c.ExpiresAt)
	return err
}

// Get returns the challenge or sql.ErrNoRows.
func (r *ChallengeRepo) Get(ctx context.Context, id string) (*entity.LoginChallenge, error) {
	const q = `SELECT id, user_id, code_hash, attempts, expires_at, consumed_at, created_at
		FROM login_challenges WHERE id=$1`
	var c entity.LoginChallenge
	if err := r.db.GetContext(ctx, &c, q, id); err != nil {
		return nil, err
	}
	return &c, nil
}

// RecordAttempt claims one of max attempts on an open challenge. It reports
// false when the challenge is used up, consumed or expired.
func (r *ChallengeRepo) RecordAttempt(ctx context.Context, id string, max int) (bool, error) {
	const q = `UPDATE login_challenges SET attempts = attempts + 1
		WHERE id=$1 AND attempts < $2 AND consumed_at IS NULL AND expires_at > NOW()
		RETURNING attempts`
	var attempts int
	err := r.db.QueryRowxContext(ctx, q, id, max).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Consume marks the challenge used. It reports false when another request
// consumed it first.
func (r *ChallengeRepo) Consume(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE login_challenges SET consumed_at=NOW() WHERE id=$1 AND consumed_at IS NULL`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
