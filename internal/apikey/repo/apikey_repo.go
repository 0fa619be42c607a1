package repo

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-exa/internal/apikey/entity"
)

const keyColumns = `id, business_id, created_by, name, prefix, hashed_secret, last_used_at, revoked_at, created_at`

// APIKeyRepo provides data access for the api_keys table.
type APIKeyRepo struct {
	db *sqlx.DB
}

func NewAPIKeyRepo(db *sqlx.DB) *APIKeyRepo { return &APIKeyRepo{db: db} }

func (r *APIKeyRepo) Create(ctx context.Context, k *entity.APIKey) error {
	const q = `INSERT INTO api_keys (id, business_id, created_by, name, prefix, hashed_secret)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING created_at`
	return r.db.QueryRowxContext(ctx, q, k.ID, k.BusinessID, k.CreatedBy, k.Name, k.Prefix, k.HashedSecret).Scan(&k.CreatedAt)
}

// Get returns a key of the business or sql.ErrNoRows.
func (r *APIKeyRepo) Get(ctx context.Context, businessID, id string) (*entity.APIKey, error) {
	var k entity.APIKey
	if err := r.db.GetContext(ctx, &k, `SELECT `+keyColumns+` FROM api_keys WHERE business_id=$1 AND id=$2`, businessID, id); err != nil {
		return nil, err
	}
	return &k, nil
}

// GetByPrefix finds the key a presented secret claims to be.
func (r *APIKeyRepo) GetByPrefix(ctx context.Context, prefix string) (*entity.APIKey, error) {
	var k entity.APIKey
	if err := r.db.GetContext(ctx, &k, `SELECT `+keyColumns+` FROM api_keys WHERE prefix=$1`, prefix); err != nil {
		return nil, err
	}
	return &k, nil
}

// List returns the business's keys, revoked ones included, newest first.
func (r *APIKeyRepo) List(ctx context.Context, businessID string) ([]entity.APIKey, error) {
	out := []entity.APIKey{}
	const q = `SELECT ` + keyColumns + ` FROM api_keys WHERE business_id=$1 ORDER BY created_at DESC`
	if err := r.db.SelectContext(ctx, &out, q, businessID); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *APIKeyRepo) Rename(ctx context.Context, businessID, id, name string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE api_keys SET name=$3 WHERE business_id=$1 AND id=$2`, businessID, id, name)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Revoke stamps revoked_at; already revoked keys count as not found.
func (r *APIKeyRepo) Revoke(ctx context.Context, businessID, id string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE api_keys SET revoked_at=NOW() WHERE business_id=$1 AND id=$2 AND revoked_at IS NULL`, businessID, id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *APIKeyRepo) TouchLastUsed(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at=NOW() WHERE id=$1`, id)
	return err
}
