package repo

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-exa/internal/business/entity"
)

const businessColumns = `b.id, b.name, b.owner_id, b.version, b.created_at, b.updated_at`

// BusinessRepo provides data access for the businesses table.
type BusinessRepo struct {
	db *sqlx.DB
}

func NewBusinessRepo(db *sqlx.DB) *BusinessRepo { return &BusinessRepo{db: db} }

// Create inserts the business and its owner membership in one transaction.
func (r *BusinessRepo) Create(ctx context.Context, b *entity.Business, owner *entity.TeamMember) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const qb = `INSERT INTO businesses (id, name, owner_id) VALUES ($1, $2, $3)
		RETURNING version, created_at, updated_at`
	if err = tx.QueryRowxContext(ctx, qb, b.ID, b.Name, b.OwnerID).Scan(&b.Version, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return fmt.Errorf("insert business: %w", err)
	}
	const qm = `INSERT INTO team_members (id, business_id, user_id, role) VALUES ($1, $2, $3, $4) RETURNING created_at`
	if err = tx.QueryRowxContext(ctx, qm, owner.ID, owner.BusinessID, owner.UserID, owner.Role).Scan(&owner.CreatedAt); err != nil {
		return fmt.Errorf("insert owner: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetByID returns the business or sql.ErrNoRows.
func (r *BusinessRepo) GetByID(ctx context.Context, id string) (*entity.Business, error) {
	var b entity.Business
	if err := r.db.GetContext(ctx, &b, `SELECT `+businessColumns+` FROM businesses b WHERE b.id=$1`, id); err != nil {
		return nil, err
	}
	return &b, nil
}

// ListForUser returns the businesses userID belongs to, oldest membership first.
func (r *BusinessRepo) ListForUser(ctx context.Context, userID string) ([]entity.MemberBusiness, error) {
	out := []entity.MemberBusiness{}
	const q = `SELECT ` + businessColumns + `, tm.role FROM businesses b
		JOIN team_members tm ON tm.business_id = b.id
		WHERE tm.user_id=$1 ORDER BY tm.created_at ASC`
	if err := r.db.SelectContext(ctx, &out, q, userID); err != nil {
		return nil, err
	}
	return out, nil
}

// Update renames the business when its version still equals expectedVersion.
// Zero rows means the row is gone or was changed concurrently.
func (r *BusinessRepo) Update(ctx context.Context, b *entity.Business, expectedVersion int64) (int64, error) {
	const q = `UPDATE businesses SET name=$2, version=version+1, updated_at=NOW()
		WHERE id=$1 AND version=$3 RETURNING version, updated_at`
	rows, err := r.db.QueryxContext(ctx, q, b.ID, b.Name, expectedVersion)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	if !rows.Next() {
		return 0, rows.Err()
	}
	if err := rows.Scan(&b.Version, &b.UpdatedAt); err != nil {
		return 0, err
	}
	return 1, nil
}

// Delete removes the business; members, invitations, keys and credits cascade.
func (r *BusinessRepo) Delete(ctx context.Context, id string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM businesses WHERE id=$1`, id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
