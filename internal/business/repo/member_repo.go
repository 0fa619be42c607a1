package repo

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-exa/internal/business/entity"
)

const memberColumns = `id, business_id, user_id, role, created_at`

type MemberRepo struct {
	db *sqlx.DB
}

func NewMemberRepo(db *sqlx.DB) *MemberRepo { return &MemberRepo{db: db} }

// Get returns the membership or sql.ErrNoRows.
func (r *MemberRepo) Get(ctx context.Context, businessID, userID string) (*entity.TeamMember, error) {
	var m entity.TeamMember
	const q = `SELECT ` + memberColumns + ` FROM team_members WHERE business_id=$1 AND user_id=$2`
	if err := r.db.GetContext(ctx, &m, q, businessID, userID); err != nil {
		return nil, err
	}
	return &m, nil
}

// Oldest returns the user's first membership or sql.ErrNoRows.
func (r *MemberRepo) Oldest(ctx context.Context, userID string) (*entity.TeamMember, error) {
	var m entity.TeamMember
	const q = `SELECT ` + memberColumns + ` FROM team_members WHERE user_id=$1 ORDER BY created_at ASC, id ASC LIMIT 1`
	if err := r.db.GetContext(ctx, &m, q, userID); err != nil {
		return nil, err
	}
	return &m, nil
}

// List returns the team with each member's name and email.
func (r *MemberRepo) List(ctx context.Context, businessID string) ([]entity.MemberView, error) {
	out := []entity.MemberView{}
	const q = `SELECT tm.user_id, u.name, u.email, tm.role, tm.created_at
		FROM team_members tm JOIN users u ON u.id = tm.user_id
		WHERE tm.business_id=$1 ORDER BY tm.created_at ASC`
	if err := r.db.SelectContext(ctx, &out, q, businessID); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *MemberRepo) UpdateRole(ctx context.Context, businessID, userID, role string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE team_members SET role=$3 WHERE business_id=$1 AND user_id=$2`, businessID, userID, role)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *MemberRepo) Remove(ctx context.Context, businessID, userID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM team_members WHERE business_id=$1 AND user_id=$2`, businessID, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
