package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-exa/internal/business/entity"
)

// ErrInvitationUsed is returned by Accept when the invitation was accepted
// by a concurrent request.
var ErrInvitationUsed = errors.New("invitation already accepted")

const invitationColumns = `id, business_id, email, role, token_hash, invited_by, expires_at, accepted_at, created_at`

type InvitationRepo struct {
	db *sqlx.DB
}

func NewInvitationRepo(db *sqlx.DB) *InvitationRepo { return &InvitationRepo{db: db} }

func (r *InvitationRepo) Create(ctx context.Context, inv *entity.Invitation) error {
	const q = `INSERT INTO invitations (id, business_id, email, role, token_hash, invited_by, expires_at)
		VALUES (:id, :business_id, :email, :role, :token_hash, :invited_by, :expires_at)`
	_, err := r.db.NamedExecContext(ctx, q, inv)
	return err
}

// ListPending returns invitations that are neither accepted nor expired.
func (r *InvitationRepo) ListPending(ctx context.Context, businessID string) ([]entity.Invitation, error) {
	out := []entity.Invitation{}
	const q = `SELECT ` + invitationColumns + ` FROM invitations
		WHERE business_id=$1 AND accepted_at IS NULL AND expires_at > NOW() ORDER BY created_at DESC`
	if err := r.db.SelectContext(ctx, &out, q, businessID); err != nil {
		return nil, err
	}
	return out, nil
}

// GetByTokenHash returns the invitation or sql.ErrNoRows.
func (r *InvitationRepo) GetByTokenHash(ctx context.Context, hash string) (*entity.Invitation, error) {
	var inv entity.Invitation
	if err := r.db.GetContext(ctx, &inv, `SELECT `+invitationColumns+` FROM invitations WHERE token_hash=$1`, hash); err != nil {
		return nil, err
	}
	return &inv, nil
}

// Accept marks the invitation accepted and adds the member in one transaction.
// An existing membership is left as is.
func (r *InvitationRepo) Accept(ctx context.Context, invitationID string, m *entity.TeamMember) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `UPDATE invitations SET accepted_at=NOW() WHERE id=$1 AND accepted_at IS NULL`, invitationID)
	if err != nil {
		return fmt.Errorf("mark accepted: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		err = ErrInvitationUsed
		return err
	}
	const q = `INSERT INTO team_members (id, business_id, user_id, role) VALUES ($1, $2, $3, $4)
		ON CONFLICT (business_id, user_id) DO NOTHING`
	if _, err = tx.ExecContext(ctx, q, m.ID, m.BusinessID, m.UserID, m.Role); err != nil {
		return fmt.Errorf("insert member: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Delete revokes a pending invitation.
func (r *InvitationRepo) Delete(ctx context.Context, businessID, id string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM invitations WHERE business_id=$1 AND id=$2 AND accepted_at IS NULL`, businessID, id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
