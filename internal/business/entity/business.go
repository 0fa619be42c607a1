package entity

import "time"

// Team roles. The owner is the business creator and cannot be demoted or removed.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// CanManage reports whether a team role may change the business, its members
// and its invitations.
func CanManage(role string) bool {
	return role == RoleOwner || role == RoleAdmin
}

// Business represents a row in the `businesses` table. Version is bumped on
// every update and used for optimistic locking.
type Business struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	OwnerID   string    `db:"owner_id" json:"ownerId"`
	Version   int64     `db:"version" json:"version"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// MemberBusiness is a business as seen by one of its members.
type MemberBusiness struct {
	Business
	Role string `db:"role" json:"role"`
}

type TeamMember struct {
	ID         string    `db:"id" json:"id"`
	BusinessID string    `db:"business_id" json:"businessId"`
	UserID     string    `db:"user_id" json:"userId"`
	Role       string    `db:"role" json:"role"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
}

// MemberView joins a membership with the user's public fields.
type MemberView struct {
	UserID   string    `db:"user_id" json:"userId"`
	Name     string    `db:"name" json:"name"`
	Email    string    `db:"email" json:"email"`
	Role     string    `db:"role" json:"role"`
	JoinedAt time.Time `db:"created_at" json:"joinedAt"`
}

// Invitation is a pending offer to join a business. Only the SHA-256 of the
// token is stored; the token itself travels in the email link.
type Invitation struct {
	ID         string     `db:"id" json:"id"`
	BusinessID string     `db:"business_id" json:"businessId"`
	Email      string     `db:"email" json:"email"`
	Role       string     `db:"role" json:"role"`
	TokenHash  string     `db:"token_hash" json:"-"`
	InvitedBy  string     `db:"invited_by" json:"invitedBy"`
	ExpiresAt  time.Time  `db:"expires_at" json:"expiresAt"`
	AcceptedAt *time.Time `db:"accepted_at" json:"acceptedAt,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"createdAt"`
}
