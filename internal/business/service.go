package business

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-exa/internal/business/entity"
	bizrepo "github.com/ovaphlow/pitchfork/service-exa/internal/business/repo"
	"github.com/ovaphlow/pitchfork/service-exa/pkg/mailer"
	"github.com/ovaphlow/pitchfork/service-exa/pkg/utilities"
)

type BusinessStore interface {
	Create(ctx context.Context, b *entity.Business, owner *entity.TeamMember) error
	GetByID(ctx context.Context, id string) (*entity.Business, error)
	ListForUser(ctx context.Context, userID string) ([]entity.MemberBusiness, error)
	Update(ctx context.Context, b *entity.Business, expectedVersion int64) (int64, error)
	Delete(ctx context.Context, id string) (int64, error)
}

type MemberStore interface {
	Get(ctx context.Context, businessID, userID string) (*entity.TeamMember, error)
	Oldest(ctx context.Context, userID string) (*entity.TeamMember, error)
	List(ctx context.Context, businessID string) ([]entity.MemberView, error)
	UpdateRole(ctx context.Context, businessID, userID, role string) (int64, error)
	Remove(ctx context.Context, businessID, userID string) (int64, error)
}

type InvitationStore interface {
	Create(ctx context.Context, inv *entity.Invitation) error
	ListPending(ctx context.Context, businessID string) ([]entity.Invitation, error)
	GetByTokenHash(ctx context.Context, hash string) (*entity.Invitation, error)
	Accept(ctx context.Context, invitationID string, m *entity.TeamMember) error
	Delete(ctx context.Context, businessID, id string) (int64, error)
}

var (
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrVersionConflict   = errors.New("version conflict")
	ErrOwnerImmutable    = errors.New("the owner cannot be changed or removed")
	ErrInvalidInvitation = errors.New("invalid or expired invitation")
	ErrEmailMismatch     = errors.New("invitation was sent to another email")
)

// ValidationError carries a message that is safe to show to the caller.
type ValidationError struct{ Msg string }

func (e *ValidationError) Error() string { return e.Msg }

const (
	invitationTTL    = 7 * 24 * time.Hour
	maxNameLen       = 120
	inviteTokenBytes = 32
)

// Actor is the signed-in user performing an operation.
type Actor struct {
	ID    string
	Name  string
	Email string
}

// Service encapsulates business, team and invitation logic.
type Service struct {
	businesses  BusinessStore
	members     MemberStore
	invitations InvitationStore
	mail        mailer.Sender
	logger      *zap.SugaredLogger
	frontendURL string
	now         func() time.Time
}

func NewService(businesses BusinessStore, members MemberStore, invitations InvitationStore, mail mailer.Sender, frontendURL string, logger *zap.SugaredLogger) *Service {
	return &Service{
		businesses:  businesses,
		members:     members,
		invitations: invitations,
		mail:        mail,
		logger:      logger,
		frontendURL: strings.TrimRight(frontendURL, "/"),
		now:         time.Now,
	}
}

func validateName(name string) (string, error) {
	n := strings.TrimSpace(name)
	if n == "" {
		return "", &ValidationError{Msg: "name is required"}
	}
	if len(n) > maxNameLen {
		return "", &ValidationError{Msg: fmt.Sprintf("name must be at most %d characters", maxNameLen)}
	}
	return n, nil
}

// RoleOf returns userID's team role in businessID, or ErrNotFound when the
// user is not a member.
func (s *Service) RoleOf(ctx context.Context, businessID, userID string) (string, error) {
	m, err := s.members.Get(ctx, businessID, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("load membership: %w", err)
	}
	return m.Role, nil
}

// requireRole loads the caller's role; non-members see ErrNotFound so business
// ids cannot be enumerated.
func (s *Service) requireRole(ctx context.Context, businessID, userID string, manage bool) (string, error) {
	role, err := s.RoleOf(ctx, businessID, userID)
	if err != nil {
		return "", err
	}
	if manage && !entity.CanManage(role) {
		return "", ErrForbidden
	}
	return role, nil
}

// ResolveBusiness picks the business a request acts on: requested when the
// user is a member of it, otherwise the user's oldest membership. It returns
// an empty id when the user belongs to no business.
func (s *Service) ResolveBusiness(ctx context.Context, userID, requested string) (string, error) {
	if requested != "" {
		_, err := s.members.Get(ctx, requested, userID)
		if err == nil {
			return requested, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("load membership: %w", err)
		}
	}
	m, err := s.members.Oldest(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("load membership: %w", err)
	}
	return m.BusinessID, nil
}

// Create makes a business with the caller as owner.
func (s *Service) Create(ctx context.Context, userID, name string) (*entity.Business, error) {
	n, err := validateName(name)
	if err != nil {
		return nil, err
	}
	b := &entity.Business{ID: utilities.NewKSUID(), Name: n, OwnerID: userID}
	owner := &entity.TeamMember{ID: utilities.NewKSUID(), BusinessID: b.ID, UserID: userID, Role: entity.RoleOwner}
	if err := s.businesses.Create(ctx, b, owner); err != nil {
		return nil, fmt.Errorf("create business: %w", err)
	}
	return b, nil
}

func (s *Service) ListMine(ctx context.Context, userID string) ([]entity.MemberBusiness, error) {
	return s.businesses.ListForUser(ctx, userID)
}

func (s *Service) Get(ctx context.Context, userID, id string) (*entity.Business, error) {
	if _, err := s.requireRole(ctx, id, userID, false); err != nil {
		return nil, err
	}
	b, err := s.businesses.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load business: %w", err)
	}
	return b, nil
}

// Update renames the business using optimistic locking on version.
func (s *Service) Update(ctx context.Context, userID, id, name string, version int64) (*entity.Business, error) {
	n, err := validateName(name)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireRole(ctx, id, userID, true); err != nil {
		return nil, err
	}
	existing, err := s.businesses.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load business: %w", err)
	}
	if version == 0 {
		version = existing.Version
	}
	existing.Name = n
	rows, err := s.businesses.Update(ctx, existing, version)
	if err != nil {
		return nil, fmt.Errorf("update business: %w", err)
	}
	if rows == 0 {
		return nil, ErrVersionConflict
	}
	return existing, nil
}

// Delete removes the business. Only the owner may do this.
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	role, err := s.requireRole(ctx, id, userID, false)
	if err != nil {
		return err
	}
	if role != entity.RoleOwner {
		return ErrForbidden
	}
	rows, err := s.businesses.Delete(ctx, id)
	if err != nil {
		return fmt.Errorf("delete business: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Service) Members(ctx context.Context, userID, id string) ([]entity.MemberView, error) {
	if _, err := s.requireRole(ctx, id, userID, false); err != nil {
		return nil, err
	}
	return s.members.List(ctx, id)
}

func validTeamRole(role string) bool {
	return role == entity.RoleAdmin || role == entity.RoleMember
}

func (s *Service) UpdateMemberRole(ctx context.Context, userID, id, targetUserID, role string) error {
	if !validTeamRole(role) {
		return &ValidationError{Msg: "role must be admin or member"}
	}
	if _, err := s.requireRole(ctx, id, userID, true); err != nil {
		return err
	}
	target, err := s.RoleOf(ctx, id, targetUserID)
	if err != nil {
		return err
	}
	if target == entity.RoleOwner {
		return ErrOwnerImmutable
	}
	rows, err := s.members.UpdateRole(ctx, id, targetUserID, role)
	if err != nil {
		return fmt.Errorf("update member role: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// RemoveMember takes targetUserID off the team. Managers may remove anyone but
// the owner; any member may remove themselves.
func (s *Service) RemoveMember(ctx context.Context, userID, id, targetUserID string) error {
	if _, err := s.requireRole(ctx, id, userID, userID != targetUserID); err != nil {
		return err
	}
	target, err := s.RoleOf(ctx, id, targetUserID)
	if err != nil {
		return err
	}
	if target == entity.RoleOwner {
		return ErrOwnerImmutable
	}
	rows, err := s.members.Remove(ctx, id, targetUserID)
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Invite records an invitation and mails its link.
func (s *Service) Invite(ctx context.Context, actor Actor, id, email, role string) (*entity.Invitation, error) {
	e := strings.ToLower(strings.TrimSpace(email))
	if e == "" || !strings.Contains(e, "@") {
		return nil, &ValidationError{Msg: "a valid email is required"}
	}
	if role == "" {
		role = entity.RoleMember
	}
	if !validTeamRole(role) {
		return nil, &ValidationError{Msg: "role must be admin or member"}
	}
	if _, err := s.requireRole(ctx, id, actor.ID, true); err != nil {
		return nil, err
	}
	b, err := s.businesses.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load business: %w", err)
	}
	token, err := utilities.RandomToken(inviteTokenBytes)
	if err != nil {
		return nil, err
	}
	inv := &entity.Invitation{
		ID:         utilities.NewKSUID(),
		BusinessID: id,
		Email:      e,
		Role:       role,
		TokenHash:  utilities.SHA256Hex(token),
		InvitedBy:  actor.ID,
		ExpiresAt:  s.now().Add(invitationTTL),
		CreatedAt:  s.now(),
	}
	if err := s.invitations.Create(ctx, inv); err != nil {
		return nil, fmt.Errorf("create invitation: %w", err)
	}
	inviter := actor.Name
	if inviter == "" {
		inviter = actor.Email
	}
	msg, err := mailer.Invitation(e, b.Name, inviter, s.frontendURL+"/accept-invitation?token="+token)
	if err != nil {
		return nil, err
	}
	if err := s.mail.Send(ctx, msg); err != nil {
		// the invitation stays valid; it can be revoked and sent again
		s.logger.Warnw("send invitation failed", "invitation_id", inv.ID, "err", err)
		return nil, fmt.Errorf("send invitation: %w", err)
	}
	return inv, nil
}

func (s *Service) Invitations(ctx context.Context, userID, id string) ([]entity.Invitation, error) {
	if _, err := s.requireRole(ctx, id, userID, true); err != nil {
		return nil, err
	}
	return s.invitations.ListPending(ctx, id)
}

func (s *Service) RevokeInvitation(ctx context.Context, userID, id, invitationID string) error {
	if _, err := s.requireRole(ctx, id, userID, true); err != nil {
		return err
	}
	rows, err := s.invitations.Delete(ctx, id, invitationID)
	if err != nil {
		return fmt.Errorf("revoke invitation: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// AcceptInvitation joins actor to the inviting business. The invitation must
// be pending and addressed to actor's email.
func (s *Service) AcceptInvitation(ctx context.Context, actor Actor, token string) (*entity.TeamMember, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidInvitation
	}
	inv, err := s.invitations.GetByTokenHash(ctx, utilities.SHA256Hex(token))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidInvitation
		}
		return nil, fmt.Errorf("load invitation: %w", err)
	}
	if inv.AcceptedAt != nil || !s.now().Before(inv.ExpiresAt) {
		return nil, ErrInvalidInvitation
	}
	if !strings.EqualFold(inv.Email, strings.TrimSpace(actor.Email)) {
		return nil, ErrEmailMismatch
	}
	m := &entity.TeamMember{ID: utilities.NewKSUID(), BusinessID: inv.BusinessID, UserID: actor.ID, Role: inv.Role}
	if err := s.invitations.Accept(ctx, inv.ID, m); err != nil {
		if errors.Is(err, bizrepo.ErrInvitationUsed) {
			return nil, ErrInvalidInvitation
		}
		return nil, fmt.Errorf("accept invitation: %w", err)
	}
	return m, nil
}
