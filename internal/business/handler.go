package business

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-exa/internal/auth"
	"github.com/ovaphlow/pitchfork/service-exa/internal/business/entity"
	"github.com/ovaphlow/pitchfork/service-exa/pkg/response"
)

// API is the part of Service the HTTP layer calls.
type API interface {
	Create(ctx context.Context, userID, name string) (*entity.Business, error)
	ListMine(ctx context.Context, userID string) ([]entity.MemberBusiness, error)
	Get(ctx context.Context, userID, id string) (*entity.Business, error)
	Update(ctx context.Context, userID, id, name string, version int64) (*entity.Business, error)
	Delete(ctx context.Context, userID, id string) error
	Members(ctx context.Context, userID, id string) ([]entity.MemberView, error)
	UpdateMemberRole(ctx context.Context, userID, id, targetUserID, role string) error
	RemoveMember(ctx context.Context, userID, id, targetUserID string) error
	Invite(ctx context.Context, actor Actor, id, email, role string) (*entity.Invitation, error)
	Invitations(ctx context.Context, userID, id string) ([]entity.Invitation, error)
	RevokeInvitation(ctx context.Context, userID, id, invitationID string) error
	AcceptInvitation(ctx context.Context, actor Actor, token string) (*entity.TeamMember, error)
}

// Handler serves /business and /invitations. Every route runs behind
// auth.Authenticate.
type Handler struct {
	svc    API
	logger *zap.SugaredLogger
}

func NewHandler(svc API, logger *zap.SugaredLogger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

type nameRequest struct {
	Name    string `json:"name"`
	Version int64  `json:"version,omitempty"`
}

type roleRequest struct {
	Role string `json:"role"`
}

type inviteRequest struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

type acceptRequest struct {
	Token string `json:"token"`
}

func ActorOf(p *auth.Principal) Actor {
	return Actor{ID: p.User.ID, Name: p.User.Name, Email: p.User.Email}
}

func (h *Handler) principal(w http.ResponseWriter, r *http.Request) (*auth.Principal, bool) {
	p, ok := auth.FromContext(r.Context())
	if !ok {
		response.Fail(w, http.StatusUnauthorized, "Unauthorized")
	}
	return p, ok
}

// scoped returns the business id from the path. An API key only reaches its
// own business; any other id is reported as not found.
func (h *Handler) scoped(w http.ResponseWriter, r *http.Request, p *auth.Principal) (string, bool) {
	id := r.PathValue("id")
	if p.ViaAPIKey() && id != p.BusinessID {
		response.Fail(w, http.StatusNotFound, "Business not found")
		return "", false
	}
	return id, true
}

func onlyBusiness(list []entity.MemberBusiness, id string) []entity.MemberBusiness {
	out := make([]entity.MemberBusiness, 0, 1)
	for _, mb := range list {
		if mb.ID == id {
			out = append(out, mb)
		}
	}
	return out
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req nameRequest
	if err := response.Decode(r, &req); err != nil {
		response.Fail(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if p.ViaAPIKey() {
		response.Fail(w, http.StatusForbidden, "API keys cannot create businesses")
		return
	}
	b, err := h.svc.Create(r.Context(), p.User.ID, req.Name)
	if err != nil {
		h.writeError(w, "create business", err)
		return
	}
	response.OK(w, http.StatusCreated, "Business created", b)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	list, err := h.svc.ListMine(r.Context(), p.User.ID)
	if err != nil {
		h.writeError(w, "list businesses", err)
		return
	}
	if p.ViaAPIKey() {
		list = onlyBusiness(list, p.BusinessID)
	}
	response.OK(w, http.StatusOK, "", list)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	id, ok := h.scoped(w, r, p)
	if !ok {
		return
	}
	b, err := h.svc.Get(r.Context(), p.User.ID, id)
	if err != nil {
		h.writeError(w, "get business", err)
		return
	}
	response.OK(w, http.StatusOK, "", b)
}

func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	id, ok := h.scoped(w, r, p)
	if !ok {
		return
	}
	var req nameRequest
	if err := response.Decode(r, &req); err != nil {
		response.Fail(w, http.StatusBadRequest, "invalid payload")
		return
	}
	b, err := h.svc.Update(r.Context(), p.User.ID, id, req.Name, req.Version)
	if err != nil {
		h.writeError(w, "update business", err)
		return
	}
	response.OK(w, http.StatusOK, "Business updated", b)
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	id, ok := h.scoped(w, r, p)
	if !ok {
		return
	}
	if err := h.svc.Delete(r.Context(), p.User.ID, id); err != nil {
		h.writeError(w, "delete business", err)
		return
	}
	response.OK(w, http.StatusOK, "Business deleted", nil)
}

func (h *Handler) Members(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	id, ok := h.scoped(w, r, p)
	if !ok {
		return
	}
	members, err := h.svc.Members(r.Context(), p.User.ID, id)
	if err != nil {
		h.writeError(w, "list members", err)
		return
	}
	response.OK(w, http.StatusOK, "", members)
}

func (h *Handler) UpdateMember(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	id, ok := h.scoped(w, r, p)
	if !ok {
		return
	}
	var req roleRequest
	if err := response.Decode(r, &req); err != nil {
		response.Fail(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if err := h.svc.UpdateMemberRole(r.Context(), p.User.ID, id, r.PathValue("userId"), req.Role); err != nil {
		h.writeError(w, "update member", err)
		return
	}
	response.OK(w, http.StatusOK, "Member updated", nil)
}

func (h *Handler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	id, ok := h.scoped(w, r, p)
	if !ok {
		return
	}
	if err := h.svc.RemoveMember(r.Context(), p.User.ID, id, r.PathValue("userId")); err != nil {
		h.writeError(w, "remove member", err)
		return
	}
	response.OK(w, http.StatusOK, "Member removed", nil)
}

func (h *Handler) Invite(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	id, ok := h.scoped(w, r, p)
	if !ok {
		return
	}
	var req inviteRequest
	if err := response.Decode(r, &req); err != nil {
		response.Fail(w, http.StatusBadRequest, "invalid payload")
		return
	}
	inv, err := h.svc.Invite(r.Context(), ActorOf(p), id, req.Email, req.Role)
	if err != nil {
		h.writeError(w, "invite", err)
		return
	}
	response.OK(w, http.StatusCreated, "Invitation sent", inv)
}

func (h *Handler) Invitations(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	id, ok := h.scoped(w, r, p)
	if !ok {
		return
	}
	list, err := h.svc.Invitations(r.Context(), p.User.ID, id)
	if err != nil {
		h.writeError(w, "list invitations", err)
		return
	}
	response.OK(w, http.StatusOK, "", list)
}

func (h *Handler) RevokeInvitation(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	id, ok := h.scoped(w, r, p)
	if !ok {
		return
	}
	if err := h.svc.RevokeInvitation(r.Context(), p.User.ID, id, r.PathValue("invitationId")); err != nil {
		h.writeError(w, "revoke invitation", err)
		return
	}
	response.OK(w, http.StatusOK, "Invitation revoked", nil)
}

func (h *Handler) AcceptInvitation(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	if p.ViaAPIKey() {
		response.Fail(w, http.StatusForbidden, "Forbidden")
		return
	}
	var req acceptRequest
	if err := response.Decode(r, &req); err != nil {
		response.Fail(w, http.StatusBadRequest, "invalid payload")
		return
	}
	m, err := h.svc.AcceptInvitation(r.Context(), ActorOf(p), req.Token)
	if err != nil {
		h.writeError(w, "accept invitation", err)
		return
	}
	response.OK(w, http.StatusOK, "Invitation accepted", m)
}

// ErrorStatus maps service errors to a status and a caller-safe message.
// ok is false for unexpected errors.
func ErrorStatus(err error) (status int, msg string, ok bool) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, verr.Msg, true
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "Business not found", true
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, "Forbidden", true
	case errors.Is(err, ErrVersionConflict):
		return http.StatusConflict, "Business was modified by someone else, reload and try again", true
	case errors.Is(err, ErrOwnerImmutable):
		return http.StatusBadRequest, err.Error(), true
	case errors.Is(err, ErrInvalidInvitation):
		return http.StatusBadRequest, "Invalid or expired invitation", true
	case errors.Is(err, ErrEmailMismatch):
		return http.StatusForbidden, "This invitation was sent to a different email", true
	default:
		return http.StatusInternalServerError, "Internal server error", false
	}
}

func (h *Handler) writeError(w http.ResponseWriter, op string, err error) {
	status, msg, ok := ErrorStatus(err)
	if !ok {
		h.logger.Errorw(op+" failed", "err", err)
	}
	response.Fail(w, status, msg)
}
