// Package admin serves the platform-administration routes under /admin.
package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-exa/internal/auth"
	"github.com/ovaphlow/pitchfork/service-exa/internal/user"
	"github.com/ovaphlow/pitchfork/service-exa/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-exa/pkg/response"
)

// Users is the part of user.UserService the admin routes need.
type Users interface {
	ListUsers(ctx context.Context, limit, offset int) ([]entity.User, error)
	DeleteUser(ctx context.Context, id string) error
	SetRole(ctx context.Context, id, role string) error
}

// Handler runs behind auth.RequireAdmin.
type Handler struct {
	users  Users
	logger *zap.SugaredLogger
}

func NewHandler(users Users, logger *zap.SugaredLogger) *Handler {
	return &Handler{users: users, logger: logger}
}

type roleRequest struct {
	Role string `json:"role"`
}

type listResponse struct {
	Users  []entity.User `json:"users"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	users, err := h.users.ListUsers(r.Context(), limit, offset)
	if err != nil {
		h.writeError(w, "list users", err)
		return
	}
	response.OK(w, http.StatusOK, "", listResponse{Users: users, Limit: limit, Offset: offset})
}

func (h *Handler) SetRole(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.FromContext(r.Context())
	id := r.PathValue("id")
	var req roleRequest
	if err := response.Decode(r, &req); err != nil {
		response.Fail(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if p != nil && p.User.ID == id && req.Role != entity.RoleAdmin {
		response.Fail(w, http.StatusBadRequest, "You cannot remove your own admin role")
		return
	}
	if err := h.users.SetRole(r.Context(), id, req.Role); err != nil {
		h.writeError(w, "set role", err)
		return
	}
	h.logger.Infow("user role changed", "user_id", id, "role", req.Role, "by", actorID(p))
	response.OK(w, http.StatusOK, "Role updated", nil)
}

func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.FromContext(r.Context())
	id := r.PathValue("id")
	if p != nil && p.User.ID == id {
		response.Fail(w, http.StatusBadRequest, "Use DELETE /user/me to delete your own account")
		return
	}
	if err := h.users.DeleteUser(r.Context(), id); err != nil {
		h.writeError(w, "delete user", err)
		return
	}
	h.logger.Infow("user deleted by admin", "user_id", id, "by", actorID(p))
	response.OK(w, http.StatusOK, "User deleted", nil)
}

func actorID(p *auth.Principal) string {
	if p == nil {
		return ""
	}
	return p.User.ID
}

func (h *Handler) writeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, user.ErrUserNotFound):
		response.Fail(w, http.StatusNotFound, "User not found")
	case errors.Is(err, user.ErrInvalidRole):
		response.Fail(w, http.StatusBadRequest, "role must be user or admin")
	default:
		h.logger.Errorw(op+" failed", "err", err)
		response.Fail(w, http.StatusInternalServerError, "Internal server error")
	}
}
