package apikey

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-exa/internal/apikey/entity"
	"github.com/ovaphlow/pitchfork/service-exa/internal/auth"
	"github.com/ovaphlow/pitchfork/service-exa/pkg/response"
)

type API interface {
	Create(ctx context.Context, businessID, userID, name string) (*entity.Created, error)
	List(ctx context.Context, businessID string) ([]entity.APIKey, error)
	Get(ctx context.Context, businessID, id string) (*entity.APIKey, error)
	Rename(ctx context.Context, businessID, id, name string) (*entity.APIKey, error)
	Revoke(ctx context.Context, businessID, id string) error
	Secret(ctx context.Context, businessID, id string) (string, error)
}

// Handler serves /api-key, scoped to the principal's business.
type Handler struct {
	svc    API
	logger *zap.SugaredLogger
}

func NewHandler(svc API, logger *zap.SugaredLogger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

type nameRequest struct {
	Name string `json:"name"`
}

func (h *Handler) principal(w http.ResponseWriter, r *http.Request) (*auth.Principal, bool) {
	p, ok := auth.FromContext(r.Context())
	if !ok {
		response.Fail(w, http.StatusUnauthorized, "Unauthorized")
		return nil, false
	}
	if p.BusinessID == "" {
		response.Fail(w, http.StatusBadRequest, "Create or join a business first")
		return nil, false
	}
	return p, true
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
	created, err := h.svc.Create(r.Context(), p.BusinessID, p.User.ID, req.Name)
	if err != nil {
		h.writeError(w, "create api key", err)
		return
	}
	h.logger.Infow("api key created", "key_id", created.ID, "business_id", p.BusinessID, "user_id", p.User.ID)
	response.OK(w, http.StatusCreated, "API key created. Copy the secret now, it will not be shown again.", created)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	keys, err := h.svc.List(r.Context(), p.BusinessID)
	if err != nil {
		h.writeError(w, "list api keys", err)
		return
	}
	response.OK(w, http.StatusOK, "", keys)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	k, err := h.svc.Get(r.Context(), p.BusinessID, r.PathValue("id"))
	if err != nil {
		h.writeError(w, "get api key", err)
		return
	}
	response.OK(w, http.StatusOK, "", k)
}

func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req nameRequest
	if err := response.Decode(r, &req); err != nil {
		response.Fail(w, http.StatusBadRequest, "invalid payload")
		return
	}
	k, err := h.svc.Rename(r.Context(), p.BusinessID, r.PathValue("id"), req.Name)
	if err != nil {
		h.writeError(w, "update api key", err)
		return
	}
	response.OK(w, http.StatusOK, "API key updated", k)
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	if err := h.svc.Revoke(r.Context(), p.BusinessID, r.PathValue("id")); err != nil {
		h.writeError(w, "revoke api key", err)
		return
	}
	response.OK(w, http.StatusOK, "API key revoked", nil)
}

// GetSecret answers 400 for every id, existing or not.
func (h *Handler) GetSecret(w http.ResponseWriter, r *http.Request) {
	_, err := h.svc.Secret(r.Context(), "", r.PathValue("id"))
	if err == nil {
		err = ErrImmutableSecret
	}
	h.writeError(w, "get api key secret", err)
}

// ErrorStatus maps service errors to a status and a caller-safe message.
// ok is false for unexpected errors.
func ErrorStatus(err error) (status int, msg string, ok bool) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, verr.Msg, true
	case errors.Is(err, ErrImmutableSecret):
		return http.StatusBadRequest, "API key secrets cannot be retrieved after creation", true
	case errors.Is(err, ErrNoBusiness):
		return http.StatusBadRequest, "Create or join a business first", true
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "API key not found", true
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
