package credit

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-exa/internal/auth"
	"github.com/ovaphlow/pitchfork/service-exa/internal/credit/entity"
	"github.com/ovaphlow/pitchfork/service-exa/pkg/response"
)

type API interface {
	Balance(ctx context.Context, businessID string) (*entity.Balance, error)
	History(ctx context.Context, businessID string, limit, offset int) ([]entity.Transaction, error)
	Purchase(ctx context.Context, userID, businessID string, amount int64, note string) (*entity.Transaction, error)
	Transfer(ctx context.Context, userID, fromID, toID string, amount int64, note string) (*entity.Transaction, error)
}

// Handler serves /credit for the principal's business.
type Handler struct {
	svc    API
	logger *zap.SugaredLogger
}

func NewHandler(svc API, logger *zap.SugaredLogger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

type purchaseRequest struct {
	Amount int64  `json:"amount"`
	Note   string `json:"note"`
}

type transferRequest struct {
	ToBusinessID string `json:"toBusinessId"`
	Amount       int64  `json:"amount"`
	Note         string `json:"note"`
}

func (h *Handler) principal(w http.ResponseWriter, r *http.Request) (*auth.Principal, bool) {
	p, ok := auth.FromContext(r.Context())
	if !ok {
		response.Fail(w, http.StatusUnauthorized, "Unauthorized")
	}
	return p, ok
}

func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	b, err := h.svc.Balance(r.Context(), p.BusinessID)
	if err != nil {
		h.writeError(w, "get balance", err)
		return
	}
	response.OK(w, http.StatusOK, "", b)
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	list, err := h.svc.History(r.Context(), p.BusinessID, limit, offset)
	if err != nil {
		h.writeError(w, "credit history", err)
		return
	}
	response.OK(w, http.StatusOK, "", list)
}

func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req purchaseRequest
	if err := response.Decode(r, &req); err != nil {
		response.Fail(w, http.StatusBadRequest, "invalid payload")
		return
	}
	t, err := h.svc.Purchase(r.Context(), p.User.ID, p.BusinessID, req.Amount, req.Note)
	if err != nil {
		h.writeError(w, "purchase credits", err)
		return
	}
	response.OK(w, http.StatusCreated, "Credits purchased", t)
}

func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req transferRequest
	if err := response.Decode(r, &req); err != nil {
		response.Fail(w, http.StatusBadRequest, "invalid payload")
		return
	}
	t, err := h.svc.Transfer(r.Context(), p.User.ID, p.BusinessID, req.ToBusinessID, req.Amount, req.Note)
	if err != nil {
		h.writeError(w, "transfer credits", err)
		return
	}
	response.OK(w, http.StatusOK, "Credits transferred", t)
}

// ErrorStatus maps service errors to a status and a caller-safe message.
func ErrorStatus(err error) (status int, msg string, ok bool) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, verr.Msg, true
	case errors.Is(err, ErrInsufficientCredits):
		return http.StatusBadRequest, "Insufficient credits", true
	case errors.Is(err, ErrNoBusiness):
		return http.StatusBadRequest, "Create or join a business first", true
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, "Only owners and admins can move credits", true
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "Business not found", true
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
