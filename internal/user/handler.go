package user

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-exa/internal/ratelimit"
	"github.com/ovaphlow/pitchfork/service-exa/internal/session"
	"github.com/ovaphlow/pitchfork/service-exa/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-exa/pkg/response"
)

// Service is the part of UserService the HTTP layer calls.
type Service interface {
	SignupUser(ctx context.Context, name, email, password string) (*entity.User, error)
	StartLogin(ctx context.Context, email, password string) (string, error)
	VerifyLoginCode(ctx context.Context, challengeID, code string) (*entity.User, error)
	GetUser(ctx context.Context, id string) (*entity.User, error)
	DeleteUser(ctx context.Context, id string) error
	ForgotPassword(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, token, password string) error
}

// Limits guards the credential endpoints. A nil limiter disables the check.
type Limits struct {
	Login   *ratelimit.Limiter
	OTP     *ratelimit.Limiter
	Forgot  *ratelimit.Limiter
	// Proxies whose X-Forwarded-For is believed; nil counts per connection address.
	Proxies *ratelimit.Proxies
}

// ClientIP is the address attempts are counted against.
func (l Limits) ClientIP(r *http.Request) string { return l.Proxies.ClientIP(r) }

// Handler exposes the session and account endpoints (/auth/*, /user/me).
type Handler struct {
	svc      Service
	sessions *session.Manager
	limits   Limits
	logger   *zap.SugaredLogger
}

func NewHandler(svc Service, sessions *session.Manager, limits Limits, logger *zap.SugaredLogger) *Handler {
	return &Handler{svc: svc, sessions: sessions, limits: limits, logger: logger}
}

type SignupRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type VerifyOTPRequest struct {
	ChallengeID string `json:"challengeId"`
	Code        string `json:"code"`
}

type ForgotPasswordRequest struct {
	Email string `json:"email"`
}

type ResetPasswordRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

type userResponse struct {
	User entity.PublicUser `json:"user"`
}

type loginResponse struct {
	Message     string `json:"message"`
	ChallengeID string `json:"challengeId"`
}

func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := response.Decode(r, &req); err != nil {
		h.logger.Debugw("invalid signup payload", "err", err)
		response.Message(w, http.StatusBadRequest, "invalid payload")
		return
	}
	u, err := h.svc.SignupUser(r.Context(), req.Name, req.Email, req.Password)
	if err != nil {
		h.writeError(w, "signup", err)
		return
	}
	if _, err := h.sessions.CreateSession(w, u.ID); err != nil {
		h.logger.Errorw("create session failed", "user_id", u.ID, "err", err)
		response.Message(w, http.StatusInternalServerError, "signup failed")
		return
	}
	response.JSON(w, http.StatusCreated, userResponse{User: u.Public()})
}

// Login checks the password and mails a one-time code; the session is only
// issued by VerifyOTP.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := response.Decode(r, &req); err != nil {
		h.logger.Debugw("invalid login payload", "err", err)
		response.Message(w, http.StatusBadRequest, "invalid payload")
		return
	}
	key := h.limits.ClientIP(r) + "|" + strings.ToLower(strings.TrimSpace(req.Email))
	if !h.allow(w, r, h.limits.Login, key) {
		return
	}
	challengeID, err := h.svc.StartLogin(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeError(w, "login", err)
		return
	}
	response.JSON(w, http.StatusOK, loginResponse{Message: "verification code sent", ChallengeID: challengeID})
}

func (h *Handler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req VerifyOTPRequest
	if err := response.Decode(r, &req); err != nil {
		h.logger.Debugw("invalid otp payload", "err", err)
		response.Message(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if !h.allow(w, r, h.limits.OTP, h.limits.ClientIP(r)) {
		return
	}
	u, err := h.svc.VerifyLoginCode(r.Context(), req.ChallengeID, req.Code)
	if err != nil {
		h.writeError(w, "verify otp", err)
		return
	}
	if _, err := h.sessions.CreateSession(w, u.ID); err != nil {
		h.logger.Errorw("create session failed", "user_id", u.ID, "err", err)
		response.Message(w, http.StatusInternalServerError, "login failed")
		return
	}
	if h.limits.OTP != nil {
		if err := h.limits.OTP.Reset(r.Context(), h.limits.ClientIP(r)); err != nil {
			h.logger.Warnw("reset otp limiter failed", "err", err)
		}
	}
	response.JSON(w, http.StatusOK, userResponse{User: u.Public()})
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	h.sessions.DeleteSession(w)
	response.Message(w, http.StatusOK, "logged out")
}

// ForgotPassword answers 200 whether or not the email exists.
func (h *Handler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req ForgotPasswordRequest
	if err := response.Decode(r, &req); err != nil {
		response.Message(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if !h.allow(w, r, h.limits.Forgot, h.limits.ClientIP(r)) {
		return
	}
	if err := h.svc.ForgotPassword(r.Context(), req.Email); err != nil {
		h.logger.Warnw("forgot password failed", "err", err)
	}
	response.Message(w, http.StatusOK, "if the email is registered, a reset link has been sent")
}

func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req ResetPasswordRequest
	if err := response.Decode(r, &req); err != nil {
		response.Message(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if err := h.svc.ResetPassword(r.Context(), req.Token, req.Password); err != nil {
		h.writeError(w, "reset password", err)
		return
	}
	response.Message(w, http.StatusOK, "password updated")
}

// Me returns the signed-in user.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	l := h.sessions.FromRequest(r)
	if !l.OK() {
		h.logger.Debugw("getMe without session", "status", l.Status.String())
		response.Message(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	u, err := h.svc.GetUser(r.Context(), l.Payload.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			response.Message(w, http.StatusNotFound, "User not found")
			return
		}
		h.logger.Errorw("load user failed", "user_id", l.Payload.UserID, "err", err)
		response.Message(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	response.JSON(w, http.StatusOK, userResponse{User: u.Public()})
}

// DeleteMe removes the signed-in account and ends the session.
func (h *Handler) DeleteMe(w http.ResponseWriter, r *http.Request) {
	l := h.sessions.FromRequest(r)
	if !l.OK() {
		response.Message(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if err := h.svc.DeleteUser(r.Context(), l.Payload.UserID); err != nil && !errors.Is(err, ErrUserNotFound) {
		h.logger.Errorw("delete user failed", "user_id", l.Payload.UserID, "err", err)
		response.Message(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.sessions.DeleteSession(w)
	response.Message(w, http.StatusOK, "Account deleted")
}

func (h *Handler) allow(w http.ResponseWriter, r *http.Request, l *ratelimit.Limiter, key string) bool {
	if l == nil {
		return true
	}
	ok, err := l.Allow(r.Context(), key)
	if err != nil {
		// fail open
		h.logger.Warnw("rate limiter unavailable", "err", err)
		return true
	}
	if !ok {
		response.Message(w, http.StatusTooManyRequests, "too many attempts, try again later")
		return false
	}
	return true
}

func (h *Handler) writeError(w http.ResponseWriter, op string, err error) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		response.Message(w, http.StatusBadRequest, verr.Msg)
	case errors.Is(err, ErrBadCredentials):
		response.Message(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, ErrInvalidCode):
		response.Message(w, http.StatusUnauthorized, "invalid or expired code")
	case errors.Is(err, ErrTooManyAttempts):
		response.Message(w, http.StatusTooManyRequests, "too many attempts, sign in again")
	case errors.Is(err, ErrEmailTaken):
		response.Message(w, http.StatusConflict, "email already registered")
	case errors.Is(err, ErrInvalidResetToken):
		response.Message(w, http.StatusBadRequest, "invalid or expired reset link")
	case errors.Is(err, ErrUserNotFound):
		response.Message(w, http.StatusNotFound, "User not found")
	default:
		h.logger.Errorw(op+" failed", "err", err)
		response.Message(w, http.StatusInternalServerError, op+" failed")
	}
}
