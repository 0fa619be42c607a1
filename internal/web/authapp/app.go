// Package authapp serves the sign-in pages: login with an emailed code,
// signup, password reset and invitation acceptance.
package authapp

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-exa/internal/auth"
	"github.com/ovaphlow/pitchfork/service-exa/internal/business"
	bizentity "github.com/ovaphlow/pitchfork/service-exa/internal/business/entity"
	"github.com/ovaphlow/pitchfork/service-exa/internal/ratelimit"
	"github.com/ovaphlow/pitchfork/service-exa/internal/router"
	"github.com/ovaphlow/pitchfork/service-exa/internal/session"
	"github.com/ovaphlow/pitchfork/service-exa/internal/user"
	userentity "github.com/ovaphlow/pitchfork/service-exa/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-exa/internal/web/view"
)

type Users interface {
	SignupUser(ctx context.Context, name, email, password string) (*userentity.User, error)
	StartLogin(ctx context.Context, email, password string) (string, error)
	VerifyLoginCode(ctx context.Context, challengeID, code string) (*userentity.User, error)
	ForgotPassword(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, token, password string) error
}

type Invitations interface {
	AcceptInvitation(ctx context.Context, actor business.Actor, token string) (*bizentity.TeamMember, error)
}

const forgotNotice = "If the email is registered, a reset link is on its way."

type App struct {
	users       Users
	invitations Invitations
	sessions    *session.Manager
	auth        *auth.Authenticator
	view        *view.Renderer
	limits      user.Limits
	// clientURL is where users land after signing in.
	clientURL string
	logger    *zap.SugaredLogger
}

type Deps struct {
	Users       Users
	Invitations Invitations
	Sessions    *session.Manager
	Auth        *auth.Authenticator
	View        *view.Renderer
	Limits      user.Limits
	ClientURL   string
	Logger      *zap.SugaredLogger
}

func New(d Deps) *App {
	return &App{
		users:       d.Users,
		invitations: d.Invitations,
		sessions:    d.Sessions,
		auth:        d.Auth,
		view:        d.View,
		limits:      d.Limits,
		clientURL:   strings.TrimRight(d.ClientURL, "/"),
		logger:      d.Logger,
	}
}

func (a *App) Routes() []router.Route {
	page := a.auth.RequireUserPage
	return []router.Route{
		{Method: http.MethodGet, Path: "/{$}", Handler: a.home},
		{Method: http.MethodGet, Path: "/login", Handler: a.loginForm},
		{Method: http.MethodPost, Path: "/login", Handler: a.login},
		{Method: http.MethodGet, Path: "/verify", Handler: a.verifyForm},
		{Method: http.MethodPost, Path: "/verify", Handler: a.verify},
		{Method: http.MethodGet, Path: "/signup", Handler: a.signupForm},
		{Method: http.MethodPost, Path: "/signup", Handler: a.signup},
		{Method: http.MethodGet, Path: "/forgot-password", Handler: a.forgotForm},
		{Method: http.MethodPost, Path: "/forgot-password", Handler: a.forgot},
		{Method: http.MethodGet, Path: "/reset-password", Handler: a.resetForm},
		{Method: http.MethodPost, Path: "/reset-password", Handler: a.reset},
		{Method: http.MethodGet, Path: "/accept-invitation", Handler: a.acceptForm, Guard: page},
		{Method: http.MethodPost, Path: "/accept-invitation", Handler: a.accept, Guard: page},
		{Method: http.MethodPost, Path: "/logout", Handler: a.logout},
	}
}

// Handler builds the auth app server handler.
func (a *App) Handler(stack router.Stack) http.Handler {
	mux := http.NewServeMux()
	router.Mount(mux, a.Routes())
	return stack.Wrap(mux)
}

// nextURL keeps redirects on this app (relative paths) or on the client app.
func (a *App) nextURL(next string) string {
	switch {
	case next == "":
		return a.clientURL + "/"
	case strings.HasPrefix(next, "/") && !strings.HasPrefix(next, "//") && !strings.HasPrefix(next, "/\\"):
		return next
	case a.clientURL != "" && (next == a.clientURL || strings.HasPrefix(next, a.clientURL+"/")):
		return next
	default:
		return a.clientURL + "/"
	}
}

func parseForm(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return false
	}
	return true
}

func (a *App) allow(ctx context.Context, l *ratelimit.Limiter, key string) bool {
	if l == nil {
		return true
	}
	ok, err := l.Allow(ctx, key)
	if err != nil {
		a.logger.Warnw("rate limiter unavailable", "err", err)
		return true
	}
	return ok
}

func (a *App) home(w http.ResponseWriter, r *http.Request) {
	if a.auth.GetUser(r) != nil {
		http.Redirect(w, r, a.clientURL+"/", http.StatusSeeOther)
		return
	}
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

func (a *App) loginForm(w http.ResponseWriter, r *http.Request) {
	next := r.URL.Query().Get("next")
	if a.auth.GetUser(r) != nil {
		http.Redirect(w, r, a.nextURL(next), http.StatusSeeOther)
		return
	}
	p := view.Page{Title: "Sign in", Form: map[string]string{"next": next}}
	if r.URL.Query().Get("reset") == "1" {
		p.Notice = "Your password was updated. Sign in with the new one."
	}
	a.view.Render(w, http.StatusOK, "login", p)
}

func (a *App) login(w http.ResponseWriter, r *http.Request) {
	if !parseForm(w, r) {
		return
	}
	email, next := r.PostFormValue("email"), r.PostFormValue("next")
	form := map[string]string{"email": email, "next": next}
	key := a.limits.ClientIP(r) + "|" + strings.ToLower(strings.TrimSpace(email))
	if !a.allow(r.Context(), a.limits.Login, key) {
		a.view.Render(w, http.StatusTooManyRequests, "login", view.Page{Title: "Sign in", Form: form, Error: "Too many attempts, try again later."})
		return
	}
	challengeID, err := a.users.StartLogin(r.Context(), email, r.PostFormValue("password"))
	if err != nil {
		status, msg := a.userError("login", err)
		a.view.Render(w, status, "login", view.Page{Title: "Sign in", Form: form, Error: msg})
		return
	}
	q := url.Values{"challenge": {challengeID}}
	if next != "" {
		q.Set("next", next)
	}
	http.Redirect(w, r, "/verify?"+q.Encode(), http.StatusSeeOther)
}

func (a *App) verifyForm(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("challenge") == "" {
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}
	a.view.Render(w, http.StatusOK, "verify", view.Page{
		Title: "Check your email",
		Form:  map[string]string{"challenge": q.Get("challenge"), "next": q.Get("next")},
	})
}

func (a *App) verify(w http.ResponseWriter, r *http.Request) {
	if !parseForm(w, r) {
		return
	}
	challenge, next := r.PostFormValue("challenge"), r.PostFormValue("next")
	form := map[string]string{"challenge": challenge, "next": next}
	ip := a.limits.ClientIP(r)
	if !a.allow(r.Context(), a.limits.OTP, ip) {
		a.view.Render(w, http.StatusTooManyRequests, "verify", view.Page{Title: "Check your email", Form: form, Error: "Too many attempts, try again later."})
		return
	}
	u, err := a.users.VerifyLoginCode(r.Context(), challenge, strings.TrimSpace(r.PostFormValue("code")))
	if err != nil {
		status, msg := a.userError("verify code", err)
		if errors.Is(err, user.ErrTooManyAttempts) {
			a.view.Render(w, status, "login", view.Page{Title: "Sign in", Form: map[string]string{"next": next}, Error: msg})
			return
		}
		a.view.Render(w, status, "verify", view.Page{Title: "Check your email", Form: form, Error: msg})
		return
	}
	if !a.startSession(w, u) {
		return
	}
	if a.limits.OTP != nil {
		if err := a.limits.OTP.Reset(r.Context(), ip); err != nil {
			a.logger.Warnw("reset otp limiter failed", "err", err)
		}
	}
	http.Redirect(w, r, a.nextURL(next), http.StatusSeeOther)
}

func (a *App) startSession(w http.ResponseWriter, u *userentity.User) bool {
	if _, err := a.sessions.CreateSession(w, u.ID); err != nil {
		a.logger.Errorw("create session failed", "user_id", u.ID, "err", err)
		a.view.Error(w, http.StatusInternalServerError, "Could not sign you in, please try again.", nil)
		return false
	}
	return true
}

func (a *App) signupForm(w http.ResponseWriter, r *http.Request) {
	a.view.Render(w, http.StatusOK, "signup", view.Page{Title: "Create your account", Form: map[string]string{"next": r.URL.Query().Get("next")}})
}

func (a *App) signup(w http.ResponseWriter, r *http.Request) {
	if !parseForm(w, r) {
		return
	}
	name, email, next := r.PostFormValue("name"), r.PostFormValue("email"), r.PostFormValue("next")
	u, err := a.users.SignupUser(r.Context(), name, email, r.PostFormValue("password"))
	if err != nil {
		status, msg := a.userError("signup", err)
		a.view.Render(w, status, "signup", view.Page{
			Title: "Create your account",
			Form:  map[string]string{"name": name, "email": email, "next": next},
			Error: msg,
		})
		return
	}
	if !a.startSession(w, u) {
		return
	}
	http.Redirect(w, r, a.nextURL(next), http.StatusSeeOther)
}

func (a *App) forgotForm(w http.ResponseWriter, r *http.Request) {
	a.view.Render(w, http.StatusOK, "forgot_password", view.Page{Title: "Reset your password"})
}

// forgot shows the same notice whether or not the email exists.
func (a *App) forgot(w http.ResponseWriter, r *http.Request) {
	if !parseForm(w, r) {
		return
	}
	if !a.allow(r.Context(), a.limits.Forgot, a.limits.ClientIP(r)) {
		a.view.Render(w, http.StatusTooManyRequests, "forgot_password", view.Page{Title: "Reset your password", Error: "Too many attempts, try again later."})
		return
	}
	if err := a.users.ForgotPassword(r.Context(), r.PostFormValue("email")); err != nil {
		a.logger.Warnw("forgot password failed", "err", err)
	}
	a.view.Render(w, http.StatusOK, "forgot_password", view.Page{Title: "Reset your password", Notice: forgotNotice})
}

func (a *App) resetForm(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		a.view.Error(w, http.StatusBadRequest, "This reset link is incomplete.", nil)
		return
	}
	a.view.Render(w, http.StatusOK, "reset_password", view.Page{Title: "Choose a new password", Form: map[string]string{"token": token}})
}

func (a *App) reset(w http.ResponseWriter, r *http.Request) {
	if !parseForm(w, r) {
		return
	}
	token := r.PostFormValue("token")
	if err := a.users.ResetPassword(r.Context(), token, r.PostFormValue("password")); err != nil {
		status, msg := a.userError("reset password", err)
		a.view.Render(w, status, "reset_password", view.Page{Title: "Choose a new password", Form: map[string]string{"token": token}, Error: msg})
		return
	}
	http.Redirect(w, r, "/login?reset=1", http.StatusSeeOther)
}

func (a *App) acceptForm(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.FromContext(r.Context())
	token := r.URL.Query().Get("token")
	if token == "" {
		a.view.Error(w, http.StatusBadRequest, "This invitation link is incomplete.", p.User)
		return
	}
	a.view.Render(w, http.StatusOK, "accept_invitation", view.Page{Title: "Join the team", User: p.User, Form: map[string]string{"token": token}})
}

func (a *App) accept(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.FromContext(r.Context())
	if !parseForm(w, r) {
		return
	}
	m, err := a.invitations.AcceptInvitation(r.Context(), business.ActorOf(p), r.PostFormValue("token"))
	if err != nil {
		status, msg, ok := business.ErrorStatus(err)
		if !ok {
			a.logger.Errorw("accept invitation failed", "user_id", p.User.ID, "err", err)
		}
		a.view.Error(w, status, msg, p.User)
		return
	}
	http.Redirect(w, r, a.clientURL+"/business/"+url.PathEscape(m.BusinessID)+"/team", http.StatusSeeOther)
}

func (a *App) logout(w http.ResponseWriter, r *http.Request) {
	a.sessions.DeleteSession(w)
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

// userError maps user service errors to a status and a page message.
func (a *App) userError(op string, err error) (int, string) {
	var verr *user.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, verr.Msg
	case errors.Is(err, user.ErrBadCredentials):
		return http.StatusUnauthorized, "Email or password is incorrect."
	case errors.Is(err, user.ErrInvalidCode):
		return http.StatusUnauthorized, "That code is not valid or has expired."
	case errors.Is(err, user.ErrTooManyAttempts):
		return http.StatusTooManyRequests, "Too many wrong codes, sign in again."
	case errors.Is(err, user.ErrEmailTaken):
		return http.StatusConflict, "An account with this email already exists."
	case errors.Is(err, user.ErrInvalidResetToken):
		return http.StatusBadRequest, "This reset link is invalid or has expired."
	default:
		a.logger.Errorw(op+" failed", "err", err)
		return http.StatusInternalServerError, "Something went wrong, please try again."
	}
}
