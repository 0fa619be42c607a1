// Package clientapp serves the signed-in pages: dashboard, team, API keys and
// credits. Every page requires a session; anonymous visitors are sent to the
// auth app.
package clientapp

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-exa/internal/apikey"
	apikeyentity "github.com/ovaphlow/pitchfork/service-exa/internal/apikey/entity"
	"github.com/ovaphlow/pitchfork/service-exa/internal/auth"
	"github.com/ovaphlow/pitchfork/service-exa/internal/business"
	bizentity "github.com/ovaphlow/pitchfork/service-exa/internal/business/entity"
	"github.com/ovaphlow/pitchfork/service-exa/internal/credit"
	creditentity "github.com/ovaphlow/pitchfork/service-exa/internal/credit/entity"
	"github.com/ovaphlow/pitchfork/service-exa/internal/router"
	"github.com/ovaphlow/pitchfork/service-exa/internal/session"
	"github.com/ovaphlow/pitchfork/service-exa/internal/web/view"
)

// BusinessCookie remembers the business picked on the dashboard.
const BusinessCookie = "exa-business"

type Businesses interface {
	ListMine(ctx context.Context, userID string) ([]bizentity.MemberBusiness, error)
	Create(ctx context.Context, userID, name string) (*bizentity.Business, error)
	Get(ctx context.Context, userID, id string) (*bizentity.Business, error)
	RoleOf(ctx context.Context, businessID, userID string) (string, error)
	Members(ctx context.Context, userID, id string) ([]bizentity.MemberView, error)
	Invitations(ctx context.Context, userID, id string) ([]bizentity.Invitation, error)
	Invite(ctx context.Context, actor business.Actor, id, email, role string) (*bizentity.Invitation, error)
	RevokeInvitation(ctx context.Context, userID, id, invitationID string) error
	RemoveMember(ctx context.Context, userID, id, targetUserID string) error
}

type Keys interface {
	Create(ctx context.Context, businessID, userID, name string) (*apikeyentity.Created, error)
	List(ctx context.Context, businessID string) ([]apikeyentity.APIKey, error)
	Revoke(ctx context.Context, businessID, id string) error
}

type Credits interface {
	Balance(ctx context.Context, businessID string) (*creditentity.Balance, error)
	History(ctx context.Context, businessID string, limit, offset int) ([]creditentity.Transaction, error)
	Purchase(ctx context.Context, userID, businessID string, amount int64, note string) (*creditentity.Transaction, error)
	Transfer(ctx context.Context, userID, fromID, toID string, amount int64, note string) (*creditentity.Transaction, error)
}

// notices are the flash messages a redirect may ask for with ?ok=.
var notices = map[string]string{
	"created":     "Business created.",
	"switched":    "Switched business.",
	"invited":     "Invitation sent.",
	"revoked":     "Invitation revoked.",
	"removed":     "Member removed.",
	"key-revoked": "API key revoked.",
	"purchased":   "Credits added.",
	"transferred": "Credits transferred.",
	"nobusiness":  "Create or join a business first.",
}

type App struct {
	businesses Businesses
	keys       Keys
	credits    Credits
	sessions   *session.Manager
	auth       *auth.Authenticator
	view       *view.Renderer
	secure     bool
	logger     *zap.SugaredLogger
}

type Deps struct {
	Businesses Businesses
	Keys       Keys
	Credits    Credits
	Sessions   *session.Manager
	Auth       *auth.Authenticator
	View       *view.Renderer
	// SecureCookies marks the business cookie Secure (production).
	SecureCookies bool
	Logger        *zap.SugaredLogger
}

func New(d Deps) *App {
	return &App{
		businesses: d.Businesses,
		keys:       d.Keys,
		credits:    d.Credits,
		sessions:   d.Sessions,
		auth:       d.Auth,
		view:       d.View,
		secure:     d.SecureCookies,
		logger:     d.Logger,
	}
}

// guard resolves the session with the business chosen on the dashboard.
func (a *App) guard(next http.Handler) http.Handler {
	return businessFromCookie(a.auth.RequireUserPage(next))
}

// businessFromCookie turns the exa-business cookie into the X-Business-ID
// header the authenticator understands. An explicit header wins.
func businessFromCookie(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(auth.BusinessHeader) == "" {
			if c, err := r.Cookie(BusinessCookie); err == nil && c.Value != "" {
				r = r.Clone(r.Context())
				r.Header.Set(auth.BusinessHeader, c.Value)
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (a *App) Routes() []router.Route {
	g := a.guard
	return []router.Route{
		{Method: http.MethodGet, Path: "/{$}", Handler: a.dashboard, Guard: g},
		{Method: http.MethodPost, Path: "/businesses", Handler: a.createBusiness, Guard: g},
		{Method: http.MethodPost, Path: "/switch-business", Handler: a.switchBusiness, Guard: g},
		{Method: http.MethodGet, Path: "/business/{id}/team", Handler: a.team, Guard: g},
		{Method: http.MethodPost, Path: "/business/{id}/invitations", Handler: a.invite, Guard: g},
		{Method: http.MethodPost, Path: "/business/{id}/invitations/{invitationId}/revoke", Handler: a.revokeInvitation, Guard: g},
		{Method: http.MethodPost, Path: "/business/{id}/members/{userId}/remove", Handler: a.removeMember, Guard: g},
		{Method: http.MethodGet, Path: "/api-keys", Handler: a.apiKeys, Guard: g},
		{Method: http.MethodPost, Path: "/api-keys", Handler: a.createKey, Guard: g},
		{Method: http.MethodPost, Path: "/api-keys/{id}/revoke", Handler: a.revokeKey, Guard: g},
		{Method: http.MethodGet, Path: "/credits", Handler: a.creditsPage, Guard: g},
		{Method: http.MethodPost, Path: "/credits/purchase", Handler: a.purchase, Guard: g},
		{Method: http.MethodPost, Path: "/credits/transfer", Handler: a.transfer, Guard: g},
		{Method: http.MethodPost, Path: "/logout", Handler: a.logout},
	}
}

// Handler builds the client app server handler.
func (a *App) Handler(stack router.Stack) http.Handler {
	mux := http.NewServeMux()
	router.Mount(mux, a.Routes())
	return stack.Wrap(mux)
}

func principal(r *http.Request) *auth.Principal {
	p, _ := auth.FromContext(r.Context())
	return p
}

func page(r *http.Request, title string, data any) view.Page {
	return view.Page{Title: title, User: principal(r).User, Notice: notices[r.URL.Query().Get("ok")], Data: data}
}

func parseForm(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return false
	}
	return true
}

func redirect(w http.ResponseWriter, r *http.Request, path, ok string) {
	if ok != "" {
		path += "?ok=" + ok
	}
	http.Redirect(w, r, path, http.StatusSeeOther)
}

// fail renders the error page for err. mapper is the ErrorStatus of the
// package err came from.
func (a *App) fail(w http.ResponseWriter, r *http.Request, op string, err error, mapper func(error) (int, string, bool)) {
	status, msg, ok := mapper(err)
	if !ok {
		a.logger.Errorw(op+" failed", "user_id", principal(r).User.ID, "err", err)
		msg = "Something went wrong, please try again."
	}
	a.view.Error(w, status, msg, principal(r).User)
}

type dashboardData struct {
	Businesses []bizentity.MemberBusiness
	CurrentID  string
	Balance    int64
	KeyCount   int
}

func (a *App) dashboard(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	list, err := a.businesses.ListMine(r.Context(), p.User.ID)
	if err != nil {
		a.fail(w, r, "list businesses", err, business.ErrorStatus)
		return
	}
	data := dashboardData{Businesses: list, CurrentID: p.BusinessID}
	if p.BusinessID != "" {
		b, err := a.credits.Balance(r.Context(), p.BusinessID)
		if err != nil {
			a.fail(w, r, "load balance", err, credit.ErrorStatus)
			return
		}
		keys, err := a.keys.List(r.Context(), p.BusinessID)
		if err != nil {
			a.fail(w, r, "list api keys", err, apikey.ErrorStatus)
			return
		}
		data.Balance = b.Balance
		for _, k := range keys {
			if !k.Revoked() {
				data.KeyCount++
			}
		}
	}
	a.view.Render(w, http.StatusOK, "dashboard", page(r, "Dashboard", data))
}

func (a *App) createBusiness(w http.ResponseWriter, r *http.Request) {
	if !parseForm(w, r) {
		return
	}
	b, err := a.businesses.Create(r.Context(), principal(r).User.ID, r.PostFormValue("name"))
	if err != nil {
		a.fail(w, r, "create business", err, business.ErrorStatus)
		return
	}
	a.setBusiness(w, b.ID)
	redirect(w, r, "/", "created")
}

func (a *App) switchBusiness(w http.ResponseWriter, r *http.Request) {
	if !parseForm(w, r) {
		return
	}
	id := r.PostFormValue("businessId")
	if _, err := a.businesses.RoleOf(r.Context(), id, principal(r).User.ID); err != nil {
		a.fail(w, r, "switch business", err, business.ErrorStatus)
		return
	}
	a.setBusiness(w, id)
	redirect(w, r, "/", "switched")
}

func (a *App) setBusiness(w http.ResponseWriter, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     BusinessCookie,
		Value:    id,
		Path:     "/",
		MaxAge:   int(session.DefaultTTL.Seconds()),
		HttpOnly: true,
		Secure:   a.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

type teamData struct {
	Business    *bizentity.Business
	Members     []bizentity.MemberView
	Invitations []bizentity.Invitation
	CanManage   bool
}

func (a *App) team(w http.ResponseWriter, r *http.Request) {
	ctx, userID, id := r.Context(), principal(r).User.ID, r.PathValue("id")
	b, err := a.businesses.Get(ctx, userID, id)
	if err != nil {
		a.fail(w, r, "load business", err, business.ErrorStatus)
		return
	}
	members, err := a.businesses.Members(ctx, userID, id)
	if err != nil {
		a.fail(w, r, "list members", err, business.ErrorStatus)
		return
	}
	role, err := a.businesses.RoleOf(ctx, id, userID)
	if err != nil {
		a.fail(w, r, "load role", err, business.ErrorStatus)
		return
	}
	data := teamData{Business: b, Members: members, CanManage: bizentity.CanManage(role)}
	if data.CanManage {
		if data.Invitations, err = a.businesses.Invitations(ctx, userID, id); err != nil {
			a.fail(w, r, "list invitations", err, business.ErrorStatus)
			return
		}
	}
	a.view.Render(w, http.StatusOK, "team", page(r, "Team", data))
}

func teamPath(id string) string { return "/business/" + id + "/team" }

func (a *App) invite(w http.ResponseWriter, r *http.Request) {
	if !parseForm(w, r) {
		return
	}
	id := r.PathValue("id")
	_, err := a.businesses.Invite(r.Context(), business.ActorOf(principal(r)), id, r.PostFormValue("email"), r.PostFormValue("role"))
	if err != nil {
		a.fail(w, r, "invite", err, business.ErrorStatus)
		return
	}
	redirect(w, r, teamPath(id), "invited")
}

func (a *App) revokeInvitation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.businesses.RevokeInvitation(r.Context(), principal(r).User.ID, id, r.PathValue("invitationId")); err != nil {
		a.fail(w, r, "revoke invitation", err, business.ErrorStatus)
		return
	}
	redirect(w, r, teamPath(id), "revoked")
}

func (a *App) removeMember(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.businesses.RemoveMember(r.Context(), principal(r).User.ID, id, r.PathValue("userId")); err != nil {
		a.fail(w, r, "remove member", err, business.ErrorStatus)
		return
	}
	redirect(w, r, teamPath(id), "removed")
}

type keysData struct {
	Keys      []apikeyentity.APIKey
	NewSecret string
}

// requireBusiness sends users without a business back to the dashboard.
func requireBusiness(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := principal(r).BusinessID
	if id == "" {
		redirect(w, r, "/", "nobusiness")
		return "", false
	}
	return id, true
}

func (a *App) renderKeys(w http.ResponseWriter, r *http.Request, businessID, secret string) {
	keys, err := a.keys.List(r.Context(), businessID)
	if err != nil {
		a.fail(w, r, "list api keys", err, apikey.ErrorStatus)
		return
	}
	a.view.Render(w, http.StatusOK, "api_keys", page(r, "API keys", keysData{Keys: keys, NewSecret: secret}))
}

func (a *App) apiKeys(w http.ResponseWriter, r *http.Request) {
	if id, ok := requireBusiness(w, r); ok {
		a.renderKeys(w, r, id, "")
	}
}

// createKey renders the list directly so the secret is shown exactly once
// and never travels in a URL.
func (a *App) createKey(w http.ResponseWriter, r *http.Request) {
	id, ok := requireBusiness(w, r)
	if !ok || !parseForm(w, r) {
		return
	}
	created, err := a.keys.Create(r.Context(), id, principal(r).User.ID, r.PostFormValue("name"))
	if err != nil {
		a.fail(w, r, "create api key", err, apikey.ErrorStatus)
		return
	}
	a.renderKeys(w, r, id, created.Secret)
}

func (a *App) revokeKey(w http.ResponseWriter, r *http.Request) {
	id, ok := requireBusiness(w, r)
	if !ok {
		return
	}
	if err := a.keys.Revoke(r.Context(), id, r.PathValue("id")); err != nil {
		a.fail(w, r, "revoke api key", err, apikey.ErrorStatus)
		return
	}
	redirect(w, r, "/api-keys", "key-revoked")
}

type creditsData struct {
	Balance int64
	History []creditentity.Transaction
}

func (a *App) creditsPage(w http.ResponseWriter, r *http.Request) {
	id, ok := requireBusiness(w, r)
	if !ok {
		return
	}
	b, err := a.credits.Balance(r.Context(), id)
	if err != nil {
		a.fail(w, r, "load balance", err, credit.ErrorStatus)
		return
	}
	history, err := a.credits.History(r.Context(), id, 50, 0)
	if err != nil {
		a.fail(w, r, "credit history", err, credit.ErrorStatus)
		return
	}
	a.view.Render(w, http.StatusOK, "credits", page(r, "Credits", creditsData{Balance: b.Balance, History: history}))
}

var errBadAmount = &credit.ValidationError{Msg: "amount must be a positive integer"}

func formAmount(r *http.Request) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(r.PostFormValue("amount")), 10, 64)
	if err != nil {
		return 0, errBadAmount
	}
	return n, nil
}

func (a *App) purchase(w http.ResponseWriter, r *http.Request) {
	id, ok := requireBusiness(w, r)
	if !ok || !parseForm(w, r) {
		return
	}
	amount, err := formAmount(r)
	if err == nil {
		_, err = a.credits.Purchase(r.Context(), principal(r).User.ID, id, amount, r.PostFormValue("note"))
	}
	if err != nil {
		a.fail(w, r, "purchase credits", err, credit.ErrorStatus)
		return
	}
	redirect(w, r, "/credits", "purchased")
}

func (a *App) transfer(w http.ResponseWriter, r *http.Request) {
	id, ok := requireBusiness(w, r)
	if !ok || !parseForm(w, r) {
		return
	}
	amount, err := formAmount(r)
	if err == nil {
		_, err = a.credits.Transfer(r.Context(), principal(r).User.ID, id, r.PostFormValue("toBusinessId"), amount, r.PostFormValue("note"))
	}
	if err != nil {
		if errors.Is(err, credit.ErrInsufficientCredits) {
			a.logger.Infow("transfer rejected", "business_id", id, "reason", "insufficient credits")
		}
		a.fail(w, r, "transfer credits", err, credit.ErrorStatus)
		return
	}
	redirect(w, r, "/credits", "transferred")
}

func (a *App) logout(w http.ResponseWriter, r *http.Request) {
	a.sessions.DeleteSession(w)
	http.SetCookie(w, &http.Cookie{Name: BusinessCookie, Value: "", Path: "/", MaxAge: -1, HttpOnly: true, Secure: a.secure, SameSite: http.SameSiteLaxMode})
	http.Redirect(w, r, a.auth.LoginURL(""), http.StatusSeeOther)
}
