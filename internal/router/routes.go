// Package router holds the route tables and the HTTP middleware shared by
// the api, auth and client apps.
package router

import (
	"net/http"

	"github.com/ovaphlow/pitchfork/service-exa/internal/admin"
	"github.com/ovaphlow/pitchfork/service-exa/internal/apikey"
	"github.com/ovaphlow/pitchfork/service-exa/internal/auth"
	"github.com/ovaphlow/pitchfork/service-exa/internal/business"
	"github.com/ovaphlow/pitchfork/service-exa/internal/credit"
	"github.com/ovaphlow/pitchfork/service-exa/internal/user"
)

// Route is one line of a route table.
type Route struct {
	Method  string
	Path    string
	Handler http.HandlerFunc
	// Guard wraps Handler, e.g. auth.Authenticate. nil means public.
	Guard func(http.Handler) http.Handler
}

func (rt Route) Pattern() string { return rt.Method + " " + rt.Path }

// Mount registers routes on mux.
func Mount(mux *http.ServeMux, routes []Route) {
	for _, rt := range routes {
		var h http.Handler = rt.Handler
		if rt.Guard != nil {
			h = rt.Guard(h)
		}
		mux.Handle(rt.Pattern(), h)
	}
}

// API bundles the controllers served by cmd/api.
type API struct {
	Auth       *auth.Authenticator
	Users      *user.Handler
	APIKeys    *apikey.Handler
	Businesses *business.Handler
	Credits    *credit.Handler
	Admin      *admin.Handler
}

// Routes is the API route table.
func (a API) Routes() []Route {
	authed := a.Auth.Authenticate
	sessionOnly := a.Auth.RequireSession
	adminOnly := a.Auth.RequireAdmin
	return []Route{
		{Method: http.MethodPost, Path: "/auth/signup", Handler: a.Users.Signup},
		{Method: http.MethodPost, Path: "/auth/login", Handler: a.Users.Login},
		{Method: http.MethodPost, Path: "/auth/verify-otp", Handler: a.Users.VerifyOTP},
		{Method: http.MethodPost, Path: "/auth/logout", Handler: a.Users.Logout},
		{Method: http.MethodPost, Path: "/auth/forgot-password", Handler: a.Users.ForgotPassword},
		{Method: http.MethodPost, Path: "/auth/reset-password", Handler: a.Users.ResetPassword},
		// getMe and deleteUser answer 401 themselves with the {message} shape
		{Method: http.MethodGet, Path: "/user/me", Handler: a.Users.Me},
		{Method: http.MethodDelete, Path: "/user/me", Handler: a.Users.DeleteMe},

		{Method: http.MethodPost, Path: "/api-key", Handler: a.APIKeys.Create, Guard: authed},
		{Method: http.MethodGet, Path: "/api-key", Handler: a.APIKeys.List, Guard: authed},
		{Method: http.MethodGet, Path: "/api-key/{id}", Handler: a.APIKeys.Get, Guard: authed},
		{Method: http.MethodPut, Path: "/api-key/{id}", Handler: a.APIKeys.Update, Guard: authed},
		{Method: http.MethodDelete, Path: "/api-key/{id}", Handler: a.APIKeys.Delete, Guard: authed},
		{Method: http.MethodGet, Path: "/api-key/{id}/secret", Handler: a.APIKeys.GetSecret, Guard: authed},

		{Method: http.MethodPost, Path: "/business", Handler: a.Businesses.Create, Guard: authed},
		{Method: http.MethodGet, Path: "/business", Handler: a.Businesses.List, Guard: authed},
		{Method: http.MethodGet, Path: "/business/{id}", Handler: a.Businesses.Get, Guard: authed},
		{Method: http.MethodPut, Path: "/business/{id}", Handler: a.Businesses.Update, Guard: authed},
		{Method: http.MethodDelete, Path: "/business/{id}", Handler: a.Businesses.Delete, Guard: authed},
		{Method: http.MethodGet, Path: "/business/{id}/members", Handler: a.Businesses.Members, Guard: authed},
		{Method: http.MethodPut, Path: "/business/{id}/members/{userId}", Handler: a.Businesses.UpdateMember, Guard: authed},
		{Method: http.MethodDelete, Path: "/business/{id}/members/{userId}", Handler: a.Businesses.RemoveMember, Guard: authed},
		{Method: http.MethodPost, Path: "/business/{id}/invitations", Handler: a.Businesses.Invite, Guard: authed},
		{Method: http.MethodGet, Path: "/business/{id}/invitations", Handler: a.Businesses.Invitations, Guard: authed},
		{Method: http.MethodDelete, Path: "/business/{id}/invitations/{invitationId}", Handler: a.Businesses.RevokeInvitation, Guard: authed},
		{Method: http.MethodPost, Path: "/invitations/accept", Handler: a.Businesses.AcceptInvitation, Guard: sessionOnly},

		{Method: http.MethodGet, Path: "/credit", Handler: a.Credits.Balance, Guard: authed},
		{Method: http.MethodGet, Path: "/credit/history", Handler: a.Credits.History, Guard: authed},
		{Method: http.MethodPost, Path: "/credit/purchase", Handler: a.Credits.Purchase, Guard: authed},
		{Method: http.MethodPost, Path: "/credit/transfer", Handler: a.Credits.Transfer, Guard: authed},

		{Method: http.MethodGet, Path: "/admin/users", Handler: a.Admin.ListUsers, Guard: adminOnly},
		{Method: http.MethodPut, Path: "/admin/users/{id}/role", Handler: a.Admin.SetRole, Guard: adminOnly},
		{Method: http.MethodDelete, Path: "/admin/users/{id}", Handler: a.Admin.DeleteUser, Guard: adminOnly},
	}
}

// RegisterRoutes builds the API server handler.
func RegisterRoutes(a API, stack Stack) http.Handler {
	mux := http.NewServeMux()
	Mount(mux, a.Routes())
	return stack.Wrap(mux)
}
