package auth

import (
	"net/http"
	"net/url"

	"github.com/ovaphlow/pitchfork/service-exa/pkg/response"
)

type resolver func(*http.Request) Result

func (a *Authenticator) guard(resolve resolver, deny func(http.ResponseWriter, *http.Request, Result), next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := resolve(r)
		if res.Err != nil {
			a.logger.Errorw("authentication failed", "reason", res.Reason, "path", r.URL.Path, "err", res.Err)
		}
		if !res.OK() {
			a.logger.Debugw("request denied", "kind", res.Kind.String(), "reason", res.Reason, "path", r.URL.Path)
			deny(w, r, res)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), res.Principal)))
	})
}

func denyEnvelope(w http.ResponseWriter, _ *http.Request, res Result) {
	switch {
	case res.Err != nil:
		response.Fail(w, http.StatusInternalServerError, "Internal server error")
	case res.Kind == Forbidden:
		response.Fail(w, http.StatusForbidden, "Forbidden")
	default:
		response.Fail(w, http.StatusUnauthorized, "Unauthorized")
	}
}

func denyMessage(w http.ResponseWriter, _ *http.Request, res Result) {
	switch {
	case res.Err != nil:
		response.Message(w, http.StatusInternalServerError, "Internal server error")
	case res.Kind == Forbidden:
		response.Message(w, http.StatusForbidden, "Forbidden")
	default:
		response.Message(w, http.StatusUnauthorized, "Unauthorized")
	}
}

func (a *Authenticator) denyPage(w http.ResponseWriter, r *http.Request, res Result) {
	switch {
	case res.Err != nil:
		http.Error(w, "Something went wrong, please try again.", http.StatusInternalServerError)
	case res.Kind == Forbidden:
		http.Error(w, "You do not have access to this page.", http.StatusForbidden)
	default:
		http.Redirect(w, r, a.LoginURL(a.publicURL+r.URL.RequestURI()), http.StatusSeeOther)
	}
}

// LoginURL is the auth app's login page, remembering where to come back to.
func (a *Authenticator) LoginURL(next string) string {
	if next == "" {
		return a.loginURL
	}
	return a.loginURL + "?next=" + url.QueryEscape(next)
}

// Authenticate attaches the principal to the request context or answers 401
// with the {success, message} envelope.
func (a *Authenticator) Authenticate(next http.Handler) http.Handler {
	return a.guard(a.Resolve, denyEnvelope, next)
}

// RequireUser is Authenticate for routes answering the {message} shape.
func (a *Authenticator) RequireUser(next http.Handler) http.Handler {
	return a.guard(a.Resolve, denyMessage, next)
}

// RequireSession is Authenticate for routes an API key must not reach (403).
func (a *Authenticator) RequireSession(next http.Handler) http.Handler {
	return a.guard(a.ResolveSession, denyEnvelope, next)
}

// RequireAdmin answers 401 without a user and 403 for non-admins.
func (a *Authenticator) RequireAdmin(next http.Handler) http.Handler {
	return a.guard(a.ResolveAdmin, denyEnvelope, next)
}

// RequireUserPage redirects anonymous visitors to the login page.
func (a *Authenticator) RequireUserPage(next http.Handler) http.Handler {
	return a.guard(a.Resolve, a.denyPage, next)
}

func (a *Authenticator) RequireAdminPage(next http.Handler) http.Handler {
	return a.guard(a.ResolveAdmin, a.denyPage, next)
}
