// Package auth turns a request into an authentication Result and provides the
// middleware that guards API routes and front-end pages.
//
// A request is authenticated by an "exa_" API key in the Authorization header,
// or by a session token (Authorization bearer or the exa-session cookie). The
// same Result feeds both surfaces: API middleware answers 401/403 JSON, page
// middleware redirects to the login page.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	apikeyentity "github.com/ovaphlow/pitchfork/service-exa/internal/apikey/entity"
	"github.com/ovaphlow/pitchfork/service-exa/internal/session"
	"github.com/ovaphlow/pitchfork/service-exa/internal/user"
	userentity "github.com/ovaphlow/pitchfork/service-exa/internal/user/entity"
)

// BusinessHeader selects which of the user's businesses a request acts on.
const BusinessHeader = "X-Business-ID"

// Kind classifies a request.
type Kind int

const (
	Unauthenticated Kind = iota
	Authenticated
	Forbidden
)

func (k Kind) String() string {
	switch k {
	case Authenticated:
		return "authenticated"
	case Forbidden:
		return "forbidden"
	default:
		return "unauthenticated"
	}
}

// Principal is the caller of an authenticated request.
type Principal struct {
	User       *userentity.User
	BusinessID string
	// APIKeyID is set when the request carried an API key instead of a session.
	APIKeyID string
}

// Result is what Resolve concluded about a request. Err is set when the answer
// could not be determined (e.g. the database is down).
type Result struct {
	Kind      Kind
	Principal *Principal
	Reason    string
	Err       error
}

// ViaAPIKey reports whether the principal authenticated with an API key.
func (p *Principal) ViaAPIKey() bool { return p.APIKeyID != "" }

func (r Result) OK() bool { return r.Kind == Authenticated }

type UserLoader interface {
	GetUser(ctx context.Context, id string) (*userentity.User, error)
}

type BusinessResolver interface {
	ResolveBusiness(ctx context.Context, userID, requested string) (string, error)
}

type APIKeyVerifier interface {
	Verify(ctx context.Context, secret string) (*apikeyentity.APIKey, error)
}

// Authenticator resolves requests. keys may be nil on surfaces that only
// accept sessions (the front-end apps).
type Authenticator struct {
	sessions   *session.Manager
	users      UserLoader
	businesses BusinessResolver
	keys       APIKeyVerifier
	loginURL   string
	// publicURL prefixes the next parameter of login redirects when the
	// login page lives on another origin.
	publicURL string
	logger    *zap.SugaredLogger
}

func NewAuthenticator(sessions *session.Manager, users UserLoader, businesses BusinessResolver, keys APIKeyVerifier, loginURL string, logger *zap.SugaredLogger) *Authenticator {
	return &Authenticator{
		sessions:   sessions,
		users:      users,
		businesses: businesses,
		keys:       keys,
		loginURL:   loginURL,
		logger:     logger,
	}
}

// WithPublicURL makes page redirects send an absolute next URL under u.
func (a *Authenticator) WithPublicURL(u string) *Authenticator {
	a.publicURL = strings.TrimRight(u, "/")
	return a
}

func unauthenticated(reason string) Result {
	return Result{Kind: Unauthenticated, Reason: reason}
}

// Resolve authenticates r without writing anything.
func (a *Authenticator) Resolve(r *http.Request) Result {
	ctx := r.Context()
	if token, ok := session.BearerToken(r); ok && strings.HasPrefix(token, apikeyentity.SecretPrefix) && a.keys != nil {
		return a.resolveAPIKey(ctx, token)
	}

	l := a.sessions.FromRequest(r)
	if !l.OK() {
		return unauthenticated("session " + l.Status.String())
	}
	u, res := a.loadUser(ctx, l.Payload.UserID)
	if u == nil {
		return res
	}
	businessID, err := a.businesses.ResolveBusiness(ctx, u.ID, strings.TrimSpace(r.Header.Get(BusinessHeader)))
	if err != nil {
		return Result{Kind: Unauthenticated, Reason: "resolve business", Err: err}
	}
	return Result{Kind: Authenticated, Principal: &Principal{User: u, BusinessID: businessID}}
}

func (a *Authenticator) resolveAPIKey(ctx context.Context, secret string) Result {
	key, err := a.keys.Verify(ctx, secret)
	if err != nil {
		if errors.Is(err, apikeyentity.ErrInvalidKey) {
			return unauthenticated("invalid api key")
		}
		return Result{Kind: Unauthenticated, Reason: "verify api key", Err: err}
	}
	u, res := a.loadUser(ctx, key.CreatedBy)
	if u == nil {
		return res
	}
	return Result{Kind: Authenticated, Principal: &Principal{User: u, BusinessID: key.BusinessID, APIKeyID: key.ID}}
}

// loadUser returns the user, or nil and the Result to report. A token whose
// user has been deleted does not authenticate.
func (a *Authenticator) loadUser(ctx context.Context, id string) (*userentity.User, Result) {
	u, err := a.users.GetUser(ctx, id)
	if err != nil {
		if errors.Is(err, user.ErrUserNotFound) {
			return nil, unauthenticated("user not found")
		}
		return nil, Result{Kind: Unauthenticated, Reason: "load user", Err: err}
	}
	return u, Result{}
}

// ResolveSession is Resolve for routes that act on the account itself rather
// than on one business. API keys are Forbidden there.
func (a *Authenticator) ResolveSession(r *http.Request) Result {
	res := a.Resolve(r)
	if res.OK() && res.Principal.ViaAPIKey() {
		return Result{Kind: Forbidden, Principal: res.Principal, Reason: "session required"}
	}
	return res
}

// ResolveAdmin is ResolveSession plus the platform admin check.
func (a *Authenticator) ResolveAdmin(r *http.Request) Result {
	res := a.ResolveSession(r)
	if res.OK() && !res.Principal.User.IsAdmin() {
		return Result{Kind: Forbidden, Principal: res.Principal, Reason: "admin role required"}
	}
	return res
}

// GetUser returns the signed-in user or nil.
func (a *Authenticator) GetUser(r *http.Request) *userentity.User {
	res := a.Resolve(r)
	if !res.OK() {
		return nil
	}
	return res.Principal.User
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext returns the principal attached by the middleware.
func FromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(*Principal)
	return p, ok && p != nil
}
