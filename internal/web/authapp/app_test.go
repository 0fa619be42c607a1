package authapp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

const clientURL = "https://app.exa.test"

// fakeUsers knows one account (ada@example.com / correct-horse) whose login
// code is always 123456.
type fakeUsers struct {
	users       map[string]*userentity.User
	forgotCalls []string
	resetToken  string
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{
		users:      map[string]*userentity.User{"u1": {ID: "u1", Name: "Ada", Email: "ada@example.com"}},
		resetToken: "good-token",
	}
}

func (f *fakeUsers) SignupUser(_ context.Context, name, email, password string) (*userentity.User, error) {
	if len(password) < 8 {
		return nil, &user.ValidationError{Msg: "password must be at least 8 characters"}
	}
	for _, u := range f.users {
		if u.Email == email {
			return nil, user.ErrEmailTaken
		}
	}
	u := &userentity.User{ID: "u2", Name: name, Email: email}
	f.users[u.ID] = u
	return u, nil
}

func (f *fakeUsers) StartLogin(_ context.Context, email, password string) (string, error) {
	if email != "ada@example.com" || password != "correct-horse" {
		return "", user.ErrBadCredentials
	}
	return "c1", nil
}

func (f *fakeUsers) VerifyLoginCode(_ context.Context, challengeID, code string) (*userentity.User, error) {
	switch {
	case challengeID == "burnt":
		return nil, user.ErrTooManyAttempts
	case challengeID != "c1" || code != "123456":
		return nil, user.ErrInvalidCode
	}
	return f.users["u1"], nil
}

func (f *fakeUsers) ForgotPassword(_ context.Context, email string) error {
	f.forgotCalls = append(f.forgotCalls, email)
	return nil
}

func (f *fakeUsers) ResetPassword(_ context.Context, token, _ string) error {
	if token != f.resetToken {
		return user.ErrInvalidResetToken
	}
	return nil
}

func (f *fakeUsers) GetUser(_ context.Context, id string) (*userentity.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, user.ErrUserNotFound
	}
	return u, nil
}

type noBusiness struct{}

func (noBusiness) ResolveBusiness(context.Context, string, string) (string, error) { return "", nil }

type fakeInvitations struct{}

func (fakeInvitations) AcceptInvitation(_ context.Context, actor business.Actor, token string) (*bizentity.TeamMember, error) {
	switch {
	case token == "other-email":
		return nil, business.ErrEmailMismatch
	case token != "inv":
		return nil, business.ErrInvalidInvitation
	}
	return &bizentity.TeamMember{ID: "m1", BusinessID: "b1", UserID: actor.ID, Role: "member"}, nil
}

type fixture struct {
	handler  http.Handler
	app      *App
	users    *fakeUsers
	sessions *session.Manager
}

func newFixture(t *testing.T, limits user.Limits) *fixture {
	t.Helper()
	log := zap.NewNop().Sugar()
	sm, err := session.NewManager(session.Config{Secret: "authapp-secret"})
	require.NoError(t, err)
	users := newFakeUsers()
	renderer, err := view.New(log)
	require.NoError(t, err)
	app := New(Deps{
		Users:       users,
		Invitations: fakeInvitations{},
		Sessions:    sm,
		Auth:        auth.NewAuthenticator(sm, users, noBusiness{}, nil, "https://auth.exa.test/login", log),
		View:        renderer,
		Limits:      limits,
		ClientURL:   clientURL + "/",
		Logger:      log,
	})
	return &fixture{handler: app.Handler(router.Stack{Logger: log}), app: app, users: users, sessions: sm}
}

func (f *fixture) post(path string, form url.Values, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func (f *fixture) get(path string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func (f *fixture) sessionCookie(t *testing.T, userID string) *http.Cookie {
	t.Helper()
	rr := httptest.NewRecorder()
	_, err := f.sessions.CreateSession(rr, userID)
	require.NoError(t, err)
	return rr.Result().Cookies()[0]
}

func cookieNamed(rr *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rr.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestLoginAndVerify(t *testing.T) {
	f := newFixture(t, user.Limits{})

	rr := f.post("/login", url.Values{"email": {"ada@example.com"}, "password": {"correct-horse"}, "next": {clientURL + "/credits"}})
	require.Equal(t, http.StatusSeeOther, rr.Code)
	loc, err := url.Parse(rr.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/verify", loc.Path)
	assert.Equal(t, "c1", loc.Query().Get("challenge"))
	assert.Nil(t, cookieNamed(rr, session.CookieName), "no session before the code is verified")

	rr = f.get(loc.String())
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `value="c1"`)

	rr = f.post("/verify", url.Values{"challenge": {"c1"}, "code": {"000000"}})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Body.String(), "not valid or has expired")

	rr = f.post("/verify", url.Values{"challenge": {"c1"}, "code": {" 123456 "}, "next": {clientURL + "/credits"}})
	require.Equal(t, http.StatusSeeOther, rr.Code)
	assert.Equal(t, clientURL+"/credits", rr.Header().Get("Location"))
	c := cookieNamed(rr, session.CookieName)
	require.NotNil(t, c)
	assert.True(t, c.HttpOnly)
	p, err := f.sessions.VerifyToken(c.Value)
	require.NoError(t, err)
	assert.Equal(t, "u1", p.UserID)

	rr = f.post("/verify", url.Values{"challenge": {"burnt"}, "code": {"123456"}})
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Contains(t, rr.Body.String(), `action="/login"`)
}

func TestLogin_BadCredentials(t *testing.T) {
	f := newFixture(t, user.Limits{})
	rr := f.post("/login", url.Values{"email": {"ada@example.com"}, "password": {"nope"}})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Body.String(), "Email or password is incorrect.")
	assert.Contains(t, rr.Body.String(), `value="ada@example.com"`)
}

func TestLogin_RateLimited(t *testing.T) {
	store := ratelimit.NewMemoryStore(0)
	defer store.Close()
	f := newFixture(t, user.Limits{Login: ratelimit.New(store, "login", 2, time.Minute)})

	form := url.Values{"email": {"ada@example.com"}, "password": {"nope"}}
	assert.Equal(t, http.StatusUnauthorized, f.post("/login", form).Code)
	assert.Equal(t, http.StatusUnauthorized, f.post("/login", form).Code)
	assert.Equal(t, http.StatusTooManyRequests, f.post("/login", form).Code)
}

func TestLoginForm_SignedInRedirects(t *testing.T) {
	f := newFixture(t, user.Limits{})
	rr := f.get("/login", f.sessionCookie(t, "u1"))
	assert.Equal(t, http.StatusSeeOther, rr.Code)
	assert.Equal(t, clientURL+"/", rr.Header().Get("Location"))

	rr = f.get("/login?reset=1")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "password was updated")

	rr = f.get("/")
	assert.Equal(t, "/login", rr.Header().Get("Location"))
}

func TestNextURL(t *testing.T) {
	f := newFixture(t, user.Limits{})
	tests := map[string]string{
		"":                              clientURL + "/",
		"/accept-invitation?token=inv":  "/accept-invitation?token=inv",
		"//evil.example/x":              clientURL + "/",
		"/\\evil.example":               clientURL + "/",
		clientURL + "/api-keys":         clientURL + "/api-keys",
		clientURL + ".evil.example/x":   clientURL + "/",
		"https://evil.example/phish":    clientURL + "/",
		"javascript:alert(document.co)": clientURL + "/",
	}
	for in, want := range tests {
		assert.Equal(t, want, f.app.nextURL(in), in)
	}
}

func TestSignup(t *testing.T) {
	f := newFixture(t, user.Limits{})

	rr := f.post("/signup", url.Values{"name": {"Bob"}, "email": {"bob@example.com"}, "password": {"long-enough"}})
	require.Equal(t, http.StatusSeeOther, rr.Code)
	assert.NotNil(t, cookieNamed(rr, session.CookieName))

	rr = f.post("/signup", url.Values{"name": {"Ada"}, "email": {"ada@example.com"}, "password": {"long-enough"}})
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Contains(t, rr.Body.String(), "already exists")

	rr = f.post("/signup", url.Values{"name": {"Eve"}, "email": {"eve@example.com"}, "password": {"short"}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "at least 8 characters")
}

func TestForgotPassword_NoEnumeration(t *testing.T) {
	f := newFixture(t, user.Limits{})
	known := f.post("/forgot-password", url.Values{"email": {"ada@example.com"}})
	unknown := f.post("/forgot-password", url.Values{"email": {"nobody@example.com"}})

	assert.Equal(t, http.StatusOK, known.Code)
	assert.Equal(t, known.Code, unknown.Code)
	assert.Equal(t, known.Body.String(), unknown.Body.String())
	assert.Len(t, f.users.forgotCalls, 2)
}

func TestResetPassword(t *testing.T) {
	f := newFixture(t, user.Limits{})

	assert.Equal(t, http.StatusBadRequest, f.get("/reset-password").Code)
	rr := f.get("/reset-password?token=good-token")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `value="good-token"`)

	rr = f.post("/reset-password", url.Values{"token": {"stale"}, "password": {"new-password"}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "invalid or has expired")

	rr = f.post("/reset-password", url.Values{"token": {"good-token"}, "password": {"new-password"}})
	assert.Equal(t, http.StatusSeeOther, rr.Code)
	assert.Equal(t, "/login?reset=1", rr.Header().Get("Location"))
}

func TestAcceptInvitation(t *testing.T) {
	f := newFixture(t, user.Limits{})

	rr := f.get("/accept-invitation?token=inv")
	require.Equal(t, http.StatusSeeOther, rr.Code)
	assert.Equal(t, "https://auth.exa.test/login?next="+url.QueryEscape("/accept-invitation?token=inv"), rr.Header().Get("Location"))

	cookie := f.sessionCookie(t, "u1")
	rr = f.get("/accept-invitation?token=inv", cookie)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "ada@example.com")

	rr = f.post("/accept-invitation", url.Values{"token": {"inv"}}, cookie)
	require.Equal(t, http.StatusSeeOther, rr.Code)
	assert.Equal(t, clientURL+"/business/b1/team", rr.Header().Get("Location"))

	rr = f.post("/accept-invitation", url.Values{"token": {"other-email"}}, cookie)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Contains(t, rr.Body.String(), "different email")

	rr = f.post("/accept-invitation", url.Values{"token": {"expired"}}, cookie)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestLogout(t *testing.T) {
	f := newFixture(t, user.Limits{})
	rr := f.post("/logout", nil, f.sessionCookie(t, "u1"))
	assert.Equal(t, http.StatusSeeOther, rr.Code)
	c := cookieNamed(rr, session.CookieName)
	require.NotNil(t, c)
	assert.Equal(t, -1, c.MaxAge)
}
