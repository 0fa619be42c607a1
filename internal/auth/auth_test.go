package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apikeyentity "github.com/ovaphlow/pitchfork/service-exa/internal/apikey/entity"
	"github.com/ovaphlow/pitchfork/service-exa/internal/session"
	"github.com/ovaphlow/pitchfork/service-exa/internal/user"
	userentity "github.com/ovaphlow/pitchfork/service-exa/internal/user/entity"
)

type fakeUsers map[string]*userentity.User

func (f fakeUsers) GetUser(_ context.Context, id string) (*userentity.User, error) {
	if id == "broken" {
		return nil, errors.New("db down")
	}
	u, ok := f[id]
	if !ok {
		return nil, user.ErrUserNotFound
	}
	return u, nil
}

// fakeBusinesses maps user id to its businesses, oldest first.
type fakeBusinesses map[string][]string

func (f fakeBusinesses) ResolveBusiness(_ context.Context, userID, requested string) (string, error) {
	ids := f[userID]
	for _, id := range ids {
		if id == requested {
			return id, nil
		}
	}
	if len(ids) == 0 {
		return "", nil
	}
	return ids[0], nil
}

type fakeKeys map[string]*apikeyentity.APIKey

func (f fakeKeys) Verify(_ context.Context, secret string) (*apikeyentity.APIKey, error) {
	k, ok := f[secret]
	if !ok {
		return nil, apikeyentity.ErrInvalidKey
	}
	return k, nil
}

type authFixture struct {
	a        *Authenticator
	sessions *session.Manager
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	sm, err := session.NewManager(session.Config{Secret: "test-secret"})
	require.NoError(t, err)
	users := fakeUsers{
		"u1":    {ID: "u1", Name: "Ada", Email: "ada@example.com", Role: userentity.RoleUser},
		"admin": {ID: "admin", Name: "Root", Email: "root@example.com", Role: userentity.RoleAdmin},
	}
	businesses := fakeBusinesses{"u1": {"b-old", "b-new"}}
	keys := fakeKeys{
		"exa_abcd1234_secret": {ID: "k1", BusinessID: "b-new", CreatedBy: "u1"},
		"exa_ad000000_secret": {ID: "k2", BusinessID: "b-root", CreatedBy: "admin"},
	}
	a := NewAuthenticator(sm, users, businesses, keys, "https://auth.exa.test/login", zap.NewNop().Sugar())
	return &authFixture{a: a, sessions: sm}
}

func (f *authFixture) sessionCookie(t *testing.T, userID string) *http.Cookie {
	t.Helper()
	rr := httptest.NewRecorder()
	_, err := f.sessions.CreateSession(rr, userID)
	require.NoError(t, err)
	return rr.Result().Cookies()[0]
}

func TestResolve_Session(t *testing.T) {
	f := newAuthFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(f.sessionCookie(t, "u1"))
	res := f.a.Resolve(req)
	require.True(t, res.OK())
	assert.Equal(t, "u1", res.Principal.User.ID)
	assert.Equal(t, "b-old", res.Principal.BusinessID, "oldest membership by default")
	assert.Empty(t, res.Principal.APIKeyID)

	req.Header.Set(BusinessHeader, "b-new")
	assert.Equal(t, "b-new", f.a.Resolve(req).Principal.BusinessID)

	req.Header.Set(BusinessHeader, "someone-elses")
	assert.Equal(t, "b-old", f.a.Resolve(req).Principal.BusinessID)
}

func TestResolve_Unauthenticated(t *testing.T) {
	f := newAuthFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	res := f.a.Resolve(req)
	assert.Equal(t, Unauthenticated, res.Kind)
	assert.Equal(t, "session no_token", res.Reason)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: session.CookieName, Value: "not.a.token"})
	assert.Equal(t, "session invalid", f.a.Resolve(req).Reason)

	// deleted user, token still valid
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(f.sessionCookie(t, "gone"))
	res = f.a.Resolve(req)
	assert.Equal(t, Unauthenticated, res.Kind)
	assert.NoError(t, res.Err)
	assert.Nil(t, f.a.GetUser(req))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(f.sessionCookie(t, "broken"))
	res = f.a.Resolve(req)
	assert.False(t, res.OK())
	assert.Error(t, res.Err)
}

func TestResolve_APIKey(t *testing.T) {
	f := newAuthFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer exa_abcd1234_secret")
	req.Header.Set(BusinessHeader, "b-old")
	res := f.a.Resolve(req)
	require.True(t, res.OK())
	assert.Equal(t, "k1", res.Principal.APIKeyID)
	assert.Equal(t, "b-new", res.Principal.BusinessID, "api keys are pinned to their business")

	req.Header.Set("Authorization", "Bearer exa_abcd1234_wrong")
	res = f.a.Resolve(req)
	assert.Equal(t, Unauthenticated, res.Kind)
	assert.Equal(t, "invalid api key", res.Reason)
}

func TestResolveAdmin(t *testing.T) {
	f := newAuthFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(f.sessionCookie(t, "u1"))
	assert.Equal(t, Forbidden, f.a.ResolveAdmin(req).Kind)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(f.sessionCookie(t, "admin"))
	assert.Equal(t, Authenticated, f.a.ResolveAdmin(req).Kind)
}

func TestResolveSession_RejectsAPIKeys(t *testing.T) {
	f := newAuthFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(f.sessionCookie(t, "u1"))
	assert.Equal(t, Authenticated, f.a.ResolveSession(req).Kind)

	req = httptest.NewRequest(http.MethodPost, "/invitations/accept", nil)
	req.Header.Set("Authorization", "Bearer exa_abcd1234_secret")
	assert.Equal(t, Forbidden, f.a.ResolveSession(req).Kind)

	rr := httptest.NewRecorder()
	f.a.RequireSession(okHandler(t)).ServeHTTP(rr, req)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	// an admin's key is still not an admin session
	req = httptest.NewRequest(http.MethodGet, "/admin/users", nil)
	req.Header.Set("Authorization", "Bearer exa_ad000000_secret")
	assert.Equal(t, Forbidden, f.a.ResolveAdmin(req).Kind)
	rr = httptest.NewRecorder()
	f.a.RequireAdmin(okHandler(t)).ServeHTTP(rr, req)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func okHandler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := FromContext(r.Context())
		require.True(t, ok)
		_, _ = w.Write([]byte(p.User.ID))
	})
}

func TestAuthenticate(t *testing.T) {
	f := newAuthFixture(t)
	h := f.a.Authenticate(okHandler(t))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api-key", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.JSONEq(t, `{"success":false,"message":"Unauthorized"}`, rr.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/api-key", nil)
	req.AddCookie(f.sessionCookie(t, "u1"))
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "u1", rr.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/api-key", nil)
	req.AddCookie(f.sessionCookie(t, "broken"))
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestRequireUserAndAdmin(t *testing.T) {
	f := newAuthFixture(t)

	rr := httptest.NewRecorder()
	f.a.RequireUser(okHandler(t)).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/user/me", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.JSONEq(t, `{"message":"Unauthorized"}`, rr.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/admin/users", nil)
	req.AddCookie(f.sessionCookie(t, "u1"))
	rr = httptest.NewRecorder()
	f.a.RequireAdmin(okHandler(t)).ServeHTTP(rr, req)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/admin/users", nil)
	req.AddCookie(f.sessionCookie(t, "admin"))
	rr = httptest.NewRecorder()
	f.a.RequireAdmin(okHandler(t)).ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestPageSurface(t *testing.T) {
	f := newAuthFixture(t)

	rr := httptest.NewRecorder()
	f.a.RequireUserPage(okHandler(t)).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/dashboard?tab=keys", nil))
	assert.Equal(t, http.StatusSeeOther, rr.Code)
	assert.Equal(t, "https://auth.exa.test/login?next=%2Fdashboard%3Ftab%3Dkeys", rr.Header().Get("Location"))

	f.a.WithPublicURL("https://app.exa.test/")
	rr = httptest.NewRecorder()
	f.a.RequireUserPage(okHandler(t)).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/credits", nil))
	assert.Equal(t, "https://auth.exa.test/login?next=https%3A%2F%2Fapp.exa.test%2Fcredits", rr.Header().Get("Location"))

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.AddCookie(f.sessionCookie(t, "u1"))
	rr = httptest.NewRecorder()
	f.a.RequireAdminPage(okHandler(t)).ServeHTTP(rr, req)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestFromContext_Empty(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)
	_, ok = FromContext(WithPrincipal(context.Background(), nil))
	assert.False(t, ok)
}
