package user

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ovaphlow/pitchfork/service-exa/internal/ratelimit"
	"github.com/ovaphlow/pitchfork/service-exa/internal/session"
)

type handlerFixture struct {
	*fixture
	h        *Handler
	sessions *session.Manager
}

func newHandlerFixture(t *testing.T, limits Limits) *handlerFixture {
	t.Helper()
	f := newFixture(t)
	sm, err := session.NewManager(session.Config{Secret: "test-secret"})
	require.NoError(t, err)
	return &handlerFixture{fixture: f, sessions: sm, h: NewHandler(f.svc, sm, limits, zap.NewNop().Sugar())}
}

func doJSON(h http.HandlerFunc, method, path, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rr := httptest.NewRecorder()
	h(rr, req)
	return rr
}

func sessionCookie(t *testing.T, rr *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rr.Result().Cookies() {
		if c.Name == session.CookieName {
			return c
		}
	}
	t.Fatalf("no %s cookie set", session.CookieName)
	return nil
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}

func (f *handlerFixture) signup(t *testing.T) *http.Cookie {
	t.Helper()
	rr := doJSON(f.h.Signup, http.MethodPost, "/auth/signup", `{"name":"Ada","email":"ada@example.com","password":"password123"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return sessionCookie(t, rr)
}

func TestHandler_Signup(t *testing.T) {
	f := newHandlerFixture(t, Limits{})
	c := f.signup(t)
	assert.True(t, c.HttpOnly)

	rr := doJSON(f.h.Signup, http.MethodPost, "/auth/signup", `{"name":"Ada","email":"ada@example.com","password":"password123"}`)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = doJSON(f.h.Signup, http.MethodPost, "/auth/signup", `{"name":"Ada","email":"bad","password":"password123"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(f.h.Signup, http.MethodPost, "/auth/signup", `{"unknown":true}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(f.h.Signup, http.MethodPost, "/auth/signup", `{"name":"Bo","email":"bo@example.com","password":"`+strings.Repeat("x", 73)+`"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandler_LoginAndVerify(t *testing.T) {
	f := newHandlerFixture(t, Limits{})
	f.signup(t)

	rr := doJSON(f.h.Login, http.MethodPost, "/auth/login", `{"email":"ada@example.com","password":"nope"}`)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = doJSON(f.h.Login, http.MethodPost, "/auth/login", `{"email":"ada@example.com","password":"password123"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, rr.Result().Cookies(), "no session before the code is verified")
	challengeID := decodeBody(t, rr)["challengeId"].(string)
	require.NotEmpty(t, challengeID)
	code := codeFrom(t, f.mail.sent[0])

	rr = doJSON(f.h.VerifyOTP, http.MethodPost, "/auth/verify-otp", `{"challengeId":"`+challengeID+`","code":"999999x"}`)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = doJSON(f.h.VerifyOTP, http.MethodPost, "/auth/verify-otp", `{"challengeId":"`+challengeID+`","code":"`+code+`"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	c := sessionCookie(t, rr)
	user := decodeBody(t, rr)["user"].(map[string]any)
	assert.Equal(t, "ada@example.com", user["email"])

	rr = doJSON(f.h.Me, http.MethodGet, "/user/me", "", c)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestHandler_LoginRateLimited(t *testing.T) {
	store := ratelimit.NewMemoryStore(0)
	defer store.Close()
	f := newHandlerFixture(t, Limits{Login: ratelimit.New(store, "login", 2, time.Minute)})
	f.signup(t)

	body := `{"email":"ada@example.com","password":"nope"}`
	assert.Equal(t, http.StatusUnauthorized, doJSON(f.h.Login, http.MethodPost, "/auth/login", body).Code)
	assert.Equal(t, http.StatusUnauthorized, doJSON(f.h.Login, http.MethodPost, "/auth/login", body).Code)
	assert.Equal(t, http.StatusTooManyRequests, doJSON(f.h.Login, http.MethodPost, "/auth/login", body).Code)
}

func TestHandler_LoginRateLimited_RotatingForwardedFor(t *testing.T) {
	store := ratelimit.NewMemoryStore(0)
	defer store.Close()
	f := newHandlerFixture(t, Limits{Login: ratelimit.New(store, "login", 3, time.Minute)})
	f.signup(t)

	var codes []int
	for i := 0; i < 6; i++ {
		req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"email":"ada@example.com","password":"nope"}`))
		req.RemoteAddr = "198.51.100.9:4000"
		req.Header.Set("X-Forwarded-For", "203.0.113."+string(rune('1'+i)))
		rr := httptest.NewRecorder()
		f.h.Login(rr, req)
		codes = append(codes, rr.Code)
	}
	assert.Equal(t, []int{401, 401, 401, 429, 429, 429}, codes)
}

// resetFailsStore counts hits but cannot reset.
type resetFailsStore struct{ n int64 }

func (s *resetFailsStore) Hit(context.Context, string, time.Duration) (int64, error) {
	s.n++
	return s.n, nil
}

func (s *resetFailsStore) Reset(context.Context, string) error { return errors.New("redis down") }

func TestHandler_VerifyOTP_LogsLimiterResetFailure(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	f := newHandlerFixture(t, Limits{})
	f.h = NewHandler(f.svc, f.sessions, Limits{OTP: ratelimit.New(&resetFailsStore{}, "otp", 10, time.Minute)}, zap.New(core).Sugar())
	f.signup(t)

	rr := doJSON(f.h.Login, http.MethodPost, "/auth/login", `{"email":"ada@example.com","password":"password123"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	challengeID := decodeBody(t, rr)["challengeId"].(string)
	code := codeFrom(t, f.mail.sent[0])

	rr = doJSON(f.h.VerifyOTP, http.MethodPost, "/auth/verify-otp", `{"challengeId":"`+challengeID+`","code":"`+code+`"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, logs.FilterMessage("reset otp limiter failed").Len())
}

func TestHandler_Me(t *testing.T) {
	f := newHandlerFixture(t, Limits{})

	rr := doJSON(f.h.Me, http.MethodGet, "/user/me", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	c := f.signup(t)
	rr = doJSON(f.h.Me, http.MethodGet, "/user/me", "", c)
	require.Equal(t, http.StatusOK, rr.Code)
	user := decodeBody(t, rr)["user"].(map[string]any)
	assert.Equal(t, "Ada", user["name"])
	assert.NotContains(t, user, "role")

	// user removed after the session was issued
	for id := range f.users.byID {
		delete(f.users.byID, id)
	}
	rr = doJSON(f.h.Me, http.MethodGet, "/user/me", "", c)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = doJSON(f.h.Me, http.MethodGet, "/user/me", "", &http.Cookie{Name: session.CookieName, Value: "tampered.token.value"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestHandler_Me_Bearer(t *testing.T) {
	f := newHandlerFixture(t, Limits{})
	c := f.signup(t)

	req := httptest.NewRequest(http.MethodGet, "/user/me", nil)
	req.Header.Set("Authorization", "Bearer "+c.Value)
	rr := httptest.NewRecorder()
	f.h.Me(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestHandler_DeleteMe_Unauthenticated(t *testing.T) {
	f := newHandlerFixture(t, Limits{})

	rr := doJSON(f.h.DeleteMe, http.MethodDelete, "/user/me", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.JSONEq(t, `{"message":"Unauthorized"}`, rr.Body.String())
	assert.Zero(t, f.users.deletes, "no persistence call without a session")
}

func TestHandler_DeleteMe(t *testing.T) {
	f := newHandlerFixture(t, Limits{})
	c := f.signup(t)

	rr := doJSON(f.h.DeleteMe, http.MethodDelete, "/user/me", "", c)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, f.users.byID)
	cleared := sessionCookie(t, rr)
	assert.Equal(t, "", cleared.Value)
	assert.Less(t, cleared.MaxAge, 0)

	// the browser dropped the cookie
	rr = doJSON(f.h.Me, http.MethodGet, "/user/me", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestHandler_DeleteMe_PersistenceError(t *testing.T) {
	f := newHandlerFixture(t, Limits{})
	c := f.signup(t)
	f.users.err = errors.New("db down")

	rr := doJSON(f.h.DeleteMe, http.MethodDelete, "/user/me", "", c)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.NotContains(t, rr.Body.String(), "db down")
	for _, ck := range rr.Result().Cookies() {
		assert.NotEqual(t, session.CookieName, ck.Name, "session kept when delete fails")
	}
}

func TestHandler_Logout(t *testing.T) {
	f := newHandlerFixture(t, Limits{})
	rr := doJSON(f.h.Logout, http.MethodPost, "/auth/logout", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	names := map[string]bool{}
	for _, c := range rr.Result().Cookies() {
		names[c.Name] = true
	}
	for _, n := range []string{session.CookieName, "accessToken", "refreshToken", "token"} {
		assert.True(t, names[n], n)
	}
}

func TestHandler_ForgotAndReset(t *testing.T) {
	f := newHandlerFixture(t, Limits{})
	f.signup(t)

	a := doJSON(f.h.ForgotPassword, http.MethodPost, "/auth/forgot-password", `{"email":"nobody@example.com"}`)
	b := doJSON(f.h.ForgotPassword, http.MethodPost, "/auth/forgot-password", `{"email":"ada@example.com"}`)
	assert.Equal(t, http.StatusOK, a.Code)
	assert.Equal(t, a.Body.String(), b.Body.String())
	require.Len(t, f.mail.sent, 1)

	rr := doJSON(f.h.ResetPassword, http.MethodPost, "/auth/reset-password", `{"token":"nope","password":"newpassword1"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	_, err := f.svc.GetUser(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUserNotFound)
}
