// Package session issues and reads the signed session token kept in the
// exa-session cookie. Sessions are stateless: the token carries the user id and
// its own expiry, nothing is stored server side.
package session

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/golang-jwt/jwt/v5"
)

// CookieName is the session cookie shared by the api, auth and client apps.
const CookieName = "exa-session"

// DefaultTTL is how long a freshly created session stays valid.
const DefaultTTL = 7 * 24 * time.Hour

// legacyCookies were written by older logout paths and are cleared alongside the session.
var legacyCookies = []string{"accessToken", "refreshToken", "token"}

var (
	ErrInvalidToken = errors.New("invalid session token")
	ErrExpiredToken = errors.New("session token expired")
	ErrNoSecret     = errors.New("session secret is required")
)

// Payload is what a session token proves.
type Payload struct {
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type claims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

type Config struct {
	Secret string        `env:"SESSION_SECRET"`
	TTL    time.Duration `env:"SESSION_TTL" envDefault:"168h"`
	AppEnv string        `env:"APP_ENV"`
	// NodeEnv is honoured so existing deployments keep their NODE_ENV=production.
	NodeEnv string `env:"NODE_ENV"`
	Domain  string `env:"SESSION_COOKIE_DOMAIN"`
}

// ConfigFromEnv reads session settings from the environment.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse session env: %w", err)
	}
	return cfg, nil
}

// Production reports whether cookies must be marked Secure.
func (c Config) Production() bool {
	e := c.AppEnv
	if e == "" {
		e = c.NodeEnv
	}
	return strings.EqualFold(e, "production")
}

// Manager signs, verifies and stores session tokens.
type Manager struct {
	secret []byte
	ttl    time.Duration
	secure bool
	domain string
	now    func() time.Time
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Secret == "" {
		return nil, ErrNoSecret
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		secret: []byte(cfg.Secret),
		ttl:    ttl,
		secure: cfg.Production(),
		domain: cfg.Domain,
		now:    time.Now,
	}, nil
}

// TTL is the lifetime given to new sessions.
func (m *Manager) TTL() time.Duration { return m.ttl }

// SignToken produces a compact HS256 token. The exp claim is the payload's
// ExpiresAt so the cookie and the token agree on when the session ends.
func (m *Manager) SignToken(p Payload) (string, error) {
	if p.UserID == "" {
		return "", errors.New("session payload without user id")
	}
	c := claims{
		UserID: p.UserID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			IssuedAt:  jwt.NewNumericDate(m.now()),
			ExpiresAt: jwt.NewNumericDate(p.ExpiresAt),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return s, nil
}

// VerifyToken checks the signature, the algorithm and the expiry.
func (m *Manager) VerifyToken(token string) (Payload, error) {
	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Payload{}, ErrExpiredToken
		}
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if c.UserID == "" {
		return Payload{}, ErrInvalidToken
	}
	return Payload{UserID: c.UserID, ExpiresAt: c.ExpiresAt.Time}, nil
}

// CreateSession signs a new session for userID and sets it as the exa-session cookie.
func (m *Manager) CreateSession(w http.ResponseWriter, userID string) (Payload, error) {
	p := Payload{UserID: userID, ExpiresAt: m.now().Add(m.ttl).Truncate(time.Second)}
	token, err := m.SignToken(p)
	if err != nil {
		return Payload{}, err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		Domain:   m.domain,
		Expires:  p.ExpiresAt,
		MaxAge:   int(m.ttl.Seconds()),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return p, nil
}

// GetSession reads the exa-session cookie.
func (m *Manager) GetSession(r *http.Request) Lookup {
	c, err := r.Cookie(CookieName)
	if err != nil || strings.TrimSpace(c.Value) == "" {
		return Lookup{Status: NoToken}
	}
	return m.lookup(strings.TrimSpace(c.Value))
}

// FromRequest prefers an Authorization bearer token and falls back to the cookie.
func (m *Manager) FromRequest(r *http.Request) Lookup {
	if token, ok := BearerToken(r); ok {
		return m.lookup(token)
	}
	return m.GetSession(r)
}

func (m *Manager) lookup(token string) Lookup {
	p, err := m.VerifyToken(token)
	switch {
	case err == nil:
		return Lookup{Status: Valid, Payload: p}
	case errors.Is(err, ErrExpiredToken):
		return Lookup{Status: Expired, Err: err}
	default:
		return Lookup{Status: Invalid, Err: err}
	}
}

// DeleteSession expires the session cookie and the legacy auth cookies.
func (m *Manager) DeleteSession(w http.ResponseWriter) {
	for _, name := range append([]string{CookieName}, legacyCookies...) {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			Domain:   m.domain,
			Expires:  time.Unix(0, 0),
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   m.secure,
			SameSite: http.SameSiteLaxMode,
		})
	}
}

// BearerToken extracts the token of an "Authorization: Bearer <token>" header.
func BearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if len(h) < len("bearer ") || !strings.EqualFold(h[:len("bearer ")], "bearer ") {
		return "", false
	}
	token := strings.TrimSpace(h[len("bearer "):])
	return token, token != ""
}
