// Package app wires the shared runtime of the api, auth and client binaries:
// configuration, database, services, rate limiters and the HTTP server loop.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ovaphlow/pitchfork/service-exa/internal/apikey"
	apikeyrepo "github.com/ovaphlow/pitchfork/service-exa/internal/apikey/repo"
	"github.com/ovaphlow/pitchfork/service-exa/internal/auth"
	"github.com/ovaphlow/pitchfork/service-exa/internal/business"
	bizrepo "github.com/ovaphlow/pitchfork/service-exa/internal/business/repo"
	"github.com/ovaphlow/pitchfork/service-exa/internal/cors"
	"github.com/ovaphlow/pitchfork/service-exa/internal/credit"
	creditrepo "github.com/ovaphlow/pitchfork/service-exa/internal/credit/repo"
	"github.com/ovaphlow/pitchfork/service-exa/internal/metrics"
	"github.com/ovaphlow/pitchfork/service-exa/internal/ratelimit"
	"github.com/ovaphlow/pitchfork/service-exa/internal/router"
	"github.com/ovaphlow/pitchfork/service-exa/internal/session"
	"github.com/ovaphlow/pitchfork/service-exa/internal/user"
	userrepo "github.com/ovaphlow/pitchfork/service-exa/internal/user/repo"
	"github.com/ovaphlow/pitchfork/service-exa/pkg/database"
	"github.com/ovaphlow/pitchfork/service-exa/pkg/mailer"
)

type Config struct {
	APIAddr    string `env:"API_ADDR" envDefault:"0.0.0.0:8431"`
	AuthAddr   string `env:"AUTH_ADDR" envDefault:"0.0.0.0:3001"`
	ClientAddr string `env:"CLIENT_ADDR" envDefault:"0.0.0.0:3000"`
	// Metrics listeners, one per binary; empty disables /metrics.
	APIMetricsAddr    string `env:"API_METRICS_ADDR" envDefault:"127.0.0.1:9431"`
	AuthMetricsAddr   string `env:"AUTH_METRICS_ADDR" envDefault:"127.0.0.1:9432"`
	ClientMetricsAddr string `env:"CLIENT_METRICS_ADDR" envDefault:"127.0.0.1:9433"`
	// AuthURL is the public base URL of the auth app; page guards redirect to AuthURL/login.
	AuthURL string `env:"AUTH_URL" envDefault:"http://localhost:3001"`
	// ClientURL is the public base URL of the client app.
	ClientURL       string        `env:"CLIENT_URL" envDefault:"http://localhost:3000"`
	CORSOrigins     string        `env:"CORS_ALLOWED_ORIGINS"`
	RedisURL        string        `env:"REDIS_URL"`
	// TrustedProxies are addresses or CIDRs whose X-Forwarded-For is believed.
	TrustedProxies  []string      `env:"TRUSTED_PROXIES"`
	AutoMigrate     bool          `env:"DATABASE_MIGRATE" envDefault:"true"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"5s"`
	BcryptCost      int           `env:"BCRYPT_COST" envDefault:"12"`
}

// ConfigFromEnv reads the app-level settings.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse app env: %w", err)
	}
	return cfg, nil
}

// LoginURL is where page guards send anonymous visitors.
func (c Config) LoginURL() string { return strings.TrimRight(c.AuthURL, "/") + "/login" }

// Content security policies. Pages need inline style attributes; the API
// serves JSON only.
const (
	APICSP  = "default-src 'none'; frame-ancestors 'none';"
	PageCSP = "default-src 'self'; style-src 'self' 'unsafe-inline'; object-src 'none'; base-uri 'self'; frame-ancestors 'none';"
)

// App holds everything a binary needs to build its handler.
type App struct {
	Config   Config
	Logger   *zap.SugaredLogger
	DB       *sqlx.DB
	Sessions *session.Manager
	Mail     mailer.Sender
	MailCfg  mailer.Config
	Metrics  *metrics.Metrics
	// Production is true when cookies must be Secure.
	Production bool

	Users      *user.UserService
	Businesses *business.Service
	APIKeys    *apikey.Service
	Credits    *credit.Service
	Limits     user.Limits

	closers []func() error
}

// New reads configuration, connects to Postgres, applies migrations and
// builds the services. name labels metrics ("api", "auth", "client").
func New(ctx context.Context, name string, logger *zap.SugaredLogger) (*App, error) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	sessCfg, err := session.ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	sessions, err := session.NewManager(sessCfg)
	if err != nil {
		return nil, err
	}
	mailCfg, err := mailer.ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	if err := checkProductionMail(sessCfg.Production(), mailCfg); err != nil {
		return nil, err
	}
	dbCfg, err := database.ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	sqlDB, err := database.Connect(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	a := &App{
		Config:   cfg,
		Logger:   logger,
		DB:       sqlx.NewDb(sqlDB, "postgres"),
		Sessions: sessions,
		Mail:     mailer.New(mailCfg, logger),
		MailCfg:  mailCfg,
		Metrics:  metrics.New("exa_" + name),

		Production: sessCfg.Production(),
	}
	a.closers = append(a.closers, sqlDB.Close)
	a.Metrics.WatchDB(sqlDB, "exa")

	if cfg.AutoMigrate {
		if err := database.Migrate(ctx, sqlDB); err != nil {
			a.Close()
			return nil, err
		}
		logger.Info("database migrations applied")
	}

	proxies, err := ratelimit.NewProxies(cfg.TrustedProxies)
	if err != nil {
		a.Close()
		return nil, err
	}
	store, err := a.limitStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.wire(store, proxies)
	return a, nil
}

// checkProductionMail refuses to run a production deploy whose emails would
// only be logged.
func checkProductionMail(production bool, cfg mailer.Config) error {
	if production && cfg.ResendAPIKey == "" {
		return errors.New("RESEND_API_KEY is required in production")
	}
	if production && cfg.LogBodies {
		return errors.New("MAIL_LOG_BODY must not be set in production")
	}
	return nil
}

func (a *App) limitStore(ctx context.Context) (ratelimit.Store, error) {
	if a.Config.RedisURL == "" {
		s := ratelimit.NewMemoryStore(time.Minute)
		a.closers = append(a.closers, func() error { s.Close(); return nil })
		return s, nil
	}
	s, err := ratelimit.NewRedisStoreFromURL(ctx, a.Config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	a.closers = append(a.closers, s.Close)
	a.Logger.Infow("rate limits shared through redis")
	return s, nil
}

// wire builds repositories, services and limiters on top of a.DB.
func (a *App) wire(store ratelimit.Store, proxies *ratelimit.Proxies) {
	log := a.Logger
	a.Users = user.NewUserService(
		userrepo.NewUserRepo(a.DB),
		userrepo.NewChallengeRepo(a.DB),
		userrepo.NewResetRepo(a.DB),
		user.BcryptHasher{Cost: a.Config.BcryptCost},
		a.Mail,
		a.MailCfg.FrontendURL,
		log,
	)
	a.Businesses = business.NewService(
		bizrepo.NewBusinessRepo(a.DB),
		bizrepo.NewMemberRepo(a.DB),
		bizrepo.NewInvitationRepo(a.DB),
		a.Mail,
		a.MailCfg.FrontendURL,
		log,
	)
	a.APIKeys = apikey.NewService(apikeyrepo.NewAPIKeyRepo(a.DB), log)
	a.Credits = credit.NewService(creditrepo.NewCreditRepo(a.DB), a.Businesses, log)

	onReject := func(string) {}
	if a.Metrics != nil {
		onReject = a.Metrics.RateLimited
	}
	a.Limits = user.Limits{
		Login:  ratelimit.New(store, "login", 10, 15*time.Minute).OnReject(onReject),
		OTP:    ratelimit.New(store, "otp", 10, 15*time.Minute).OnReject(onReject),
		Forgot: ratelimit.New(store, "forgot", 5, time.Hour).OnReject(onReject),

		Proxies: proxies,
	}
}

// Authenticator builds the request authenticator. Only the API accepts API keys.
func (a *App) Authenticator(acceptAPIKeys bool) *auth.Authenticator {
	var keys auth.APIKeyVerifier
	if acceptAPIKeys {
		keys = a.APIKeys
	}
	return auth.NewAuthenticator(a.Sessions, a.Users, a.Businesses, keys, a.Config.LoginURL(), a.Logger)
}

// Stack is the middleware shared by every binary.
func (a *App) Stack(csp string) router.Stack {
	return router.Stack{
		Logger:         a.Logger,
		Metrics:        a.Metrics,
		AllowedOrigins: cors.ParseOrigins(a.Config.CORSOrigins),
		CSP:            csp,
		DB:             a.DB,
	}
}

// Close releases the resources opened by New, last opened first.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Warnw("close failed", "err", err)
		}
	}
	a.closers = nil
}

// Listener is one HTTP server of a binary.
type Listener struct {
	Addr    string
	Handler http.Handler
}

// MetricsListener serves the Prometheus registry on addr.
func (a *App) MetricsListener(addr string) Listener {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", a.Metrics.Handler())
	return Listener{Addr: addr, Handler: mux}
}

// Run serves every listener with a non-empty address until ctx is cancelled
// or one of them fails, which stops the others.
func Run(ctx context.Context, timeout time.Duration, logger *zap.SugaredLogger, listeners ...Listener) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, l := range listeners {
		if l.Addr == "" {
			continue
		}
		g.Go(func() error { return Serve(gctx, l.Addr, l.Handler, timeout, logger) })
	}
	return g.Wait()
}

// Serve runs h on addr until ctx is cancelled, then shuts down gracefully
// within timeout.
func Serve(ctx context.Context, addr string, h http.Handler, timeout time.Duration, logger *zap.SugaredLogger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Infow("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}
