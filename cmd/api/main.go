package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ovaphlow/pitchfork/service-exa/internal/admin"
	"github.com/ovaphlow/pitchfork/service-exa/internal/apikey"
	"github.com/ovaphlow/pitchfork/service-exa/internal/app"
	"github.com/ovaphlow/pitchfork/service-exa/internal/business"
	"github.com/ovaphlow/pitchfork/service-exa/internal/credit"
	"github.com/ovaphlow/pitchfork/service-exa/internal/router"
	"github.com/ovaphlow/pitchfork/service-exa/internal/user"
	"github.com/ovaphlow/pitchfork/service-exa/pkg/utilities"
)

func main() {
	// best-effort: without a .env file the real environment is used
	_ = godotenv.Load()

	lg, err := utilities.Init(utilities.ConfigFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()

	sugar := lg.Sugar()
	sugar.Info("starting exa api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, "api", sugar)
	if err != nil {
		sugar.Fatalf("bootstrap: %v", err)
	}
	defer a.Close()

	handler := router.RegisterRoutes(router.API{
		Auth:       a.Authenticator(true),
		Users:      user.NewHandler(a.Users, a.Sessions, a.Limits, sugar),
		APIKeys:    apikey.NewHandler(a.APIKeys, sugar),
		Businesses: business.NewHandler(a.Businesses, sugar),
		Credits:    credit.NewHandler(a.Credits, sugar),
		Admin:      admin.NewHandler(a.Users, sugar),
	}, a.Stack(app.APICSP))

	if err := app.Run(ctx, a.Config.ShutdownTimeout, sugar,
		app.Listener{Addr: a.Config.APIAddr, Handler: handler},
		a.MetricsListener(a.Config.APIMetricsAddr),
	); err != nil {
		sugar.Errorf("%v", err)
	}
	sugar.Info("goodbye")
}
