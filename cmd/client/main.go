package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ovaphlow/pitchfork/service-exa/internal/app"
	"github.com/ovaphlow/pitchfork/service-exa/internal/web/clientapp"
	"github.com/ovaphlow/pitchfork/service-exa/internal/web/view"
	"github.com/ovaphlow/pitchfork/service-exa/pkg/utilities"
)

func main() {
	_ = godotenv.Load()

	lg, err := utilities.Init(utilities.ConfigFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()

	sugar := lg.Sugar()
	sugar.Info("starting exa client app")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, "client", sugar)
	if err != nil {
		sugar.Fatalf("bootstrap: %v", err)
	}
	defer a.Close()

	views, err := view.New(sugar)
	if err != nil {
		sugar.Fatalf("templates: %v", err)
	}

	web := clientapp.New(clientapp.Deps{
		Businesses:    a.Businesses,
		Keys:          a.APIKeys,
		Credits:       a.Credits,
		Sessions:      a.Sessions,
		Auth:          a.Authenticator(false).WithPublicURL(a.Config.ClientURL),
		View:          views,
		SecureCookies: a.Production,
		Logger:        sugar,
	})

	if err := app.Run(ctx, a.Config.ShutdownTimeout, sugar,
		app.Listener{Addr: a.Config.ClientAddr, Handler: web.Handler(a.Stack(app.PageCSP))},
		a.MetricsListener(a.Config.ClientMetricsAddr),
	); err != nil {
		sugar.Errorf("%v", err)
	}
	sugar.Info("goodbye")
}
