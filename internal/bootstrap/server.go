package bootstrap

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/eleven-am/voicenotes-core/internal/devserver"
	"go.uber.org/fx"
)

func NewDevServer(cfg *Config, log *slog.Logger) *devserver.Server {
	return devserver.New(devserver.Config{
		JWTSecret: cfg.JWTSecret,
		AccessTTL: time.Duration(cfg.AccessTTLSeconds) * time.Second,
		Log:       log,
	})
}

func StartDevServer(lc fx.Lifecycle, srv *devserver.Server, cfg *Config, log *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := srv.Start(cfg.ServerAddr); err != nil && err != http.ErrServerClosed {
					log.Error("devserver failed", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

var ServerModule = fx.Options(
	fx.Provide(NewDevServer),
	fx.Invoke(StartDevServer),
)

func RunServer() {
	fx.New(
		fx.Provide(LoadConfig),
		fx.Provide(NewLogger),
		ServerModule,
	).Run()
}
