// Package devserver is an in-process stand-in for the production
// backend: credential issue and rotation, a bearer-guarded notes API,
// and the streaming transcription endpoint. Clients developed against
// it exercise the full auth and streaming surface without a real
// deployment.
package devserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

type Config struct {
	// JWTSecret signs access tokens. Required.
	JWTSecret []byte
	// AccessTTL is the access token lifetime. Zero selects 15 minutes;
	// tests shorten it to force the refresh path.
	AccessTTL time.Duration
	Log       *slog.Logger
}

type Server struct {
	echo *echo.Echo
	auth *authHandler
	log  *slog.Logger
}

func New(cfg Config) *Server {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	auth := newAuthHandler(cfg.JWTSecret, cfg.AccessTTL, cfg.Log)
	notes := newNotesHandler(cfg.Log)
	transcribe := newTranscribeHandler(auth, cfg.Log)

	api := e.Group("/api/v1")
	auth.RegisterRoutes(api)
	transcribe.RegisterRoutes(api)

	guarded := api.Group("", auth.requireBearer)
	notes.RegisterRoutes(guarded)

	return &Server{
		echo: e,
		auth: auth,
		log:  cfg.Log,
	}
}

// Handler exposes the server as an http.Handler so tests can mount it
// on httptest.NewServer.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start(addr string) error {
	s.log.Info("devserver listening", "addr", addr)
	return s.echo.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
