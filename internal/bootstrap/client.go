package bootstrap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/eleven-am/voicenotes-core/internal/audio"
	"github.com/eleven-am/voicenotes-core/internal/auth"
	"github.com/eleven-am/voicenotes-core/internal/gateway"
	"github.com/eleven-am/voicenotes-core/internal/session"
	"github.com/eleven-am/voicenotes-core/internal/stream"
	"go.uber.org/fx"
)

// stdinChunkBytes is 100ms of 16kHz mono PCM16, the granularity at
// which stdin audio is fed into the pipeline.
const stdinChunkBytes = 3200

type credentials struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

func NewCredentialStore(lc fx.Lifecycle, cfg *Config, log *slog.Logger) (auth.Store, error) {
	if cfg.DataDir == "" {
		log.Debug("using in-memory credential store")
		return auth.NewMemoryStore(), nil
	}

	store, err := auth.OpenBadgerStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return store.Close()
		},
	})
	log.Debug("using durable credential store", "dir", cfg.DataDir)
	return store, nil
}

func NewCoordinator(lc fx.Lifecycle, cfg *Config, store auth.Store, log *slog.Logger) (*auth.Coordinator, error) {
	coord, err := auth.NewCoordinator(auth.CoordinatorConfig{
		Refresh: newRefreshFunc(cfg.ServerURL),
		Store:   store,
		Log:     log,
	})
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			coord.Close()
			return nil
		},
	})
	return coord, nil
}

func NewGateway(cfg *Config, coord *auth.Coordinator, log *slog.Logger) (*gateway.Gateway, error) {
	return gateway.New(gateway.Config{
		Client:      &http.Client{Timeout: 30 * time.Second},
		Tokens:      coord,
		Log:         log,
		RefreshPath: "/api/v1/auth/refresh",
		UnauthenticatedPaths: []string{
			"/api/v1/auth/login",
		},
		OnLogout: func(err error) {
			log.Warn("signed out, credentials are no longer valid", "error", err)
		},
	})
}

func newRefreshFunc(serverURL string) auth.RefreshFunc {
	return func(ctx context.Context, refreshToken string) (auth.CredentialPair, error) {
		payload, err := json.Marshal(map[string]string{"refreshToken": refreshToken})
		if err != nil {
			return auth.CredentialPair{}, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL+"/api/v1/auth/refresh", bytes.NewReader(payload))
		if err != nil {
			return auth.CredentialPair{}, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return auth.CredentialPair{}, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return auth.CredentialPair{}, fmt.Errorf("refresh endpoint returned %d", resp.StatusCode)
		}

		var pair credentials
		if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
			return auth.CredentialPair{}, err
		}
		return auth.CredentialPair{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken}, nil
	}
}

func login(ctx context.Context, gw *gateway.Gateway, cfg *Config) (auth.CredentialPair, error) {
	payload, err := json.Marshal(map[string]string{
		"username": cfg.Username,
		"password": cfg.Password,
	})
	if err != nil {
		return auth.CredentialPair{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.ServerURL+"/api/v1/auth/login", bytes.NewReader(payload))
	if err != nil {
		return auth.CredentialPair{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := gw.Do(req)
	if err != nil {
		return auth.CredentialPair{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return auth.CredentialPair{}, fmt.Errorf("login returned %d", resp.StatusCode)
	}

	var pair credentials
	if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
		return auth.CredentialPair{}, err
	}
	return auth.CredentialPair{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken}, nil
}

// stdoutBuffer prints finalized transcript text as it is merged.
type stdoutBuffer struct{}

func (stdoutBuffer) Append(text string) {
	fmt.Println(text)
}

// runRecorder reads raw PCM16 from stdin, streams it for transcription,
// and prints finalized text to stdout.
func runRecorder(lc fx.Lifecycle, shutdowner fx.Shutdowner, cfg *Config, coord *auth.Coordinator, gw *gateway.Gateway, log *slog.Logger) {
	var s *session.Session

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if coord.Credentials() == nil {
				if cfg.Username == "" || cfg.Password == "" {
					return fmt.Errorf("no stored credentials and no USERNAME/PASSWORD configured")
				}
				pair, err := login(ctx, gw, cfg)
				if err != nil {
					return fmt.Errorf("login: %w", err)
				}
				if err := coord.SetCredentials(pair); err != nil {
					return err
				}
				log.Info("signed in", "username", cfg.Username)
			}

			s = session.New(session.Config{
				Tokens: coord,
				Buffer: stdoutBuffer{},
				Stream: stream.Config{
					URL: cfg.StreamURL,
					Log: log,
				},
				Log: log,
				OnState: func(state stream.ConnectionState) {
					log.Debug("stream state", "state", state.String())
				},
				OnError: func(code, message string) {
					log.Warn("stream error", "code", code, "message", message)
				},
			})

			if err := s.Start(ctx, cfg.Language); err != nil {
				return fmt.Errorf("start session: %w", err)
			}

			go pumpStdin(s, shutdowner, log)
			return nil
		},
		OnStop: func(context.Context) error {
			if s != nil {
				return s.Close()
			}
			return nil
		},
	})
}

func pumpStdin(s *session.Session, shutdowner fx.Shutdowner, log *slog.Logger) {
	buf := make([]byte, stdinChunkBytes)
	for {
		n, err := io.ReadFull(os.Stdin, buf)
		if n > 0 {
			s.Push(audio.PCMChunk(buf[:n]))
		}
		if err != nil {
			break
		}
	}

	if err := s.Stop(); err != nil {
		log.Error("failed to stop stream", "error", err)
	}
	// Give the server a moment to flush its remaining finals.
	time.Sleep(time.Second)
	shutdowner.Shutdown()
}

var ClientModule = fx.Options(
	fx.Provide(NewCredentialStore),
	fx.Provide(NewCoordinator),
	fx.Provide(NewGateway),
	fx.Invoke(runRecorder),
)

func RunClient() {
	fx.New(
		fx.Provide(LoadConfig),
		fx.Provide(NewLogger),
		ClientModule,
	).Run()
}
