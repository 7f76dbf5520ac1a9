package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/eleven-am/voicenotes-core/internal/auth"
)

// TokenSource supplies bearer tokens for outbound requests. Satisfied by
// *auth.Coordinator.
type TokenSource interface {
	Credentials() *auth.CredentialPair
	AwaitValidToken(ctx context.Context) (string, error)
}

// Gateway stamps outbound requests with the current access token and,
// on a 401, refreshes the credential once and replays the request. A
// second 401 on the replayed request is returned to the caller as-is.
type Gateway struct {
	client  *http.Client
	tokens  TokenSource
	log     *slog.Logger
	skip    map[string]struct{}
	refresh string

	onLogout func(error)

	mu        sync.Mutex
	signalled bool
}

type Config struct {
	// Client is the underlying HTTP client. Timeout and transport policy
	// belong to the caller; the gateway only manages authorization.
	Client *http.Client
	Tokens TokenSource
	Log    *slog.Logger

	// RefreshPath is the request path of the refresh endpoint. A 401
	// from it is returned immediately instead of triggering another
	// refresh.
	RefreshPath string

	// UnauthenticatedPaths are request paths sent without a bearer
	// token, e.g. login and the refresh endpoint itself.
	UnauthenticatedPaths []string

	// OnLogout is invoked once per failure episode when the refresh
	// itself fails and the session is no longer recoverable.
	OnLogout func(error)
}

func New(cfg Config) (*Gateway, error) {
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("gateway: token source is required")
	}
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	skip := make(map[string]struct{}, len(cfg.UnauthenticatedPaths)+1)
	for _, p := range cfg.UnauthenticatedPaths {
		skip[p] = struct{}{}
	}
	if cfg.RefreshPath != "" {
		skip[cfg.RefreshPath] = struct{}{}
	}

	return &Gateway{
		client:   cfg.Client,
		tokens:   cfg.Tokens,
		log:      cfg.Log,
		skip:     skip,
		refresh:  cfg.RefreshPath,
		onLogout: cfg.OnLogout,
	}, nil
}

// Do dispatches the request with a bearer token attached. Requests that
// may be replayed need a rewindable body; http.NewRequest sets GetBody
// for the common in-memory body types.
func (g *Gateway) Do(req *http.Request) (*http.Response, error) {
	path := req.URL.Path
	_, unauthenticated := g.skip[path]

	if !unauthenticated {
		if pair := g.tokens.Credentials(); pair != nil {
			req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
		}
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		// The session proved usable, so a later refresh failure is a
		// new episode and signals logout again.
		g.clearEpisode()
		return resp, nil
	}
	if path == g.refresh || unauthenticated {
		return resp, nil
	}

	// Discard the 401 body so the connection can be reused.
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	token, err := g.tokens.AwaitValidToken(req.Context())
	if err != nil {
		g.signalLogout(err)
		return nil, fmt.Errorf("refresh credentials: %w", err)
	}
	g.clearEpisode()

	retry, err := cloneRequest(req)
	if err != nil {
		return nil, err
	}
	retry.Header.Set("Authorization", "Bearer "+token)

	g.log.Debug("retrying request after token refresh", "method", req.Method, "path", path)
	return g.client.Do(retry)
}

// cloneRequest rebuilds the request for the single retry. Method, URL,
// headers, and body are identical; only the Authorization header is
// restamped by the caller. A consumed body without GetBody cannot be
// replayed and is an error, never a silent empty resend.
func cloneRequest(req *http.Request) (*http.Request, error) {
	retry := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewind request body: %w", err)
		}
		retry.Body = body
	} else if req.Body != nil && req.Body != http.NoBody {
		return nil, fmt.Errorf("cannot replay request without a rewindable body")
	}
	return retry, nil
}

// signalLogout fires the logout callback at most once per failure
// episode, no matter how many queued requests collapse onto the same
// failed refresh.
func (g *Gateway) signalLogout(err error) {
	g.mu.Lock()
	already := g.signalled
	g.signalled = true
	g.mu.Unlock()

	if already || g.onLogout == nil {
		return
	}
	g.log.Info("session invalidated", "error", err)
	g.onLogout(err)
}

func (g *Gateway) clearEpisode() {
	g.mu.Lock()
	g.signalled = false
	g.mu.Unlock()
}
