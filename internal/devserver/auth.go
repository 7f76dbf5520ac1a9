package devserver

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/eleven-am/voicenotes-core/internal/shared"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const defaultAccessTTL = 15 * time.Minute

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type tokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// authHandler issues and rotates credentials. Refresh tokens are
// single-use: each refresh consumes the presented token and mints a
// replacement, so a replayed token is rejected.
type authHandler struct {
	secret    []byte
	accessTTL time.Duration
	log       *slog.Logger

	mu      sync.Mutex
	refresh map[string]string // refresh token -> username
}

func newAuthHandler(secret []byte, accessTTL time.Duration, log *slog.Logger) *authHandler {
	if accessTTL <= 0 {
		accessTTL = defaultAccessTTL
	}
	return &authHandler{
		secret:    secret,
		accessTTL: accessTTL,
		log:       log,
		refresh:   make(map[string]string),
	}
}

func (h *authHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/auth/login", h.Login)
	g.POST("/auth/refresh", h.Refresh)
}

func (h *authHandler) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return shared.BadRequest("invalid_request", "invalid request body")
	}
	if req.Username == "" || req.Password == "" {
		return shared.BadRequest("missing_credentials", "username and password are required")
	}

	// Any non-empty pair is accepted. This server exists to exercise
	// clients, not to guard anything.
	pair, err := h.issue(req.Username)
	if err != nil {
		h.log.Error("failed to issue tokens", "error", err)
		return shared.InternalError("issue_failed", "failed to issue tokens")
	}

	h.log.Info("login", "username", req.Username)
	return c.JSON(http.StatusOK, pair)
}

func (h *authHandler) Refresh(c echo.Context) error {
	var req refreshRequest
	if err := c.Bind(&req); err != nil {
		return shared.BadRequest("invalid_request", "invalid request body")
	}
	if req.RefreshToken == "" {
		return shared.BadRequest("missing_refresh_token", "refreshToken is required")
	}

	h.mu.Lock()
	username, ok := h.refresh[req.RefreshToken]
	if ok {
		delete(h.refresh, req.RefreshToken)
	}
	h.mu.Unlock()

	if !ok {
		h.log.Warn("refresh rejected", "reason", "unknown or already used token")
		return shared.Unauthorized("invalid_refresh_token", "refresh token is unknown or already used")
	}

	pair, err := h.issue(username)
	if err != nil {
		h.log.Error("failed to issue tokens", "error", err)
		return shared.InternalError("issue_failed", "failed to issue tokens")
	}

	h.log.Debug("refresh rotated", "username", username)
	return c.JSON(http.StatusOK, pair)
}

func (h *authHandler) issue(username string) (tokenResponse, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   username,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(h.accessTTL)),
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(h.secret)
	if err != nil {
		return tokenResponse{}, err
	}

	refreshToken := uuid.New().String()
	h.mu.Lock()
	h.refresh[refreshToken] = username
	h.mu.Unlock()

	return tokenResponse{AccessToken: access, RefreshToken: refreshToken}, nil
}

// verifyAccessToken returns the subject of a valid access token.
func (h *authHandler) verifyAccessToken(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return h.secret, nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", jwt.ErrTokenInvalidClaims
	}
	return claims.Subject, nil
}

// requireBearer authenticates requests by Authorization header and
// stashes the username in the echo context.
func (h *authHandler) requireBearer(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			return shared.Unauthorized("missing_token", "bearer token required")
		}

		username, err := h.verifyAccessToken(token)
		if err != nil {
			return shared.Unauthorized("invalid_token", "access token is invalid or expired")
		}

		c.Set("username", username)
		return next(c)
	}
}
