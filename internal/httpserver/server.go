// Package httpserver is the JSON API surface of the fleet manager. The
// user identity is carried by a session cookie issued by the auth
// front-end; every account route is scoped to that user.
package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/sessions"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/fcastrocs/steamidler/internal/config"
	"github.com/fcastrocs/steamidler/internal/domain"
	"github.com/fcastrocs/steamidler/internal/notify"
	"github.com/fcastrocs/steamidler/internal/steam"
)

type steamService interface {
	Add(ctx context.Context, userID uuid.UUID, opts steam.AddOptions) (*domain.SteamAccount, error)
	Login(ctx context.Context, userID uuid.UUID, accountName string) error
	Logout(ctx context.Context, userID uuid.UUID, accountName string) error
	Remove(ctx context.Context, userID uuid.UUID, accountName string) error
	CancelVerification(ctx context.Context, userID uuid.UUID, accountName string) error
	SetPersonaState(ctx context.Context, userID uuid.UUID, accountName string, state domain.PersonaState) error
	Idle(ctx context.Context, userID uuid.UUID, accountName string, appIDs []uint32) error
	ChangeAvatar(ctx context.Context, userID uuid.UUID, accountName string, image []byte) (string, error)
	ChangePrivacy(ctx context.Context, userID uuid.UUID, accountName string, setting string) error
	ClearAliases(ctx context.Context, userID uuid.UUID, accountName string) error
	RequestFreeLicense(ctx context.Context, userID uuid.UUID, accountName string, appIDs []uint32) error
	RegisterKey(ctx context.Context, userID uuid.UUID, accountName string, cdKey string) error
}

type farmingService interface {
	Start(ctx context.Context, key domain.AccountKey) error
	Stop(ctx context.Context, key domain.AccountKey) error
	Farming(key domain.AccountKey) bool
}

// HealthCheck is a named readiness check.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Server struct {
	echo   *echo.Echo
	config *config.Config

	steam    steamService
	farming  farmingService
	accounts domain.AccountRepository
	proxies  domain.ProxyRepository
	hub      *notify.Hub

	validate     *validator.Validate
	upgrader     websocket.Upgrader
	sessionStore *sessions.CookieStore
	healthChecks []HealthCheck
	startTime    time.Time
}

func NewServer(
	cfg *config.Config,
	steamSvc steamService,
	farmingSvc farmingService,
	accounts domain.AccountRepository,
	proxies domain.ProxyRepository,
	hub *notify.Hub,
	healthChecks []HealthCheck,
) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:         e,
		config:       cfg,
		steam:        steamSvc,
		farming:      farmingSvc,
		accounts:     accounts,
		proxies:      proxies,
		hub:          hub,
		validate:     validator.New(),
		upgrader:     websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		sessionStore: setupSessionStore(cfg),
		healthChecks: healthChecks,
		startTime:    time.Now(),
	}

	srv.registerRoutes()
	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// Session keys
const (
	sessionName      = "steamidler-session"
	sessionKeyUserID = "user_id"
)

func setupSessionStore(cfg *config.Config) *sessions.CookieStore {
	store := sessions.NewCookieStore([]byte(cfg.SessionSecret))
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   86400 * 7,
		HttpOnly: true,
		Secure:   cfg.AppEnv == "production",
		SameSite: http.SameSiteLaxMode,
	}
	return store
}

// bindAndValidate decodes the JSON body into req and runs the validator.
func (s *Server) bindAndValidate(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if err := s.validate.Struct(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

func ok(c echo.Context) error {
	if err := c.JSON(http.StatusOK, map[string]string{"status": "ok"}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}
