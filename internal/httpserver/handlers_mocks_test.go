package httpserver

import (
	"context"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/sessions"
	"github.com/labstack/echo/v4"

	"github.com/fcastrocs/steamidler/internal/config"
	"github.com/fcastrocs/steamidler/internal/domain"
	"github.com/fcastrocs/steamidler/internal/steam"
)

type mockSteamService struct {
	addFn    func(ctx context.Context, userID uuid.UUID, opts steam.AddOptions) (*domain.SteamAccount, error)
	loginFn  func(ctx context.Context, userID uuid.UUID, accountName string) error
	logoutFn func(ctx context.Context, userID uuid.UUID, accountName string) error
	idleFn   func(ctx context.Context, userID uuid.UUID, accountName string, appIDs []uint32) error
}

func (m *mockSteamService) Add(ctx context.Context, userID uuid.UUID, opts steam.AddOptions) (*domain.SteamAccount, error) {
	if m.addFn != nil {
		return m.addFn(ctx, userID, opts)
	}
	return &domain.SteamAccount{UserID: userID, AccountName: opts.AccountName, Status: domain.StatusOnline}, nil
}

func (m *mockSteamService) Login(ctx context.Context, userID uuid.UUID, accountName string) error {
	if m.loginFn != nil {
		return m.loginFn(ctx, userID, accountName)
	}
	return nil
}

func (m *mockSteamService) Logout(ctx context.Context, userID uuid.UUID, accountName string) error {
	if m.logoutFn != nil {
		return m.logoutFn(ctx, userID, accountName)
	}
	return nil
}

func (m *mockSteamService) Remove(context.Context, uuid.UUID, string) error             { return nil }
func (m *mockSteamService) CancelVerification(context.Context, uuid.UUID, string) error { return nil }
func (m *mockSteamService) SetPersonaState(context.Context, uuid.UUID, string, domain.PersonaState) error {
	return nil
}

func (m *mockSteamService) Idle(ctx context.Context, userID uuid.UUID, accountName string, appIDs []uint32) error {
	if m.idleFn != nil {
		return m.idleFn(ctx, userID, accountName, appIDs)
	}
	return nil
}

func (m *mockSteamService) ChangeAvatar(context.Context, uuid.UUID, string, []byte) (string, error) {
	return "https://avatars.example/full.jpg", nil
}
func (m *mockSteamService) ChangePrivacy(context.Context, uuid.UUID, string, string) error {
	return nil
}
func (m *mockSteamService) ClearAliases(context.Context, uuid.UUID, string) error { return nil }
func (m *mockSteamService) RequestFreeLicense(context.Context, uuid.UUID, string, []uint32) error {
	return nil
}
func (m *mockSteamService) RegisterKey(context.Context, uuid.UUID, string, string) error { return nil }

type mockFarmingService struct {
	startFn func(ctx context.Context, key domain.AccountKey) error
	stopFn  func(ctx context.Context, key domain.AccountKey) error
}

func (m *mockFarmingService) Start(ctx context.Context, key domain.AccountKey) error {
	if m.startFn != nil {
		return m.startFn(ctx, key)
	}
	return nil
}

func (m *mockFarmingService) Stop(ctx context.Context, key domain.AccountKey) error {
	if m.stopFn != nil {
		return m.stopFn(ctx, key)
	}
	return nil
}

func (m *mockFarmingService) Farming(domain.AccountKey) bool { return false }

func newTestServer(t *testing.T, steamSvc steamService, farmingSvc farmingService) *Server {
	t.Helper()

	store := sessions.NewCookieStore([]byte("test-secret-key-32-bytes-long!!!"))
	store.Options = &sessions.Options{Path: "/", MaxAge: 3600}

	srv := &Server{
		echo:         echo.New(),
		config:       &config.Config{Port: "0"},
		steam:        steamSvc,
		farming:      farmingSvc,
		validate:     validator.New(),
		sessionStore: store,
	}
	srv.registerRoutes()
	return srv
}

// callHandler wraps a handler with error middleware, matching production
// behavior.
func callHandler(handler echo.HandlerFunc, c echo.Context) error {
	return ErrorHandlingMiddleware()(handler)(c)
}
