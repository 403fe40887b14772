package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fcastrocs/steamidler/internal/domain"
	"github.com/fcastrocs/steamidler/internal/steam"
)

func jsonContext(srv *Server, method, target, body string, userID uuid.UUID) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := srv.echo.NewContext(req, rec)
	c.Set("userID", userID)
	return c, rec
}

func TestHandleAdd_Success(t *testing.T) {
	userID := uuid.New()
	var gotOpts steam.AddOptions

	svc := &mockSteamService{
		addFn: func(_ context.Context, id uuid.UUID, opts steam.AddOptions) (*domain.SteamAccount, error) {
			assert.Equal(t, userID, id)
			gotOpts = opts
			return &domain.SteamAccount{UserID: id, AccountName: opts.AccountName, Status: domain.StatusOnline}, nil
		},
	}
	srv := newTestServer(t, svc, &mockFarmingService{})

	c, rec := jsonContext(srv, http.MethodPost, "/api/account/add",
		`{"accountName":"alice","password":"hunter2","guardCode":"ABC12"}`, userID)

	require.NoError(t, callHandler(srv.handleAdd, c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", gotOpts.AccountName)
	assert.Equal(t, "ABC12", gotOpts.GuardCode)

	var view accountView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, domain.StatusOnline, view.Status)
}

func TestHandleAdd_VerificationChallenge(t *testing.T) {
	svc := &mockSteamService{
		addFn: func(context.Context, uuid.UUID, steam.AddOptions) (*domain.SteamAccount, error) {
			return nil, domain.E(domain.KindVerificationRequired, "guard code required").
				With(steam.GuardKindContextKey, "deviceCode")
		},
	}
	srv := newTestServer(t, svc, &mockFarmingService{})

	c, rec := jsonContext(srv, http.MethodPost, "/api/account/add",
		`{"accountName":"alice","password":"pw"}`, uuid.New())

	require.NoError(t, callHandler(srv.handleAdd, c))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "verificationRequired", body["status"])
	assert.Equal(t, "deviceCode", body["waitingFor"])
}

func TestHandleAdd_MissingPassword(t *testing.T) {
	srv := newTestServer(t, &mockSteamService{}, &mockFarmingService{})
	c, _ := jsonContext(srv, http.MethodPost, "/api/account/add", `{"accountName":"alice"}`, uuid.New())

	err := srv.handleAdd(c)
	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadRequest, httpErr.Code)
}

func TestHandleLogin_ConflictWhenAlreadyOnline(t *testing.T) {
	svc := &mockSteamService{
		loginFn: func(context.Context, uuid.UUID, string) error {
			return domain.E(domain.KindAlreadyOnline, "account alice is already online")
		},
	}
	srv := newTestServer(t, svc, &mockFarmingService{})

	c, rec := jsonContext(srv, http.MethodPost, "/api/account/login", `{"accountName":"alice"}`, uuid.New())

	require.NoError(t, callHandler(srv.handleLogin, c))
	assert.Equal(t, http.StatusConflict, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(domain.KindAlreadyOnline), body["kind"])
}

func TestHandleIdle_CapEnforced(t *testing.T) {
	srv := newTestServer(t, &mockSteamService{}, &mockFarmingService{})

	ids := make([]string, 33)
	for i := range ids {
		ids[i] = "1"
	}
	body := `{"accountName":"alice","appIds":[` + strings.Join(ids, ",") + `]}`
	c, _ := jsonContext(srv, http.MethodPost, "/api/account/idle", body, uuid.New())

	err := srv.handleIdle(c)
	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadRequest, httpErr.Code)
}

func TestHandleFarmingStart_PassesScopedKey(t *testing.T) {
	userID := uuid.New()
	var gotKey domain.AccountKey

	farming := &mockFarmingService{
		startFn: func(_ context.Context, key domain.AccountKey) error {
			gotKey = key
			return nil
		},
	}
	srv := newTestServer(t, &mockSteamService{}, farming)

	c, rec := jsonContext(srv, http.MethodPost, "/api/farming/start", `{"accountName":"alice"}`, userID)

	require.NoError(t, callHandler(srv.handleFarmingStart, c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.AccountKey{UserID: userID, AccountName: "alice"}, gotKey)
}

func TestHandleFarmingStart_NoFarmableGamesMapsTo400(t *testing.T) {
	farming := &mockFarmingService{
		startFn: func(context.Context, domain.AccountKey) error {
			return domain.E(domain.KindNoFarmableGames, "no farmable games")
		},
	}
	srv := newTestServer(t, &mockSteamService{}, farming)

	c, rec := jsonContext(srv, http.MethodPost, "/api/farming/start", `{"accountName":"alice"}`, uuid.New())

	require.NoError(t, callHandler(srv.handleFarmingStart, c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequireAuth_RejectsAnonymous(t *testing.T) {
	srv := newTestServer(t, &mockSteamService{}, &mockFarmingService{})

	req := httptest.NewRequest(http.MethodGet, "/api/account/list", nil)
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
