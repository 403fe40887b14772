package httpserver

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/fcastrocs/steamidler/internal/domain"
	"github.com/fcastrocs/steamidler/internal/steam"
)

type addRequest struct {
	AccountName string `json:"accountName" validate:"required,min=3,max=64"`
	Password    string `json:"password" validate:"required"`
	GuardCode   string `json:"guardCode" validate:"omitempty,min=5,max=10"`
}

type accountNameRequest struct {
	AccountName string `json:"accountName" validate:"required,min=3,max=64"`
}

// accountView is the durable account stripped of credential material.
type accountView struct {
	AccountName   string              `json:"accountName"`
	Status        domain.Status       `json:"status"`
	PersonaState  domain.PersonaState `json:"personaState"`
	IdledGameIDs  []uint32            `json:"idledGameIds"`
	FarmedGameIDs []uint32            `json:"farmedGameIds"`
	Farming       bool                `json:"farming"`
	Data          domain.AccountData  `json:"data"`
}

func (s *Server) handleAdd(c echo.Context) error {
	userID, err := userIDFrom(c)
	if err != nil {
		return err
	}

	var req addRequest
	if err := s.bindAndValidate(c, &req); err != nil {
		return err
	}

	account, err := s.steam.Add(c.Request().Context(), userID, steam.AddOptions{
		AccountName: req.AccountName,
		Password:    req.Password,
		GuardCode:   req.GuardCode,
	})
	if domain.IsKind(err, domain.KindVerificationRequired) {
		// Not a failure: the caller retries the add with the code.
		guardKind, _ := domain.ContextValue(err, steam.GuardKindContextKey)
		body := map[string]any{
			"status":     "verificationRequired",
			"waitingFor": guardKind,
		}
		if err := c.JSON(http.StatusAccepted, body); err != nil {
			return fmt.Errorf("failed to send JSON response: %w", err)
		}
		return nil
	}
	if err != nil {
		return err
	}

	if err := c.JSON(http.StatusOK, viewOf(account, s.farming.Farming(account.Key()))); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleLogin(c echo.Context) error {
	return s.accountAction(c, s.steam.Login)
}

func (s *Server) handleLogout(c echo.Context) error {
	return s.accountAction(c, s.steam.Logout)
}

func (s *Server) handleRemove(c echo.Context) error {
	return s.accountAction(c, s.steam.Remove)
}

func (s *Server) handleCancelVerification(c echo.Context) error {
	return s.accountAction(c, s.steam.CancelVerification)
}

func (s *Server) handleListAccounts(c echo.Context) error {
	userID, err := userIDFrom(c)
	if err != nil {
		return err
	}

	accounts, err := s.accounts.ListByUser(c.Request().Context(), userID)
	if err != nil {
		return err
	}

	views := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		views = append(views, viewOf(a, s.farming.Farming(a.Key())))
	}
	if err := c.JSON(http.StatusOK, views); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

// accountAction runs one name-only operation against the lifecycle manager.
func (s *Server) accountAction(c echo.Context, action func(ctx context.Context, userID uuid.UUID, accountName string) error) error {
	userID, err := userIDFrom(c)
	if err != nil {
		return err
	}

	var req accountNameRequest
	if err := s.bindAndValidate(c, &req); err != nil {
		return err
	}

	if err := action(c.Request().Context(), userID, req.AccountName); err != nil {
		return err
	}
	return ok(c)
}

func viewOf(a *domain.SteamAccount, farming bool) accountView {
	return accountView{
		AccountName:   a.AccountName,
		Status:        a.Status,
		PersonaState:  a.PersonaState,
		IdledGameIDs:  a.IdledGameIDs,
		FarmedGameIDs: a.FarmedGameIDs,
		Farming:       farming,
		Data:          a.Data,
	}
}
