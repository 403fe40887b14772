package httpserver

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fcastrocs/steamidler/internal/domain"
)

type idleRequest struct {
	AccountName string   `json:"accountName" validate:"required"`
	AppIDs      []uint32 `json:"appIds" validate:"max=32"`
}

type personaRequest struct {
	AccountName string `json:"accountName" validate:"required"`
	State       int    `json:"state" validate:"min=0,max=4"`
}

type avatarRequest struct {
	AccountName string `json:"accountName" validate:"required"`
	Image       string `json:"image" validate:"required,base64"`
}

type privacyRequest struct {
	AccountName string `json:"accountName" validate:"required"`
	Setting     string `json:"setting" validate:"required,oneof=public friendsOnly private"`
}

type freeLicenseRequest struct {
	AccountName string   `json:"accountName" validate:"required"`
	AppIDs      []uint32 `json:"appIds" validate:"required,min=1,max=50"`
}

type registerKeyRequest struct {
	AccountName string `json:"accountName" validate:"required"`
	Key         string `json:"key" validate:"required,min=15,max=32"`
}

func (s *Server) handleIdle(c echo.Context) error {
	userID, err := userIDFrom(c)
	if err != nil {
		return err
	}
	var req idleRequest
	if err := s.bindAndValidate(c, &req); err != nil {
		return err
	}
	if err := s.steam.Idle(c.Request().Context(), userID, req.AccountName, req.AppIDs); err != nil {
		return err
	}
	return ok(c)
}

func (s *Server) handlePersona(c echo.Context) error {
	userID, err := userIDFrom(c)
	if err != nil {
		return err
	}
	var req personaRequest
	if err := s.bindAndValidate(c, &req); err != nil {
		return err
	}
	if err := s.steam.SetPersonaState(c.Request().Context(), userID, req.AccountName, domain.PersonaState(req.State)); err != nil {
		return err
	}
	return ok(c)
}

func (s *Server) handleAvatar(c echo.Context) error {
	userID, err := userIDFrom(c)
	if err != nil {
		return err
	}
	var req avatarRequest
	if err := s.bindAndValidate(c, &req); err != nil {
		return err
	}

	image, err := base64.StdEncoding.DecodeString(req.Image)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "image must be base64 encoded")
	}

	avatarURL, err := s.steam.ChangeAvatar(c.Request().Context(), userID, req.AccountName, image)
	if err != nil {
		return err
	}
	if err := c.JSON(http.StatusOK, map[string]string{"avatarUrl": avatarURL}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handlePrivacy(c echo.Context) error {
	userID, err := userIDFrom(c)
	if err != nil {
		return err
	}
	var req privacyRequest
	if err := s.bindAndValidate(c, &req); err != nil {
		return err
	}
	if err := s.steam.ChangePrivacy(c.Request().Context(), userID, req.AccountName, req.Setting); err != nil {
		return err
	}
	return ok(c)
}

func (s *Server) handleClearAliases(c echo.Context) error {
	return s.accountAction(c, s.steam.ClearAliases)
}

func (s *Server) handleFreeLicense(c echo.Context) error {
	userID, err := userIDFrom(c)
	if err != nil {
		return err
	}
	var req freeLicenseRequest
	if err := s.bindAndValidate(c, &req); err != nil {
		return err
	}
	if err := s.steam.RequestFreeLicense(c.Request().Context(), userID, req.AccountName, req.AppIDs); err != nil {
		return err
	}
	return ok(c)
}

func (s *Server) handleRegisterKey(c echo.Context) error {
	userID, err := userIDFrom(c)
	if err != nil {
		return err
	}
	var req registerKeyRequest
	if err := s.bindAndValidate(c, &req); err != nil {
		return err
	}
	if err := s.steam.RegisterKey(c.Request().Context(), userID, req.AccountName, req.Key); err != nil {
		return err
	}
	return ok(c)
}

func (s *Server) handleFarmingStart(c echo.Context) error {
	return s.farmingAction(c, s.farming.Start)
}

func (s *Server) handleFarmingStop(c echo.Context) error {
	return s.farmingAction(c, s.farming.Stop)
}

func (s *Server) farmingAction(c echo.Context, action func(ctx context.Context, key domain.AccountKey) error) error {
	userID, err := userIDFrom(c)
	if err != nil {
		return err
	}
	var req accountNameRequest
	if err := s.bindAndValidate(c, &req); err != nil {
		return err
	}
	key := domain.AccountKey{UserID: userID, AccountName: req.AccountName}
	if err := action(c.Request().Context(), key); err != nil {
		return err
	}
	return ok(c)
}
