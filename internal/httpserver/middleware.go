package httpserver

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/fcastrocs/steamidler/internal/domain"
)

// ErrorHandlingMiddleware converts domain errors into JSON responses with
// the kind-derived status, logging at a severity matching the kind.
func ErrorHandlingMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			if err == nil {
				return nil
			}

			var httpErr *echo.HTTPError
			if errors.As(err, &httpErr) {
				return err
			}

			var domainErr *domain.Error
			if !errors.As(err, &domainErr) {
				domainErr = domain.WrapE(domain.KindUnexpected, "internal error", err)
			}
			logError(c, domainErr)

			body := map[string]any{
				"error": domainErr.Message,
				"kind":  string(domainErr.Kind),
			}
			for k, v := range domainErr.Context {
				body[k] = v
			}
			if writeErr := c.JSON(domainErr.HTTPStatus(), body); writeErr != nil {
				return fmt.Errorf("failed to write error response: %w", writeErr)
			}
			return nil
		}
	}
}

func logError(c echo.Context, err *domain.Error) {
	attrs := []any{
		"kind", err.Kind,
		"message", err.Message,
		"path", c.Request().URL.Path,
		"method", c.Request().Method,
		"status", err.HTTPStatus(),
	}
	for k, v := range err.Context {
		attrs = append(attrs, k, v)
	}
	if userID := c.Get("userID"); userID != nil {
		attrs = append(attrs, "user_id", userID)
	}

	switch {
	case err.Kind == domain.KindUnexpected:
		if err.Cause != nil {
			attrs = append(attrs, "cause", err.Cause)
		}
		slog.Error("Internal error", attrs...)
	case err.Kind == domain.KindServiceUnavailable || err.Kind == domain.KindCookieExpired:
		if err.Cause != nil {
			attrs = append(attrs, "cause", err.Cause)
		}
		slog.Error("Upstream error", attrs...)
	default:
		slog.Info("Request rejected", attrs...)
	}
}

// requireAuth resolves the user id from the session cookie issued by the
// auth front-end. API surface, so failures get a 401 instead of a redirect.
func (s *Server) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		session, err := s.sessionStore.Get(c.Request(), sessionName)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "not authenticated")
		}

		raw, ok := session.Values[sessionKeyUserID].(string)
		if !ok {
			return echo.NewHTTPError(http.StatusUnauthorized, "not authenticated")
		}

		userID, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "not authenticated")
		}

		c.Set("userID", userID)
		return next(c)
	}
}

func userIDFrom(c echo.Context) (uuid.UUID, error) {
	userID, ok := c.Get("userID").(uuid.UUID)
	if !ok {
		return uuid.Nil, domain.E(domain.KindUnexpected, "missing user id in context")
	}
	return userID, nil
}
