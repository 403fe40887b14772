package httpserver

import (
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	s.echo.Use(s.setupRequestLoggerMiddleware())
	s.echo.Use(middleware.Recover())
	s.echo.Use(ErrorHandlingMiddleware())

	s.registerHealthRoutes()
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	s.echo.GET("/ws", s.handleWebsocket, s.requireAuth)

	api := s.echo.Group("/api", s.requireAuth)

	account := api.Group("/account")
	account.GET("/list", s.handleListAccounts)
	account.POST("/add", s.handleAdd)
	account.POST("/login", s.handleLogin)
	account.POST("/logout", s.handleLogout)
	account.POST("/remove", s.handleRemove)
	account.POST("/cancel-verification", s.handleCancelVerification)

	account.POST("/idle", s.handleIdle)
	account.POST("/persona", s.handlePersona)
	account.POST("/avatar", s.handleAvatar)
	account.POST("/privacy", s.handlePrivacy)
	account.POST("/clear-aliases", s.handleClearAliases)
	account.POST("/free-license", s.handleFreeLicense)
	account.POST("/register-key", s.handleRegisterKey)

	farming := api.Group("/farming")
	farming.POST("/start", s.handleFarmingStart)
	farming.POST("/stop", s.handleFarmingStop)

	proxies := api.Group("/proxy")
	proxies.POST("/import", s.handleProxyImport)
	proxies.GET("/list", s.handleProxyList)
}

func (s *Server) setupRequestLoggerMiddleware() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
			}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error)
			}
			slog.Info("Request", attrs...)
			return nil
		},
	})
}
