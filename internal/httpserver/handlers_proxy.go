package httpserver

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fcastrocs/steamidler/internal/domain"
)

type proxyImportRequest struct {
	Proxies []proxyEntry `json:"proxies" validate:"required,min=1,dive"`
	LoadCap int          `json:"loadCap" validate:"required,min=1,max=100"`
}

type proxyEntry struct {
	IP   string `json:"ip" validate:"required,ip"`
	Port int    `json:"port" validate:"required,min=1,max=65535"`
}

type proxyView struct {
	ID   int64  `json:"id"`
	IP   string `json:"ip"`
	Port int    `json:"port"`
	Load int    `json:"load"`
	Cap  int    `json:"cap"`
}

func (s *Server) handleProxyImport(c echo.Context) error {
	var req proxyImportRequest
	if err := s.bindAndValidate(c, &req); err != nil {
		return err
	}

	proxies := make([]domain.Proxy, len(req.Proxies))
	for i, p := range req.Proxies {
		proxies[i] = domain.Proxy{IP: p.IP, Port: p.Port, Cap: req.LoadCap}
	}

	imported, err := s.proxies.Import(c.Request().Context(), proxies)
	if err != nil {
		return err
	}
	if err := c.JSON(http.StatusOK, map[string]int{"imported": imported}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleProxyList(c echo.Context) error {
	proxies, err := s.proxies.List(c.Request().Context())
	if err != nil {
		return err
	}

	views := make([]proxyView, len(proxies))
	for i, p := range proxies {
		views[i] = proxyView{ID: p.ID, IP: p.IP, Port: p.Port, Load: p.Load, Cap: p.Cap}
	}
	if err := c.JSON(http.StatusOK, views); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}
