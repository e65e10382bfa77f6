package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/doloresvoice/dolores/server/internal/auth"
	"github.com/doloresvoice/dolores/server/internal/websocket"
)

// Routes wires the HTTP surface: a health probe, Prometheus metrics and the
// websocket endpoint all sessions run over.
func Routes(e *echo.Echo, hub *websocket.Hub, gate *auth.Gate, newHandler func(*websocket.Client) websocket.SessionHandler, logger *zap.Logger) {
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "dolores-server",
		})
	})

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	e.GET("/ws", func(c echo.Context) error {
		if gate.Enabled() {
			claims, err := authenticate(gate, c)
			if err != nil {
				logger.Warn("Websocket connection rejected",
					zap.String("remote", c.RealIP()),
					zap.Error(err),
				)
				return c.JSON(http.StatusUnauthorized, ErrorResponse{
					Error:   "invalid_token",
					Message: "A valid client token is required",
				})
			}
			logger.Info("Websocket connection authenticated",
				zap.String("clientID", claims.ClientID),
			)
		}
		return websocket.Serve(hub, c, newHandler, logger)
	})
}

// authenticate accepts the token as a Bearer header or, for clients that
// cannot set headers on a websocket upgrade, as a query parameter.
func authenticate(gate *auth.Gate, c echo.Context) (*auth.Claims, error) {
	token := c.QueryParam("token")
	if header := c.Request().Header.Get("Authorization"); header != "" {
		token = strings.TrimPrefix(header, "Bearer ")
	}
	return gate.ValidateToken(token)
}
