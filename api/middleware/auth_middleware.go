package middleware

import (
	"net/http"
	"strings"

	"attendly/internal/utils"

	"github.com/labstack/echo/v4"
)

// AuthMiddleware trusts bearer tokens issued by the campus identity provider.
type AuthMiddleware struct {
	JWT *utils.JWTManager
}

func (m AuthMiddleware) RequireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if m.JWT == nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
		}
		token := extractBearerToken(c.Request())
		if token == "" && isWebSocketUpgrade(c.Request()) {
			// Browsers cannot set headers on a websocket handshake.
			token = strings.TrimSpace(c.QueryParam("access_token"))
		}
		if token == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
		}
		claims, err := m.JWT.ParseAccessToken(token)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
		}
		if !knownRole(claims.Role) {
			return echo.NewHTTPError(http.StatusForbidden, "forbidden")
		}
		SetRequesterContext(c, claims.Subject, claims.Role)
		return next(c)
	}
}

func extractBearerToken(r *http.Request) string {
	authorization := r.Header.Get("Authorization")
	if authorization == "" {
		return ""
	}
	parts := strings.SplitN(authorization, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
