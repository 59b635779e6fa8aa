package api

import (
	echo "github.com/labstack/echo/v5"
)

// securityHeaders hardens every API response. The server serves JSON and a
// WebSocket, never HTML, so framing is denied outright and nothing is
// cacheable: loop state changes between any two requests.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Cache-Control", "no-store")
			return next(c)
		}
	}
}
