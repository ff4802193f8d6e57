package middleware

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"gymhealth_checkout/internal/auth"
)

// SessionResolver turns a bearer token into a session
type SessionResolver interface {
	Resolve(ctx context.Context, token string) (*auth.Session, error)
}

// RequireAuth returns a middleware that resolves the bearer token of the request into an
// auth.Session and stores it on the request context
func RequireAuth(resolver SessionResolver) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token, ok := auth.BearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "Vui lòng đăng nhập để tiếp tục.")
			}

			sess, err := resolver.Resolve(c.Request().Context(), token)
			if err != nil {
				return err
			}

			c.SetRequest(c.Request().WithContext(auth.WithSession(c.Request().Context(), sess)))
			return next(c)
		}
	}
}
