package handlers

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"gymhealth_checkout/internal/auth"
)

// currentSession returns the session set by the auth middleware
func currentSession(c echo.Context) (*auth.Session, error) {
	sess, ok := auth.FromContext(c.Request().Context())
	if !ok {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "Vui lòng đăng nhập để tiếp tục.")
	}
	return sess, nil
}

// queryInt reads a positive integer query parameter, falling back to def
func queryInt(c echo.Context, name string, def int) int {
	v, err := strconv.Atoi(c.QueryParam(name))
	if err != nil || v < 1 {
		return def
	}
	return v
}

func bindJSON(c echo.Context, dest any) error {
	if err := c.Bind(dest); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Dữ liệu gửi lên không hợp lệ.")
	}
	return nil
}
