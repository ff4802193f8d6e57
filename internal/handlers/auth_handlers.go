package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"gymhealth_checkout/internal/auth"
	"gymhealth_checkout/internal/services"
)

// AuthHandler handles authentication endpoints
type AuthHandler struct {
	sessions *services.SessionService
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(sessions *services.SessionService) *AuthHandler {
	return &AuthHandler{sessions: sessions}
}

// CurrentSession returns the member behind the bearer token. The mobile client calls it
// on start to re-authenticate silently with a stored token.
func (h *AuthHandler) CurrentSession(c echo.Context) error {
	sess, err := currentSession(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status": "success",
		"user":   sess,
	})
}

// HandleLogout forgets the cached session. It does not require a valid token so an
// expired session can still be torn down.
func (h *AuthHandler) HandleLogout(c echo.Context) error {
	token, ok := auth.BearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
	if !ok {
		return c.JSON(http.StatusOK, map[string]string{"status": "logged out"})
	}
	if err := h.sessions.Logout(c.Request().Context(), token); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "logged out"})
}
