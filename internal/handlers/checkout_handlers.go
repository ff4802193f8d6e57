package handlers

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"gymhealth_checkout/internal/services"
)

type CheckoutHandler struct {
	checkouts *services.CheckoutService
}

func NewCheckoutHandler(checkouts *services.CheckoutService) *CheckoutHandler {
	return &CheckoutHandler{checkouts: checkouts}
}

type navigationRequest struct {
	URL string `json:"url"`
}

type failureReport struct {
	Description string `json:"description"`
}

type cancelRequest struct {
	Confirmed bool `json:"confirmed"`
}

// StartCheckout registers the subscription and returns the payment page to open
func (h *CheckoutHandler) StartCheckout(c echo.Context) error {
	sess, err := currentSession(c)
	if err != nil {
		return err
	}
	var req services.StartRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}

	view, err := h.checkouts.Start(c.Request().Context(), sess, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, view)
}

// ListCheckouts returns the member's recent checkouts
func (h *CheckoutHandler) ListCheckouts(c echo.Context) error {
	sess, err := currentSession(c)
	if err != nil {
		return err
	}
	rows, err := h.checkouts.History(c.Request().Context(), sess, min(queryInt(c, "limit", 20), 100))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"checkouts": rows})
}

// GetCheckout returns the current state of a checkout
func (h *CheckoutHandler) GetCheckout(c echo.Context) error {
	sess, err := currentSession(c)
	if err != nil {
		return err
	}
	view, err := h.checkouts.Get(c.Request().Context(), sess, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

// ListEvents returns the navigation history of a checkout
func (h *CheckoutHandler) ListEvents(c echo.Context) error {
	sess, err := currentSession(c)
	if err != nil {
		return err
	}
	events, err := h.checkouts.Events(c.Request().Context(), sess, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"events": events})
}

// Navigate receives every URL the embedded browser is about to load
func (h *CheckoutHandler) Navigate(c echo.Context) error {
	sess, err := currentSession(c)
	if err != nil {
		return err
	}
	var req navigationRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.URL) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Thiếu URL điều hướng.")
	}

	d, err := h.checkouts.Navigate(c.Request().Context(), sess, c.Param("id"), req.URL)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, d)
}

// ReportLoadError records that the payment page failed to load
func (h *CheckoutHandler) ReportLoadError(c echo.Context) error {
	sess, err := currentSession(c)
	if err != nil {
		return err
	}
	var req failureReport
	if err := bindJSON(c, &req); err != nil {
		return err
	}

	f, err := h.checkouts.LoadError(c.Request().Context(), sess, c.Param("id"), req.Description)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"failure": f, "retryable": f.Kind.Retryable()})
}

// Reload clears a load error before the client reloads the page
func (h *CheckoutHandler) Reload(c echo.Context) error {
	sess, err := currentSession(c)
	if err != nil {
		return err
	}
	view, err := h.checkouts.Reload(c.Request().Context(), sess, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

// Cancel handles the back button. Without "confirmed" a pending checkout answers with a prompt.
func (h *CheckoutHandler) Cancel(c echo.Context) error {
	sess, err := currentSession(c)
	if err != nil {
		return err
	}
	var req cancelRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}

	out, err := h.checkouts.Cancel(c.Request().Context(), sess, c.Param("id"), req.Confirmed)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

// ReportHandoffFailure records that the MoMo deep link could not be opened
func (h *CheckoutHandler) ReportHandoffFailure(c echo.Context) error {
	sess, err := currentSession(c)
	if err != nil {
		return err
	}
	var req failureReport
	if err := bindJSON(c, &req); err != nil {
		return err
	}

	f, err := h.checkouts.HandoffFailed(c.Request().Context(), sess, c.Param("id"), req.Description)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"failure": f, "retryable": f.Kind.Retryable()})
}

// CloseCheckout is called when the payment screen is dismissed
func (h *CheckoutHandler) CloseCheckout(c echo.Context) error {
	sess, err := currentSession(c)
	if err != nil {
		return err
	}
	if err := h.checkouts.Close(c.Request().Context(), sess, c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
