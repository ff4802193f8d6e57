package handlers

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"gymhealth_checkout/internal/services"
)

type PackageHandler struct {
	members *services.MemberService
}

func NewPackageHandler(members *services.MemberService) *PackageHandler {
	return &PackageHandler{members: members}
}

// ListPackages returns the gym packages. The endpoint is public.
func (h *PackageHandler) ListPackages(c echo.Context) error {
	query := services.PackageQuery{
		Name:        c.QueryParam("name"),
		PackageType: c.QueryParam("package_type"),
		MinPrice:    c.QueryParam("min_price"),
		MaxPrice:    c.QueryParam("max_price"),
	}
	if v := c.QueryParam("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "Tham số active không hợp lệ.")
		}
		query.Active = &active
	}

	pkgs, err := h.members.Packages(c.Request().Context(), query)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"packages": pkgs})
}

// ActiveSubscription returns the member's current package, null when there is none
func (h *PackageHandler) ActiveSubscription(c echo.Context) error {
	sess, err := currentSession(c)
	if err != nil {
		return err
	}
	sub, err := h.members.ActiveSubscription(c.Request().Context(), sess)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"subscription": sub})
}

// SubscriptionHistory returns one page of the member's subscriptions
func (h *PackageHandler) SubscriptionHistory(c echo.Context) error {
	sess, err := currentSession(c)
	if err != nil {
		return err
	}
	page, err := h.members.SubscriptionHistory(c.Request().Context(), sess, queryInt(c, "page", 1))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, page)
}
