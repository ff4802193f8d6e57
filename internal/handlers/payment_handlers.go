package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/samber/lo"

	"gymhealth_checkout/internal/payment"
)

// PaymentHandler serves the static data of the payment method selector
type PaymentHandler struct{}

func NewPaymentHandler() *PaymentHandler {
	return &PaymentHandler{}
}

type paymentCode struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ListMethods returns the method picker and the VNPay bank picker
func (h *PaymentHandler) ListMethods(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"methods":       payment.Methods(),
		"banks":         payment.Banks(),
		"defaultMethod": payment.MethodMoMo,
	})
}

// ListCodes returns every gateway response code with its message
func (h *PaymentHandler) ListCodes(c echo.Context) error {
	codes := lo.Map(payment.KnownCodes(), func(code string, _ int) paymentCode {
		return paymentCode{Code: code, Message: payment.Message(code)}
	})
	return c.JSON(http.StatusOK, map[string]any{"codes": codes})
}

// GetCode explains one gateway response code. Unknown codes get the generic message.
func (h *PaymentHandler) GetCode(c echo.Context) error {
	code := c.Param("code")
	return c.JSON(http.StatusOK, paymentCode{Code: code, Message: payment.Message(code)})
}

// Validate checks a method/bank choice the way checkout will
func (h *PaymentHandler) Validate(c echo.Context) error {
	var req struct {
		Method   string `json:"method"`
		BankCode string `json:"bankCode"`
	}
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	sel, err := payment.Select(req.Method, req.BankCode)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Phương thức thanh toán không được hỗ trợ")
	}
	resp := map[string]any{"selection": sel}
	if name, ok := payment.BankName(sel.BankHint); ok {
		resp["bankName"] = name
	}
	return c.JSON(http.StatusOK, resp)
}
