package middleware

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"gymhealth_checkout/internal/payment"
	"gymhealth_checkout/internal/services"
)

// ErrorResponse is the body of every error answer
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// statusFor maps an error to its HTTP status and the message shown to the member
func statusFor(err error) (int, ErrorResponse) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg, ok := he.Message.(string)
		if !ok || msg == "" {
			msg = http.StatusText(he.Code)
		}
		return he.Code, ErrorResponse{Error: msg}
	}

	var inputErr *services.InputError
	if errors.As(err, &inputErr) {
		return http.StatusBadRequest, ErrorResponse{Error: inputErr.Message, Kind: "invalid_input"}
	}

	var failure *payment.Failure
	if errors.As(err, &failure) {
		return http.StatusUnprocessableEntity, ErrorResponse{Error: failure.Message, Kind: string(failure.Kind)}
	}

	switch {
	case errors.Is(err, services.ErrCheckoutNotFound):
		return http.StatusNotFound, ErrorResponse{Error: "Không tìm thấy giao dịch.", Kind: "not_found"}
	case errors.Is(err, services.ErrCheckoutClosed):
		return http.StatusGone, ErrorResponse{Error: "Phiên thanh toán đã kết thúc.", Kind: "closed"}
	case errors.Is(err, payment.ErrSessionClosed), errors.Is(err, payment.ErrNotPending):
		return http.StatusConflict, ErrorResponse{Error: "Giao dịch đã có kết quả.", Kind: "decided"}
	case errors.Is(err, payment.ErrNoLoadError):
		return http.StatusConflict, ErrorResponse{Error: "Trang thanh toán không có lỗi cần tải lại.", Kind: "no_load_error"}
	case errors.Is(err, payment.ErrHandoffNotStarted):
		return http.StatusConflict, ErrorResponse{Error: "Chưa mở ứng dụng MoMo.", Kind: "no_handoff"}
	case errors.Is(err, services.ErrEmptyMessage):
		return http.StatusBadRequest, ErrorResponse{Error: "Tin nhắn không được để trống.", Kind: "invalid_input"}
	case errors.Is(err, services.ErrUnauthorized):
		return http.StatusUnauthorized, ErrorResponse{Error: services.UserMessage(err), Kind: "unauthorized"}
	case errors.Is(err, services.ErrForbidden):
		return http.StatusForbidden, ErrorResponse{Error: services.UserMessage(err), Kind: "forbidden"}
	case errors.Is(err, services.ErrInvalidRequest):
		return http.StatusBadRequest, ErrorResponse{Error: services.UserMessage(err), Kind: "invalid_request"}
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound, ErrorResponse{Error: services.UserMessage(err), Kind: "not_found"}
	case errors.Is(err, services.ErrUpstream), errors.Is(err, services.ErrUnreachable), errors.Is(err, services.ErrUnexpected):
		return http.StatusBadGateway, ErrorResponse{Error: services.UserMessage(err), Kind: "backend"}
	}
	return http.StatusInternalServerError, ErrorResponse{Error: "Đã xảy ra lỗi. Vui lòng thử lại sau."}
}

// JSONErrorHandler creates the echo error handler. Every error is answered with an
// ErrorResponse; server errors are logged.
func JSONErrorHandler(log *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code, body := statusFor(err)
		if code >= http.StatusInternalServerError {
			log.Error("request failed",
				zap.String("method", c.Request().Method),
				zap.String("path", c.Path()),
				zap.Int("status", code),
				zap.Error(err),
			)
		} else {
			log.Debug("request rejected", zap.String("path", c.Path()), zap.Int("status", code), zap.Error(err))
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(code)
		} else {
			err = c.JSON(code, body)
		}
		if err != nil {
			log.Error("failed to write error response", zap.Error(err))
		}
	}
}
