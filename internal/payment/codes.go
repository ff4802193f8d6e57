package payment

import (
	"maps"
	"slices"
)

// SentinelOK is the value VNPay uses for "succeeded" in vnp_ResponseCode and vnp_TransactionStatus
const SentinelOK = "00"

// DefaultErrorCode is used when an error page carries no code
const DefaultErrorCode = "99"

// CodeUserCancelled is the VNPay response code for a member cancelling on the gateway page
const CodeUserCancelled = "24"

// GenericMessage is returned for codes that are not in the table
const GenericMessage = "Lỗi không xác định từ cổng thanh toán. Vui lòng thử lại sau."

var responseMessages = map[string]string{
	"00": "Giao dịch thành công",
	"07": "Trừ tiền thành công. Giao dịch bị nghi ngờ (liên quan tới lừa đảo, giao dịch bất thường).",
	"09": "Giao dịch không thành công do: Thẻ/Tài khoản của khách hàng chưa đăng ký dịch vụ InternetBanking tại ngân hàng.",
	"10": "Giao dịch không thành công do: Khách hàng xác thực thông tin thẻ/tài khoản không đúng quá 3 lần",
	"11": "Giao dịch không thành công do: Đã hết hạn chờ thanh toán. Xin quý khách vui lòng thực hiện lại giao dịch.",
	"12": "Giao dịch không thành công do: Thẻ/Tài khoản của khách hàng bị khóa.",
	"13": "Giao dịch không thành công do Quý khách nhập sai mật khẩu xác thực giao dịch (OTP). Xin quý khách vui lòng thực hiện lại giao dịch.",
	"24": "Giao dịch không thành công do: Khách hàng hủy giao dịch",
	"51": "Giao dịch không thành công do: Tài khoản của quý khách không đủ số dư để thực hiện giao dịch.",
	"65": "Giao dịch không thành công do: Tài khoản của Quý khách đã vượt quá hạn mức giao dịch trong ngày.",
	"75": "Ngân hàng thanh toán đang bảo trì.",
	"79": "Giao dịch không thành công do: KH nhập sai mật khẩu thanh toán quá số lần quy định. Xin quý khách vui lòng thực hiện lại giao dịch",
	"99": "Các lỗi khác (lỗi còn lại, không có trong danh sách mã lỗi đã liệt kê)",
}

// Message maps a gateway response code to the message shown to the member
func Message(code string) string {
	if msg, ok := responseMessages[code]; ok {
		return msg
	}
	return GenericMessage
}

// KnownCodes returns every code with a dedicated message, sorted
func KnownCodes() []string {
	return slices.Sorted(maps.Keys(responseMessages))
}
