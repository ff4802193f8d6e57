package payment

import (
	"fmt"
	"strings"

	"github.com/samber/lo"
)

// BankAll is the selector value meaning "let the gateway page decide"
const BankAll = "ALL"

// Bank is one entry of the VNPay bank picker
type Bank struct {
	Code  string `json:"code"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// MethodOption is one entry of the method picker
type MethodOption struct {
	ID          Method `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Color       string `json:"color"`
}

var methodOptions = []MethodOption{
	{ID: MethodMoMo, Name: "MoMo", Description: "Ví điện tử MoMo", Color: "#D82D8B"},
	{ID: MethodVNPay, Name: "VNPay", Description: "Thanh toán qua VNPay", Color: "#0066CC"},
}

var popularBanks = []Bank{
	{Code: "VIETCOMBANK", Name: "Vietcombank", Color: "#007A33"},
	{Code: "TECHCOMBANK", Name: "Techcombank", Color: "#FF6B35"},
	{Code: "BIDV", Name: "BIDV", Color: "#1E4A8C"},
	{Code: "AGRIBANK", Name: "Agribank", Color: "#00A651"},
	{Code: "MBBANK", Name: "MB Bank", Color: "#FF6B00"},
	{Code: "ACB", Name: "ACB", Color: "#1BA1E2"},
	{Code: "VIETINBANK", Name: "VietinBank", Color: "#E30613"},
	{Code: "SACOMBANK", Name: "Sacombank", Color: "#0066CC"},
}

// vnpayBankCodes maps picker codes to the short codes VNPay expects in vnp_BankCode
var vnpayBankCodes = map[string]string{
	"VIETCOMBANK":  "VCB",
	"TECHCOMBANK":  "TCB",
	"BIDV":         "BIDV",
	"AGRIBANK":     "AGRI",
	"MBBANK":       "MB",
	"ACB":          "ACB",
	"VIETINBANK":   "CTG",
	"SACOMBANK":    "STB",
	"NCB":          "NCB",
	"SCB":          "SCB",
	"EXIMBANK":     "EIB",
	"MSBANK":       "MSB",
	"NAMABANK":     "NAB",
	"VNMART":       "VNMART",
	"HDBANK":       "HDB",
	"SHB":          "SHB",
	"ABBANK":       "ABB",
	"OCB":          "OCB",
	"BACABANK":     "BAB",
	"VPBANK":       "VPB",
	"VIB":          "VIB",
	"DONGABANK":    "DAB",
	"TPBANK":       "TPB",
	"OJB":          "OJB",
	"SEABANK":      "SEAB",
	"UOB":          "UOB",
	"PBVN":         "PBVN",
	"GPBANK":       "GPB",
	"ANZ":          "ANZ",
	"HSBC":         "HSBC",
	"DB":           "DB",
	"SHINHAN":      "SHINHAN",
	"MIRAE":        "MIRAE",
	"CIMB":         "CIMB",
	"KEB":          "KEB",
	"CBBANK":       "CBB",
	"KIENLONGBANK": "KLB",
	"IVB":          "IVB",
}

// Methods returns the method picker options, MoMo first (the default)
func Methods() []MethodOption {
	return append([]MethodOption(nil), methodOptions...)
}

// Banks returns the bank picker, starting with the "all banks" option
func Banks() []Bank {
	return append([]Bank{{Code: BankAll, Name: "Tất cả ngân hàng"}}, popularBanks...)
}

// BankName returns the display name of a picker code
func BankName(code string) (string, bool) {
	b, ok := lo.Find(popularBanks, func(b Bank) bool { return b.Code == code })
	return b.Name, ok
}

// VNPayBankCode maps a picker code to its VNPay short code. Unknown codes pass through.
func VNPayBankCode(code string) string {
	if short, ok := vnpayBankCodes[strings.ToUpper(code)]; ok {
		return short
	}
	return code
}

// Selection is what the method selector hands to checkout
type Selection struct {
	Method   Method `json:"method"`
	BankHint string `json:"bankHint,omitempty"`
}

// Select validates a picker choice. The bank is ignored for MoMo and "ALL" or empty means no hint.
func Select(method, bank string) (Selection, error) {
	m, ok := ParseMethod(method)
	if !ok {
		return Selection{}, fmt.Errorf("unsupported payment method %q", method)
	}
	sel := Selection{Method: m}
	if m != MethodVNPay {
		return sel, nil
	}
	bank = strings.ToUpper(strings.TrimSpace(bank))
	if bank == "" || bank == BankAll {
		return sel, nil
	}
	sel.BankHint = bank
	return sel, nil
}
