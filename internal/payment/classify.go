package payment

import (
	"net/url"
	"regexp"
	"strings"
)

// TransitionKind tells the interpreter what a classified URL means
type TransitionKind int

const (
	// TransitionSuccess commits SUCCESS with the parsed metadata
	TransitionSuccess TransitionKind = iota + 1
	// TransitionFailed commits FAILED with Code
	TransitionFailed
	// TransitionSettleFailed commits FAILED with Code only if nothing else decides within the settle delay
	TransitionSettleFailed
	// TransitionDeepLink asks the host to open DeepLink (FallbackURL if that fails)
	TransitionDeepLink
)

// Transition is the outcome of classifying a single navigation URL
type Transition struct {
	Kind        TransitionKind
	Code        string
	Meta        *TransactionMeta
	DeepLink    string
	FallbackURL string
	Rule        string
}

// Context is the part of the session a classifier needs
type Context struct {
	Method   Method
	BankHint string
	// GatewayHosts are the domains whose pages are interpreted. Subdomains match.
	GatewayHosts []string
}

// DefaultGatewayHosts covers the VNPay sandbox and production domains
var DefaultGatewayHosts = []string{"vnpayment.vn"}

var (
	errorPagePattern = regexp.MustCompile(`(?i)/Error\.html$`)

	successSignals = []struct {
		name    string
		pattern *regexp.Regexp
	}{
		{"response_code_ok", regexp.MustCompile(`(?i)[?&]vnp_ResponseCode=00(?:[&#]|$)`)},
		{"transaction_status_ok", regexp.MustCompile(`(?i)[?&]vnp_TransactionStatus=00(?:[&#]|$)`)},
		{"success_page", regexp.MustCompile(`(?i)payment.*success|success.*payment|PaymentReturn.*success`)},
	}

	returnPathPattern = regexp.MustCompile(`(?i)return|callback`)
)

const (
	intentScheme = "intent://"
	momoScheme   = "momo://"
)

// Classify evaluates one navigation URL. It has no side effects; ok is false when the URL
// says nothing decisive and the session should keep waiting.
func Classify(rawURL string, c Context) (Transition, bool) {
	if c.Method == MethodMoMo {
		return classifyMoMo(rawURL)
	}
	return classifyVNPay(rawURL, c)
}

func classifyMoMo(rawURL string) (Transition, bool) {
	if len(rawURL) < len(intentScheme) || !strings.EqualFold(rawURL[:len(intentScheme)], intentScheme) {
		return Transition{}, false
	}
	return Transition{
		Kind:        TransitionDeepLink,
		DeepLink:    momoScheme + rawURL[len(intentScheme):],
		FallbackURL: rawURL,
		Rule:        "momo_intent",
	}, true
}

func classifyVNPay(rawURL string, c Context) (Transition, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || !IsGatewayHost(u.Hostname(), c.GatewayHosts) {
		return Transition{}, false
	}
	q := u.Query()

	if errorPagePattern.MatchString(u.Path) {
		code := firstNonEmpty(q.Get("code"), q.Get("vnp_ResponseCode"), DefaultErrorCode)
		return Transition{Kind: TransitionSettleFailed, Code: code, Rule: "error_page"}, true
	}

	for _, signal := range successSignals {
		if signal.pattern.MatchString(rawURL) {
			return Transition{Kind: TransitionSuccess, Meta: parseMeta(q), Rule: signal.name}, true
		}
	}

	if returnPathPattern.MatchString(u.Path) {
		responseCode := q.Get("vnp_ResponseCode")
		if responseCode == SentinelOK || q.Get("vnp_TransactionStatus") == SentinelOK {
			return Transition{Kind: TransitionSuccess, Meta: parseMeta(q), Rule: "return_url"}, true
		}
		if responseCode != "" {
			return Transition{Kind: TransitionFailed, Code: responseCode, Rule: "return_url"}, true
		}
	}

	return Transition{}, false
}

// IsGatewayHost reports whether host is one of domains or a subdomain of one
func IsGatewayHost(host string, domains []string) bool {
	if len(domains) == 0 {
		domains = DefaultGatewayHosts
	}
	host = strings.ToLower(host)
	for _, d := range domains {
		d = strings.ToLower(strings.TrimPrefix(d, "."))
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func parseMeta(q url.Values) *TransactionMeta {
	return &TransactionMeta{
		TransactionID: q.Get("vnp_TransactionNo"),
		TxnRef:        q.Get("vnp_TxnRef"),
		BankCode:      q.Get("vnp_BankCode"),
		PayDate:       q.Get("vnp_PayDate"),
		ResponseCode:  q.Get("vnp_ResponseCode"),
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
