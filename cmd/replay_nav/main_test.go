package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gymhealth_checkout/internal/payment"
)

func TestReplay(t *testing.T) {
	tests := []struct {
		name       string
		method     payment.Method
		urls       string
		wantSteps  int
		wantStatus payment.Status
		wantReason string
	}{
		{
			name:   "vnpay success",
			method: payment.MethodVNPay,
			urls: `# checkout opened
https://sandbox.vnpayment.vn/paymentv2/vpcpay.html?vnp_Amount=50000000

https://sandbox.vnpayment.vn/return?vnp_ResponseCode=00&vnp_TransactionNo=99`,
			wantSteps:  3,
			wantStatus: payment.StatusSuccess,
		},
		{
			name:       "error page settles",
			method:     payment.MethodVNPay,
			urls:       "https://sandbox.vnpayment.vn/paymentv2/Payment/Error.html?code=24",
			wantSteps:  2,
			wantStatus: payment.StatusFailed,
			wantReason: "24",
		},
		{
			name:       "nothing decided",
			method:     payment.MethodVNPay,
			urls:       "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html",
			wantSteps:  2,
			wantStatus: payment.StatusPending,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			sess := payment.Session{SubscriptionID: "42", Method: tt.method}
			r, err := replay(context.Background(), strings.NewReader(tt.urls), &out, sess, 10*time.Millisecond,
				payment.WithSettleDelay(10*time.Millisecond))
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, r.Status)
			assert.Equal(t, tt.wantReason, r.ReasonCode)

			lines := strings.Split(strings.TrimSpace(out.String()), "\n")
			require.Len(t, lines, tt.wantSteps)
			var final step
			require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &final))
			require.NotNil(t, final.Result)
			assert.Equal(t, tt.wantStatus, final.Result.Status)
		})
	}
}
