package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"gymhealth_checkout/internal/logging"
	"gymhealth_checkout/internal/payment"
)

// step is one line of replay output
type step struct {
	URL      string            `json:"url,omitempty"`
	Decision *payment.Decision `json:"decision,omitempty"`
	Result   *payment.Result   `json:"result,omitempty"`
}

func main() {
	method := flag.String("method", "vnpay", "Payment method: momo or vnpay")
	bank := flag.String("bank", "", "VNPay bank hint")
	subscription := flag.String("subscription", "0", "Subscription ID reported in results")
	settle := flag.Duration("settle", payment.DefaultSettleDelay, "Settle delay for gateway error pages")
	hosts := flag.String("hosts", strings.Join(payment.DefaultGatewayHosts, ","), "Comma separated gateway domains")
	verbose := flag.Bool("v", false, "Log interpreter decisions")
	flag.Parse()

	in := io.Reader(os.Stdin)
	if path := flag.Arg(0); path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open %s: %v\n", path, err)
			os.Exit(1)
		}
		defer f.Close()
		in = f
	}

	sel, err := payment.Select(*method, *bank)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log := zap.NewNop()
	if *verbose {
		log = logging.MustNewLogger("replay-nav", "development")
	}

	sess := payment.Session{SubscriptionID: *subscription, Method: sel.Method, BankHint: sel.BankHint}
	opts := []payment.Option{
		payment.WithSettleDelay(*settle),
		payment.WithGatewayHosts(strings.Split(*hosts, ",")...),
		payment.WithLogger(log),
	}
	if _, err := replay(context.Background(), in, os.Stdout, sess, *settle, opts...); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// replay feeds every non-empty, non-comment line of in to a fresh interpreter and writes
// one JSON line per decision, then one with the final result. A pending error page is
// given the settle delay to commit before the result is written.
func replay(ctx context.Context, in io.Reader, out io.Writer, sess payment.Session, settle time.Duration, opts ...payment.Option) (payment.Result, error) {
	committed := make(chan payment.Result, 1)
	opts = append(opts, payment.WithNotifier(payment.NotifierFunc(func(_ context.Context, r payment.Result) {
		committed <- r
	})))
	interp := payment.NewInterpreter(sess, opts...)
	defer interp.Close()

	enc := json.NewEncoder(out)
	var last payment.Decision
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		last = interp.Observe(ctx, line)
		if err := enc.Encode(step{URL: line, Decision: &last}); err != nil {
			return payment.Result{}, errors.Wrap(err, "write decision")
		}
	}
	if err := scanner.Err(); err != nil {
		return payment.Result{}, errors.Wrap(err, "read urls")
	}

	r := interp.Result()
	if last.SettlePending {
		select {
		case r = <-committed:
		case <-time.After(settle + 100*time.Millisecond):
			r = interp.Result()
		case <-ctx.Done():
			return r, ctx.Err()
		}
	}
	if err := enc.Encode(step{Result: &r}); err != nil {
		return r, errors.Wrap(err, "write result")
	}
	return r, nil
}
