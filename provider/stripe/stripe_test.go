package stripeprovider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/PaulFidika/unlockkit/money"
	"github.com/PaulFidika/unlockkit/provider"
)

type recorded struct {
	method, path, idem string
	form               url.Values
}

func newTestProvider(t *testing.T, h func(w http.ResponseWriter, r *http.Request)) (*Provider, *[]recorded) {
	t.Helper()
	var mu sync.Mutex
	var calls []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		form, _ := url.ParseQuery(string(body))
		mu.Lock()
		calls = append(calls, recorded{r.Method, r.URL.Path, r.Header.Get("Idempotency-Key"), form})
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	p, err := New(Config{SecretKey: "sk_test_x", Backend: backend})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return p, &calls
}

func TestCreatePaymentSendsMinorUnitsAndIdempotencyKey(t *testing.T) {
	p, calls := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"pi_1","object":"payment_intent","client_secret":"pi_1_secret","status":"requires_payment_method","amount":1999,"currency":"usd"}`)
	})
	pay, err := p.CreatePayment(context.Background(), provider.PaymentRequest{
		IdempotencyKey: "intent-1",
		Amount:         money.MustParse("19.99", "usd"),
		Metadata:       map[string]string{"opportunity_id": "opp-1"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if pay.ID != "pi_1" || pay.ClientSecret != "pi_1_secret" || pay.Status != provider.Pending {
		t.Fatalf("unexpected payment %+v", pay)
	}
	c := (*calls)[0]
	if c.method != http.MethodPost || c.path != "/v1/payment_intents" {
		t.Fatalf("unexpected request %s %s", c.method, c.path)
	}
	if c.idem != "intent-1" {
		t.Fatalf("idempotency key = %q", c.idem)
	}
	if c.form.Get("amount") != "1999" || c.form.Get("currency") != "usd" {
		t.Fatalf("unexpected form %v", c.form)
	}
	if c.form.Get("metadata[opportunity_id]") != "opp-1" {
		t.Fatalf("metadata missing: %v", c.form)
	}
}

func TestSettlementStatusMapping(t *testing.T) {
	cases := map[string]provider.SettlementStatus{
		"succeeded":               provider.Settled,
		"processing":              provider.Pending,
		"requires_payment_method": provider.Pending,
		"requires_action":         provider.Pending,
		"requires_capture":        provider.Pending,
		"canceled":                provider.Canceled,
	}
	for status, want := range cases {
		p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, `{"id":"pi_2","object":"payment_intent","status":%q,"amount":900,"currency":"usd"}`, status)
		})
		s, err := p.Settlement(context.Background(), "pi_2")
		if err != nil {
			t.Fatalf("%s: %v", status, err)
		}
		if s.Status != want {
			t.Fatalf("%s: got %s want %s", status, s.Status, want)
		}
		if !s.Amount.Equal(money.MustParse("9", "usd")) {
			t.Fatalf("%s: amount %s", status, s.Amount)
		}
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		code int
		body string
		want error
	}{
		{402, `{"error":{"type":"card_error","code":"card_declined","decline_code":"insufficient_funds","message":"no"}}`, provider.ErrDeclined},
		{404, `{"error":{"type":"invalid_request_error","code":"resource_missing","message":"no such intent"}}`, provider.ErrNotFound},
		{429, `{"error":{"type":"invalid_request_error","code":"rate_limit","message":"slow down"}}`, provider.ErrUnavailable},
		{500, `{"error":{"type":"api_error","message":"boom"}}`, provider.ErrUnavailable},
	}
	for _, tc := range cases {
		p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.code)
			fmt.Fprint(w, tc.body)
		})
		_, err := p.Settlement(context.Background(), "pi_x")
		if !errors.Is(err, tc.want) {
			t.Fatalf("status %d: got %v want %v", tc.code, err, tc.want)
		}
	}
}

func TestRefundTreatsAlreadyRefundedAsSuccess(t *testing.T) {
	p, calls := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"type":"invalid_request_error","code":"charge_already_refunded","message":"done"}}`)
	})
	if err := p.Refund(context.Background(), "pi_3", "cap_reached"); err != nil {
		t.Fatalf("refund: %v", err)
	}
	c := (*calls)[0]
	if c.path != "/v1/refunds" || c.form.Get("payment_intent") != "pi_3" || c.idem != "refund:pi_3" {
		t.Fatalf("unexpected refund request %+v", c)
	}
}

func TestParseWebhook(t *testing.T) {
	const secret = "whsec_test"
	now := time.Now()
	sign := func(payload string) string {
		sp := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: []byte(payload), Secret: secret})
		return sp.Header
	}
	event := func(typ, object string) string {
		return fmt.Sprintf(`{"id":"evt_1","object":"event","type":%q,"api_version":"2020-08-27","data":{"object":%s}}`, typ, object)
	}

	ok := event("payment_intent.succeeded", `{"id":"pi_9","object":"payment_intent","status":"succeeded","amount":4900,"currency":"usd"}`)
	s, handled, err := ParseWebhook([]byte(ok), sign(ok), secret, now)
	if err != nil || !handled {
		t.Fatalf("succeeded: %v %v", handled, err)
	}
	if s.PaymentID != "pi_9" || s.Status != provider.Settled || !s.Amount.Equal(money.MustParse("49", "usd")) {
		t.Fatalf("unexpected settlement %+v", s)
	}

	failed := event("payment_intent.payment_failed", `{"id":"pi_8","object":"payment_intent","status":"requires_payment_method","amount":900,"currency":"usd","last_payment_error":{"type":"card_error","code":"card_declined","decline_code":"stolen_card"}}`)
	s, handled, err = ParseWebhook([]byte(failed), sign(failed), secret, now)
	if err != nil || !handled || s.Status != provider.Declined || s.DeclineReason != "stolen_card" {
		t.Fatalf("failed: %+v %v %v", s, handled, err)
	}

	other := event("charge.refunded", `{"id":"ch_1","object":"charge"}`)
	if _, handled, err = ParseWebhook([]byte(other), sign(other), secret, now); err != nil || handled {
		t.Fatalf("unrelated events are ignored: %v %v", handled, err)
	}

	if _, _, err = ParseWebhook([]byte(ok), sign(ok), "whsec_other", now); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected bad signature, got %v", err)
	}
}
