package gateway_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealflow/internal/common/apperr"
	"dealflow/internal/common/metrics"
	"dealflow/internal/common/money"
	"dealflow/internal/payments/gateway"
	"dealflow/internal/payments/gateway/gatewaytest"
)

const webhookSecret = "whsec_test"

func newStripe(t *testing.T, handler http.HandlerFunc, timeout time.Duration) *gateway.Stripe {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	gw, err := gateway.NewStripe(gateway.Config{
		SecretKey:          "sk_test_123",
		WebhookSecret:      webhookSecret,
		Timeout:            timeout,
		APIURL:             srv.URL,
		CheckoutSuccessURL: "https://app.test/success",
		CheckoutCancelURL:  "https://app.test/cancel",
	}, metrics.New(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return gw
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func TestCreateIntent(t *testing.T) {
	gw := newStripe(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/payment_intents", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "50000", r.PostForm.Get("amount"))
		assert.Equal(t, "usd", r.PostForm.Get("currency"))
		assert.Equal(t, "deal-1", r.PostForm.Get("metadata[dealId]"))

		writeJSON(w, http.StatusOK, `{
			"id": "pi_1",
			"object": "payment_intent",
			"amount": 50000,
			"currency": "usd",
			"status": "requires_payment_method",
			"client_secret": "pi_1_secret_abc",
			"metadata": {"dealId": "deal-1"}
		}`)
	}, time.Second)

	in, err := gw.CreateIntent(context.Background(), money.New(50000, money.USD), map[string]string{
		gateway.MetaDealID: "deal-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "pi_1", in.ID)
	assert.Equal(t, gateway.IntentRequiresPaymentMethod, in.Status)
	assert.Equal(t, "pi_1_secret_abc", in.ClientSecret)
	assert.Equal(t, money.New(50000, money.USD), in.Amount)
	assert.Equal(t, "deal-1", in.Metadata[gateway.MetaDealID])
}

func TestConfirmRequiresAction(t *testing.T) {
	gw := newStripe(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payment_intents/pi_1/confirm", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "pm_card_visa", r.PostForm.Get("payment_method"))

		writeJSON(w, http.StatusOK, `{
			"id": "pi_1",
			"object": "payment_intent",
			"amount": 1000,
			"currency": "eur",
			"status": "requires_action",
			"client_secret": "pi_1_secret",
			"next_action": {"type": "use_stripe_sdk"}
		}`)
	}, time.Second)

	in, err := gw.ConfirmIntent(context.Background(), "pi_1", "pm_card_visa")
	require.NoError(t, err)
	assert.Equal(t, gateway.IntentRequiresAction, in.Status)
	assert.Equal(t, money.EUR, in.Amount.Currency)
	assert.Contains(t, string(in.NextAction), "use_stripe_sdk")
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		kind        apperr.Kind
		declineCode string
	}{
		{
			name:        "card decline",
			status:      http.StatusPaymentRequired,
			body:        `{"error":{"type":"card_error","code":"card_declined","decline_code":"insufficient_funds","message":"Your card has insufficient funds."}}`,
			kind:        apperr.KindPaymentFailed,
			declineCode: "insufficient_funds",
		},
		{
			name:   "rate limited",
			status: http.StatusTooManyRequests,
			body:   `{"error":{"type":"invalid_request_error","code":"rate_limit","message":"Too many requests"}}`,
			kind:   apperr.KindTooManyRequests,
		},
		{
			name:   "invalid request",
			status: http.StatusBadRequest,
			body:   `{"error":{"type":"invalid_request_error","param":"amount","message":"Invalid integer"}}`,
			kind:   apperr.KindInvalidRequest,
		},
		{
			name:   "processor failure",
			status: http.StatusInternalServerError,
			body:   `{"error":{"type":"api_error","message":"Something went wrong"}}`,
			kind:   apperr.KindUpstreamError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := newStripe(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			}, time.Second)

			_, err := gw.CreateIntent(context.Background(), money.New(100, money.USD), nil)
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperr.KindOf(err))

			var ae *apperr.Error
			require.ErrorAs(t, err, &ae)
			assert.Equal(t, tt.declineCode, ae.DeclineCode)
			assert.NotContains(t, ae.Message, "Invalid integer", "processor detail must not leak")
		})
	}
}

func TestTimeout(t *testing.T) {
	gw := newStripe(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}, 50*time.Millisecond)

	_, err := gw.CreatePayout(context.Background(), money.New(100, money.USD), "", nil)
	require.Error(t, err)
	assert.Equal(t, apperr.KindUpstreamTimeout, apperr.KindOf(err))
}

func TestCreatePayoutAndCheckout(t *testing.T) {
	gw := newStripe(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		switch r.URL.Path {
		case "/v1/payouts":
			assert.Equal(t, "ba_123", r.PostForm.Get("destination"))
			assert.Equal(t, "user-1", r.PostForm.Get("metadata[userId]"))
			assert.Equal(t, "wd-1", r.PostForm.Get("metadata[withdrawalId]"))
			assert.Equal(t, "withdrawal-wd-1", r.Header.Get("Idempotency-Key"))
			writeJSON(w, http.StatusOK, `{"id":"po_1","object":"payout","amount":2500,"currency":"usd","status":"pending"}`)
		case "/v1/checkout/sessions":
			assert.Equal(t, "payment", r.PostForm.Get("mode"))
			assert.Equal(t, "deal-1", r.PostForm.Get("payment_intent_data[metadata][dealId]"))
			writeJSON(w, http.StatusOK, `{"id":"cs_1","object":"checkout.session","url":"https://checkout.stripe.com/c/cs_1","payment_intent":"pi_9"}`)
		default:
			http.NotFound(w, r)
		}
	}, time.Second)

	po, err := gw.CreatePayout(context.Background(), money.New(2500, money.USD), "ba_123", map[string]string{
		gateway.MetaUserID:       "user-1",
		gateway.MetaWithdrawalID: "wd-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "po_1", po.ID)
	assert.Equal(t, gateway.PayoutPending, po.Status)

	cs, err := gw.CreateCheckoutSession(context.Background(), money.New(2500, money.USD), map[string]string{gateway.MetaDealID: "deal-1"})
	require.NoError(t, err)
	assert.Equal(t, "cs_1", cs.ID)
	assert.Equal(t, "https://checkout.stripe.com/c/cs_1", cs.URL)
	assert.Equal(t, "pi_9", cs.PaymentIntentID)
}

func TestParseWebhook(t *testing.T) {
	gw := newStripe(t, http.NotFound, time.Second)
	payload := gatewaytest.IntentEvent("evt_1", gateway.EventIntentSucceeded, &gateway.Intent{
		ID:       "pi_1",
		Status:   gateway.IntentSucceeded,
		Amount:   money.New(50000, money.USD),
		Metadata: map[string]string{gateway.MetaDealID: "deal-1", gateway.MetaPaymentType: "escrow"},
	})

	evt, err := gw.ParseWebhook(payload, gatewaytest.Sign(payload, webhookSecret, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, "evt_1", evt.ID)
	assert.Equal(t, gateway.EventIntentSucceeded, evt.Type)
	require.NotNil(t, evt.Intent)
	assert.Equal(t, "pi_1", evt.Intent.ID)
	assert.Equal(t, money.New(50000, money.USD), evt.Intent.Amount)
	assert.Equal(t, "escrow", evt.Intent.Metadata[gateway.MetaPaymentType])
	assert.Nil(t, evt.Payout)

	payout := gatewaytest.PayoutEvent("evt_2", gateway.EventPayoutFailed, &gateway.Payout{
		ID:             "po_1",
		Status:         gateway.PayoutFailed,
		Amount:         money.New(700, money.USD),
		FailureCode:    "account_closed",
		FailureMessage: "The bank account has been closed",
	})
	evt, err = gw.ParseWebhook(payout, gatewaytest.Sign(payout, webhookSecret, time.Now()))
	require.NoError(t, err)
	require.NotNil(t, evt.Payout)
	assert.Equal(t, "account_closed", evt.Payout.FailureCode)
	assert.Equal(t, gateway.PayoutFailed, evt.Payout.Status)
}

func TestParseWebhookRejects(t *testing.T) {
	payload := gatewaytest.UnknownEvent("evt_1", "customer.created")
	now := time.Now()

	_, err := gateway.ParseStripeEvent(payload, gatewaytest.Sign(payload, "whsec_other", now), webhookSecret)
	assert.Equal(t, apperr.KindSignatureInvalid, apperr.KindOf(err))

	_, err = gateway.ParseStripeEvent(payload, "", webhookSecret)
	assert.Equal(t, apperr.KindSignatureInvalid, apperr.KindOf(err))

	tampered := append([]byte{}, payload...)
	tampered[len(tampered)-2] = ' '
	_, err = gateway.ParseStripeEvent(tampered, gatewaytest.Sign(payload, webhookSecret, now), webhookSecret)
	assert.Equal(t, apperr.KindSignatureInvalid, apperr.KindOf(err))

	stale := gatewaytest.Sign(payload, webhookSecret, now.Add(-time.Hour))
	_, err = gateway.ParseStripeEvent(payload, stale, webhookSecret)
	assert.Equal(t, apperr.KindSignatureInvalid, apperr.KindOf(err))

	junk := []byte(`{"not":"an event"`)
	_, err = gateway.ParseStripeEvent(junk, gatewaytest.Sign(junk, webhookSecret, now), webhookSecret)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	evt, err := gateway.ParseStripeEvent(payload, gatewaytest.Sign(payload, webhookSecret, now), webhookSecret)
	require.NoError(t, err)
	assert.Equal(t, "customer.created", evt.Type)
	assert.Nil(t, evt.Intent)
	assert.Nil(t, evt.Payout)
}
