// Package gatewaytest provides an in-memory Gateway and helpers for
// building signed webhook deliveries.
package gatewaytest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"dealflow/internal/common/apperr"
	"dealflow/internal/common/money"
	"dealflow/internal/payments/gateway"
)

// Fake is an in-memory Gateway. Webhook signatures are verified exactly as
// the Stripe gateway does, against Secret.
type Fake struct {
	Secret string

	mu            sync.Mutex
	seq           int
	intents       map[string]*gateway.Intent
	payouts       []*gateway.Payout
	confirmStatus gateway.IntentStatus
	declineCode   string
	payoutErr     error
	lostPayouts   int
	calls         map[string]int
}

var _ gateway.Gateway = (*Fake)(nil)

// NewFake creates a fake whose confirmations succeed.
func NewFake(secret string) *Fake {
	return &Fake{
		Secret:        secret,
		intents:       map[string]*gateway.Intent{},
		confirmStatus: gateway.IntentSucceeded,
		calls:         map[string]int{},
	}
}

// ConfirmAs makes later confirmations end in status. A non-empty
// declineCode is attached as the intent's last payment error.
func (f *Fake) ConfirmAs(status gateway.IntentStatus, declineCode string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmStatus = status
	f.declineCode = declineCode
}

// FailPayouts makes later payouts fail with err. A nil err restores them.
func (f *Fake) FailPayouts(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payoutErr = err
}

// LosePayoutResponses makes the next n payouts reach the processor and then
// time out before the response arrives.
func (f *Fake) LosePayoutResponses(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lostPayouts = n
}

// Payouts returns the payouts created so far.
func (f *Fake) Payouts() []*gateway.Payout {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*gateway.Payout(nil), f.payouts...)
}

// Calls returns how often operation was invoked.
func (f *Fake) Calls(operation string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[operation]
}

func (f *Fake) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s_%d", prefix, f.seq)
}

func (f *Fake) CreateIntent(ctx context.Context, amount money.Money, metadata map[string]string) (*gateway.Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["create_intent"]++
	return f.createIntent(amount, metadata), nil
}

func (f *Fake) createIntent(amount money.Money, metadata map[string]string) *gateway.Intent {
	id := f.nextID("pi")
	in := &gateway.Intent{
		ID:           id,
		Status:       gateway.IntentRequiresPaymentMethod,
		Amount:       amount,
		ClientSecret: id + "_secret",
		Metadata:     copyMeta(metadata),
	}
	f.intents[id] = in
	return copyIntent(in)
}

func (f *Fake) ConfirmIntent(ctx context.Context, id, paymentMethod string) (*gateway.Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["confirm_intent"]++
	in, ok := f.intents[id]
	if !ok {
		return nil, apperr.New(apperr.KindInvalidRequest, "No such payment_intent: %s", id)
	}

	in.Status = f.confirmStatus
	in.NextAction = nil
	in.LastError = nil
	switch {
	case f.confirmStatus == gateway.IntentRequiresAction:
		in.NextAction = json.RawMessage(`{"type":"use_stripe_sdk"}`)
	case f.declineCode != "":
		in.LastError = &gateway.PaymentError{Code: "card_declined", DeclineCode: f.declineCode, Message: "Your card was declined."}
	}
	return copyIntent(in), nil
}

func (f *Fake) RetrieveIntent(ctx context.Context, id string) (*gateway.Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["retrieve_intent"]++
	in, ok := f.intents[id]
	if !ok {
		return nil, apperr.New(apperr.KindInvalidRequest, "No such payment_intent: %s", id)
	}
	return copyIntent(in), nil
}

func (f *Fake) CreateCheckoutSession(ctx context.Context, amount money.Money, metadata map[string]string) (*gateway.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["create_checkout_session"]++
	in := f.createIntent(amount, metadata)
	id := f.nextID("cs")
	return &gateway.CheckoutSession{
		ID:              id,
		URL:             "https://checkout.test/" + id,
		PaymentIntentID: in.ID,
		Amount:          amount,
	}, nil
}

func (f *Fake) CreatePayout(ctx context.Context, amount money.Money, destination string, metadata map[string]string) (*gateway.Payout, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["create_payout"]++
	if f.payoutErr != nil {
		return nil, f.payoutErr
	}
	po := f.payoutFor(metadata[gateway.MetaWithdrawalID])
	if po == nil {
		po = &gateway.Payout{
			ID:       f.nextID("po"),
			Status:   gateway.PayoutPending,
			Amount:   amount,
			Metadata: copyMeta(metadata),
		}
		f.payouts = append(f.payouts, po)
	}
	if f.lostPayouts > 0 {
		f.lostPayouts--
		return nil, apperr.New(apperr.KindUpstreamTimeout, "payment processor timed out")
	}
	out := *po
	out.Metadata = copyMeta(po.Metadata)
	return &out, nil
}

// payoutFor returns the payout already made for withdrawalID, the way the
// processor answers a repeated idempotency key.
func (f *Fake) payoutFor(withdrawalID string) *gateway.Payout {
	if withdrawalID == "" {
		return nil
	}
	for _, po := range f.payouts {
		if po.Metadata[gateway.MetaWithdrawalID] == withdrawalID {
			return po
		}
	}
	return nil
}

func (f *Fake) ParseWebhook(payload []byte, signatureHeader string) (*gateway.Event, error) {
	return gateway.ParseStripeEvent(payload, signatureHeader, f.Secret)
}

func copyIntent(in *gateway.Intent) *gateway.Intent {
	out := *in
	out.Metadata = copyMeta(in.Metadata)
	if in.LastError != nil {
		le := *in.LastError
		out.LastError = &le
	}
	return &out
}

func copyMeta(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Sign returns a Stripe-Signature header for payload signed at ts.
func Sign(payload []byte, secret string, ts time.Time) string {
	t := strconv.FormatInt(ts.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(t))
	mac.Write([]byte("."))
	mac.Write(payload)
	return "t=" + t + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}

// IntentEvent builds a payment_intent.* webhook body.
func IntentEvent(eventID, eventType string, in *gateway.Intent) []byte {
	object := map[string]any{
		"id":       in.ID,
		"object":   "payment_intent",
		"amount":   in.Amount.AmountMinor,
		"currency": in.Amount.Currency.Lower(),
		"status":   string(in.Status),
		"metadata": in.Metadata,
	}
	if in.LastError != nil {
		object["last_payment_error"] = map[string]any{
			"type":         "card_error",
			"code":         in.LastError.Code,
			"decline_code": in.LastError.DeclineCode,
			"message":      in.LastError.Message,
		}
	}
	return event(eventID, eventType, object)
}

// PayoutEvent builds a payout.* webhook body.
func PayoutEvent(eventID, eventType string, po *gateway.Payout) []byte {
	object := map[string]any{
		"id":       po.ID,
		"object":   "payout",
		"amount":   po.Amount.AmountMinor,
		"currency": po.Amount.Currency.Lower(),
		"status":   string(po.Status),
		"metadata": po.Metadata,
	}
	if po.FailureCode != "" {
		object["failure_code"] = po.FailureCode
		object["failure_message"] = po.FailureMessage
	}
	return event(eventID, eventType, object)
}

// event wraps object in a webhook envelope.
func event(eventID, eventType string, object map[string]any) []byte {
	body, err := json.Marshal(map[string]any{
		"id":          eventID,
		"object":      "event",
		"type":        eventType,
		"created":     time.Now().Unix(),
		"api_version": "2023-10-16",
		"data":        map[string]any{"object": object},
	})
	if err != nil {
		panic(err)
	}
	return body
}

// UnknownEvent builds a webhook body of a type dealflow does not handle.
func UnknownEvent(eventID, eventType string) []byte {
	return event(eventID, eventType, map[string]any{"id": "obj_1", "object": "unknown"})
}
