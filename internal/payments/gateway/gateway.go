// Package gateway wraps the external payment processor. It owns no business
// state: callers decide what a result means for the ledger.
package gateway

import (
	"context"
	"encoding/json"
	"time"

	"dealflow/internal/common/money"
)

// IntentStatus mirrors the processor's payment intent lifecycle.
type IntentStatus string

const (
	IntentRequiresPaymentMethod IntentStatus = "requires_payment_method"
	IntentRequiresConfirmation  IntentStatus = "requires_confirmation"
	IntentRequiresAction        IntentStatus = "requires_action"
	IntentProcessing            IntentStatus = "processing"
	IntentRequiresCapture       IntentStatus = "requires_capture"
	IntentSucceeded             IntentStatus = "succeeded"
	IntentCanceled              IntentStatus = "canceled"
)

// Metadata keys written on intents and read back from webhooks.
const (
	MetaDealID       = "dealId"
	MetaMilestoneID  = "milestoneId"
	MetaPaymentType  = "paymentType"
	MetaMarketerID   = "marketerId"
	MetaCreatorID    = "creatorId"
	MetaUserID       = "userId"
	MetaWithdrawalID = "withdrawalId"
)

// Webhook event types handled by dealflow.
const (
	EventIntentSucceeded  = "payment_intent.succeeded"
	EventIntentProcessing = "payment_intent.processing"
	EventIntentFailed     = "payment_intent.payment_failed"
	EventPayoutCreated    = "payout.created"
	EventPayoutPaid       = "payout.paid"
	EventPayoutFailed     = "payout.failed"
)

// PaymentError is the last failure the processor recorded on an intent.
type PaymentError struct {
	Code        string `json:"code,omitempty"`
	DeclineCode string `json:"decline_code,omitempty"`
	Message     string `json:"message,omitempty"`
}

// Intent is a processor payment intent.
type Intent struct {
	ID           string            `json:"id"`
	Status       IntentStatus      `json:"status"`
	Amount       money.Money       `json:"amount"`
	ClientSecret string            `json:"client_secret,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	NextAction   json.RawMessage   `json:"next_action,omitempty"`
	LastError    *PaymentError     `json:"last_error,omitempty"`
}

// CheckoutSession is a hosted payment page.
type CheckoutSession struct {
	ID              string      `json:"id"`
	URL             string      `json:"url"`
	PaymentIntentID string      `json:"payment_intent_id,omitempty"`
	Amount          money.Money `json:"amount"`
}

// PayoutStatus mirrors the processor's payout lifecycle.
type PayoutStatus string

const (
	PayoutPending   PayoutStatus = "pending"
	PayoutInTransit PayoutStatus = "in_transit"
	PayoutPaid      PayoutStatus = "paid"
	PayoutFailed    PayoutStatus = "failed"
	PayoutCanceled  PayoutStatus = "canceled"
)

// Payout is a transfer from the platform balance to an external account.
type Payout struct {
	ID             string            `json:"id"`
	Status         PayoutStatus      `json:"status"`
	Amount         money.Money       `json:"amount"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	FailureCode    string            `json:"failure_code,omitempty"`
	FailureMessage string            `json:"failure_message,omitempty"`
}

// Event is a verified, normalized webhook delivery. Intent is set for
// payment_intent.* events and Payout for payout.* events.
type Event struct {
	ID      string
	Type    string
	Created time.Time
	Intent  *Intent
	Payout  *Payout
}

// Gateway is the processor surface used by dealflow. Errors are classified
// as apperr kinds; raw processor errors are only reachable via Unwrap.
type Gateway interface {
	CreateIntent(ctx context.Context, amount money.Money, metadata map[string]string) (*Intent, error)
	// ConfirmIntent confirms an intent, optionally attaching paymentMethod.
	ConfirmIntent(ctx context.Context, id, paymentMethod string) (*Intent, error)
	RetrieveIntent(ctx context.Context, id string) (*Intent, error)
	// CreateCheckoutSession opens a hosted page whose intent carries metadata.
	CreateCheckoutSession(ctx context.Context, amount money.Money, metadata map[string]string) (*CheckoutSession, error)
	CreatePayout(ctx context.Context, amount money.Money, destination string, metadata map[string]string) (*Payout, error)
	// ParseWebhook verifies the signature header and normalizes the event.
	ParseWebhook(payload []byte, signatureHeader string) (*Event, error)
}

// Config holds processor configuration.
type Config struct {
	SecretKey          string        `envconfig:"STRIPE_SECRET_KEY"`
	WebhookSecret      string        `envconfig:"STRIPE_WEBHOOK_SECRET"`
	Timeout            time.Duration `envconfig:"STRIPE_TIMEOUT" default:"10s"`
	APIURL             string        `envconfig:"STRIPE_API_URL"`
	DefaultCurrency    string        `envconfig:"DEFAULT_CURRENCY" default:"USD"`
	CheckoutSuccessURL string        `envconfig:"CHECKOUT_SUCCESS_URL" default:"http://localhost:3000/payments/success"`
	CheckoutCancelURL  string        `envconfig:"CHECKOUT_CANCEL_URL" default:"http://localhost:3000/payments/cancel"`
}
