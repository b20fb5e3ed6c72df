package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"

	"dealflow/internal/common/apperr"
	"dealflow/internal/common/metrics"
	"dealflow/internal/common/money"
)

// Stripe implements Gateway against the Stripe API.
type Stripe struct {
	api     *client.API
	config  Config
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewStripe creates a Stripe gateway. Every call is bounded by
// cfg.Timeout and is never retried by the client library.
func NewStripe(cfg Config, m *metrics.Metrics, logger *slog.Logger) (*Stripe, error) {
	if cfg.SecretKey == "" {
		return nil, errors.New("stripe secret key is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	backendConfig := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: cfg.Timeout},
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &leveledLogger{logger: logger},
	}
	if cfg.APIURL != "" {
		backendConfig.URL = stripe.String(cfg.APIURL)
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, backendConfig)

	return &Stripe{
		api:     client.New(cfg.SecretKey, &stripe.Backends{API: backend, Connect: backend, Uploads: backend}),
		config:  cfg,
		metrics: m,
		logger:  logger,
	}, nil
}

// CreateIntent implements Gateway.CreateIntent.
func (s *Stripe) CreateIntent(ctx context.Context, amount money.Money, metadata map[string]string) (*Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount.AmountMinor),
		Currency: stripe.String(amount.Currency.Lower()),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	var pi *stripe.PaymentIntent
	err := s.call(ctx, "create_intent", func(ctx context.Context) error {
		params.Context = ctx
		var err error
		pi, err = s.api.PaymentIntents.New(params)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("payment intent created",
		"intent_id", pi.ID,
		"amount", amount.AmountMinor,
		"currency", amount.Currency,
		"deal_id", metadata[MetaDealID],
	)
	return toIntent(pi), nil
}

// ConfirmIntent implements Gateway.ConfirmIntent.
func (s *Stripe) ConfirmIntent(ctx context.Context, id, paymentMethod string) (*Intent, error) {
	params := &stripe.PaymentIntentConfirmParams{
		ReturnURL: stripe.String(s.config.CheckoutSuccessURL),
	}
	if paymentMethod != "" {
		params.PaymentMethod = stripe.String(paymentMethod)
	}

	var pi *stripe.PaymentIntent
	err := s.call(ctx, "confirm_intent", func(ctx context.Context) error {
		params.Context = ctx
		var err error
		pi, err = s.api.PaymentIntents.Confirm(id, params)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("payment intent confirmed", "intent_id", pi.ID, "status", pi.Status)
	return toIntent(pi), nil
}

// RetrieveIntent implements Gateway.RetrieveIntent.
func (s *Stripe) RetrieveIntent(ctx context.Context, id string) (*Intent, error) {
	params := &stripe.PaymentIntentParams{}

	var pi *stripe.PaymentIntent
	err := s.call(ctx, "retrieve_intent", func(ctx context.Context) error {
		params.Context = ctx
		var err error
		pi, err = s.api.PaymentIntents.Get(id, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return toIntent(pi), nil
}

// CreateCheckoutSession implements Gateway.CreateCheckoutSession.
func (s *Stripe) CreateCheckoutSession(ctx context.Context, amount money.Money, metadata map[string]string) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(s.config.CheckoutSuccessURL),
		CancelURL:  stripe.String(s.config.CheckoutCancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(amount.Currency.Lower()),
				UnitAmount: stripe.Int64(amount.AmountMinor),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String("Deal " + metadata[MetaDealID]),
				},
			},
			Quantity: stripe.Int64(1),
		}},
		// the intent carries the metadata so payment_intent.* webhooks can
		// find the deal
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: metadata,
		},
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	var cs *stripe.CheckoutSession
	err := s.call(ctx, "create_checkout_session", func(ctx context.Context) error {
		params.Context = ctx
		var err error
		cs, err = s.api.CheckoutSessions.New(params)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := &CheckoutSession{ID: cs.ID, URL: cs.URL, Amount: amount}
	if cs.PaymentIntent != nil {
		out.PaymentIntentID = cs.PaymentIntent.ID
	}
	s.logger.Info("checkout session created", "session_id", cs.ID, "deal_id", metadata[MetaDealID])
	return out, nil
}

// PayoutIdempotencyKey is the processor idempotency key for the payout of
// withdrawalID.
func PayoutIdempotencyKey(withdrawalID string) string {
	return "withdrawal-" + withdrawalID
}

// CreatePayout implements Gateway.CreatePayout.
func (s *Stripe) CreatePayout(ctx context.Context, amount money.Money, destination string, metadata map[string]string) (*Payout, error) {
	params := &stripe.PayoutParams{
		Amount:   stripe.Int64(amount.AmountMinor),
		Currency: stripe.String(amount.Currency.Lower()),
	}
	if destination != "" {
		params.Destination = stripe.String(destination)
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	// a repeated request for the same withdrawal returns the first payout
	if id := metadata[MetaWithdrawalID]; id != "" {
		params.SetIdempotencyKey(PayoutIdempotencyKey(id))
	}

	var po *stripe.Payout
	err := s.call(ctx, "create_payout", func(ctx context.Context) error {
		params.Context = ctx
		var err error
		po, err = s.api.Payouts.New(params)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("payout created",
		"payout_id", po.ID,
		"amount", amount.AmountMinor,
		"currency", amount.Currency,
		"user_id", metadata[MetaUserID],
	)
	return toPayout(po), nil
}

// ParseWebhook implements Gateway.ParseWebhook.
func (s *Stripe) ParseWebhook(payload []byte, signatureHeader string) (*Event, error) {
	return ParseStripeEvent(payload, signatureHeader, s.config.WebhookSecret)
}

// ParseStripeEvent verifies a Stripe-Signature header against secret and
// normalizes the event body.
func ParseStripeEvent(payload []byte, signatureHeader, secret string) (*Event, error) {
	if err := webhook.ValidatePayload(payload, signatureHeader, secret); err != nil {
		return nil, apperr.Wrap(err, apperr.KindSignatureInvalid, "Invalid webhook signature")
	}

	var se stripe.Event
	if err := json.Unmarshal(payload, &se); err != nil {
		return nil, apperr.Wrap(err, apperr.KindValidation, "Malformed webhook payload")
	}
	if se.ID == "" || se.Type == "" {
		return nil, apperr.Validation("Malformed webhook payload")
	}

	evt := &Event{
		ID:      se.ID,
		Type:    string(se.Type),
		Created: time.Unix(se.Created, 0).UTC(),
	}
	if se.Data == nil || len(se.Data.Raw) == 0 {
		return evt, nil
	}

	switch {
	case strings.HasPrefix(evt.Type, "payment_intent."):
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(se.Data.Raw, &pi); err != nil {
			return nil, apperr.Wrap(err, apperr.KindValidation, "Malformed webhook payload")
		}
		evt.Intent = toIntent(&pi)
	case strings.HasPrefix(evt.Type, "payout."):
		var po stripe.Payout
		if err := json.Unmarshal(se.Data.Raw, &po); err != nil {
			return nil, apperr.Wrap(err, apperr.KindValidation, "Malformed webhook payload")
		}
		evt.Payout = toPayout(&po)
	}
	return evt, nil
}

// call bounds fn by the configured timeout, classifies its error and
// records the outcome.
func (s *Stripe) call(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	outcome := "ok"
	if err != nil {
		err = classify(ctx, err)
		kind := apperr.KindOf(err)
		outcome = strings.ToLower(string(kind))
		s.logger.Warn("processor call failed",
			"operation", operation,
			"kind", kind,
			"error", err,
		)
	}
	s.metrics.ProcessorRequest(operation, outcome, time.Since(start).Seconds())
	return err
}

func classify(ctx context.Context, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		switch {
		case se.HTTPStatusCode == http.StatusTooManyRequests || se.Code == "rate_limit":
			return apperr.Wrap(err, apperr.KindTooManyRequests, "Payment processor rate limit exceeded")
		case se.Type == stripe.ErrorTypeCard || se.DeclineCode != "":
			msg := se.Msg
			if msg == "" {
				msg = "Your card was declined"
			}
			return apperr.PaymentFailed(string(se.DeclineCode), msg, err)
		case se.Type == stripe.ErrorTypeInvalidRequest:
			return apperr.Wrap(err, apperr.KindInvalidRequest, "The payment request was rejected by the processor")
		}
		return apperr.Wrap(err, apperr.KindUpstreamError, "Payment processor error")
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return apperr.Wrap(err, apperr.KindUpstreamTimeout, "Payment processor timed out")
	}
	return apperr.Wrap(err, apperr.KindUpstreamError, "Payment processor unavailable")
}

func toIntent(pi *stripe.PaymentIntent) *Intent {
	in := &Intent{
		ID:           pi.ID,
		Status:       IntentStatus(pi.Status),
		Amount:       money.New(pi.Amount, currency(string(pi.Currency))),
		ClientSecret: pi.ClientSecret,
		Metadata:     pi.Metadata,
	}
	if pi.NextAction != nil {
		if raw, err := json.Marshal(pi.NextAction); err == nil {
			in.NextAction = raw
		}
	}
	if e := pi.LastPaymentError; e != nil {
		in.LastError = &PaymentError{
			Code:        string(e.Code),
			DeclineCode: string(e.DeclineCode),
			Message:     e.Msg,
		}
	}
	return in
}

func toPayout(po *stripe.Payout) *Payout {
	return &Payout{
		ID:             po.ID,
		Status:         PayoutStatus(po.Status),
		Amount:         money.New(po.Amount, currency(string(po.Currency))),
		Metadata:       po.Metadata,
		FailureCode:    string(po.FailureCode),
		FailureMessage: po.FailureMessage,
	}
}

// currency maps the processor's lower-case codes onto money.Currency.
func currency(code string) money.Currency {
	if c, err := money.ParseCurrency(code); err == nil {
		return c
	}
	return money.Currency(strings.ToUpper(code))
}

// leveledLogger routes the client library's logging through slog.
type leveledLogger struct {
	logger *slog.Logger
}

func (l *leveledLogger) Debugf(format string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, v...), "component", "stripe")
}

func (l *leveledLogger) Infof(format string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, v...), "component", "stripe")
}

func (l *leveledLogger) Warnf(format string, v ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, v...), "component", "stripe")
}

func (l *leveledLogger) Errorf(format string, v ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, v...), "component", "stripe")
}
