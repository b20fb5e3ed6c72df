// Package payments funds deals through the payment processor and applies
// processor webhooks to the earnings ledger.
package payments

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"dealflow/internal/common/api"
	"dealflow/internal/common/apperr"
	"dealflow/internal/common/events"
	"dealflow/internal/common/identity"
	"dealflow/internal/common/metrics"
	"dealflow/internal/common/money"
	dealdomain "dealflow/internal/deals/domain"
	ledgerdomain "dealflow/internal/ledger/domain"
	"dealflow/internal/payments/gateway"
	"dealflow/internal/store"
)

// Service provides payment operations
type Service struct {
	store   store.Store
	gateway gateway.Gateway
	events  *events.Emitter
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a new payment service
func NewService(st store.Store, gw gateway.Gateway, emitter *events.Emitter, m *metrics.Metrics, logger *slog.Logger) *Service {
	return &Service{
		store:   st,
		gateway: gw,
		events:  emitter,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// PaymentMetadata ties a payment to the deal it funds
type PaymentMetadata struct {
	DealID      string `json:"deal_id" validate:"required,max=64"`
	MilestoneID string `json:"milestone_id" validate:"max=64"`
	PaymentType string `json:"payment_type" validate:"omitempty,oneof=escrow milestoneFunding"`
}

// CreateIntentRequest is the request to start a payment. A zero amount
// defaults to the milestone amount, or to what is left to fund on the deal.
type CreateIntentRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency" validate:"omitempty,len=3"`
	Metadata PaymentMetadata `json:"metadata"`
}

// IntentResult is what the client needs to complete a payment
type IntentResult struct {
	PaymentIntentID string               `json:"payment_intent_id"`
	ClientSecret    string               `json:"client_secret"`
	Status          gateway.IntentStatus `json:"status"`
	Amount          money.Money          `json:"amount"`
}

// CheckoutResult is a hosted payment page
type CheckoutResult struct {
	SessionID       string      `json:"session_id"`
	URL             string      `json:"url"`
	PaymentIntentID string      `json:"payment_intent_id,omitempty"`
	Amount          money.Money `json:"amount"`
}

// ConfirmRequest confirms a payment intent
type ConfirmRequest struct {
	PaymentIntentID string `json:"payment_intent_id" validate:"required,max=255"`
	PaymentMethodID string `json:"payment_method_id" validate:"max=255"`

	// DealID, when set, must match the deal the intent was created for.
	DealID string `json:"deal_id" validate:"max=64"`

	// EscrowAmount is the creator's share of the charge. It defaults to
	// the whole charge.
	EscrowAmount *decimal.Decimal `json:"escrow_amount"`
}

// ConfirmResult is the processor's verdict on a confirmation
type ConfirmResult struct {
	Status        gateway.IntentStatus  `json:"status"`
	PaymentIntent *gateway.Intent       `json:"payment_intent"`
	Earning       *ledgerdomain.Earning `json:"earning,omitempty"`
}

func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// CreateIntent starts a payment funding a deal or one of its milestones
func (s *Service) CreateIntent(ctx context.Context, actor identity.Actor, req CreateIntentRequest) (*IntentResult, error) {
	amount, metadata, err := s.preparePayment(ctx, actor, req)
	if err != nil {
		return nil, err
	}

	in, err := s.gateway.CreateIntent(ctx, amount, metadata)
	if err != nil {
		return nil, fmt.Errorf("creating payment intent: %w", err)
	}

	s.logger.Info("payment intent created",
		"intent_id", in.ID,
		"deal_id", metadata[gateway.MetaDealID],
		"payment_type", metadata[gateway.MetaPaymentType],
		"amount", amount.String(),
	)
	return &IntentResult{
		PaymentIntentID: in.ID,
		ClientSecret:    in.ClientSecret,
		Status:          in.Status,
		Amount:          in.Amount,
	}, nil
}

// CreateCheckoutSession starts a hosted payment for a deal or milestone
func (s *Service) CreateCheckoutSession(ctx context.Context, actor identity.Actor, req CreateIntentRequest) (*CheckoutResult, error) {
	amount, metadata, err := s.preparePayment(ctx, actor, req)
	if err != nil {
		return nil, err
	}

	cs, err := s.gateway.CreateCheckoutSession(ctx, amount, metadata)
	if err != nil {
		return nil, fmt.Errorf("creating checkout session: %w", err)
	}

	s.logger.Info("checkout session created",
		"session_id", cs.ID,
		"deal_id", metadata[gateway.MetaDealID],
		"amount", amount.String(),
	)
	return &CheckoutResult{
		SessionID:       cs.ID,
		URL:             cs.URL,
		PaymentIntentID: cs.PaymentIntentID,
		Amount:          cs.Amount,
	}, nil
}

// preparePayment checks that actor may fund the deal and resolves the
// amount and processor metadata.
func (s *Service) preparePayment(ctx context.Context, actor identity.Actor, req CreateIntentRequest) (money.Money, map[string]string, error) {
	if actor.Role != identity.RoleMarketer {
		return money.Money{}, nil, apperr.Forbidden("only marketers can fund deals")
	}
	deal, err := s.store.GetDeal(ctx, req.Metadata.DealID)
	if err != nil {
		return money.Money{}, nil, store.AppErr(err, "deal")
	}
	if _, err := deal.Authorize(actor); err != nil {
		return money.Money{}, nil, err
	}

	paymentType := dealdomain.TransactionEscrow
	if req.Metadata.MilestoneID != "" {
		paymentType = dealdomain.TransactionMilestoneFunding
	}
	if req.Metadata.PaymentType != "" && dealdomain.TransactionType(req.Metadata.PaymentType) != paymentType {
		if paymentType == dealdomain.TransactionEscrow {
			return money.Money{}, nil, apperr.Validation("milestone_id is required for milestoneFunding payments")
		}
		return money.Money{}, nil, apperr.Validation("milestone_id is only allowed for milestoneFunding payments")
	}

	var amount money.Money
	if paymentType == dealdomain.TransactionMilestoneFunding {
		m, ok := deal.Milestone(req.Metadata.MilestoneID)
		if !ok {
			return money.Money{}, nil, apperr.NotFound("milestone not found")
		}
		if m.Status != dealdomain.MilestonePending {
			return money.Money{}, nil, apperr.InvalidTransition("milestone %s is already %s", m.ID, m.Status)
		}
		amount = m.Amount
	} else {
		amount = unfunded(deal)
		if !amount.IsPositive() {
			return money.Money{}, nil, apperr.InvalidTransition("deal %s is already fully funded", deal.ID)
		}
	}

	if !req.Amount.IsZero() {
		currency := req.Currency
		if currency == "" {
			currency = string(deal.AgreedAmount.Currency)
		}
		requested, err := api.ParseMoney(req.Amount, currency)
		if err != nil {
			return money.Money{}, nil, err
		}
		if requested.Currency != deal.AgreedAmount.Currency {
			return money.Money{}, nil, apperr.Validation("Currency must match the deal currency %s", deal.AgreedAmount.Currency)
		}
		if !requested.IsPositive() {
			return money.Money{}, nil, apperr.Validation("Amount must be positive")
		}
		if requested.GreaterThan(deal.AgreedAmount) {
			return money.Money{}, nil, apperr.Validation("Amount exceeds the deal's agreed amount")
		}
		amount = requested
	}

	metadata := map[string]string{
		gateway.MetaDealID:      deal.ID,
		gateway.MetaPaymentType: string(paymentType),
		gateway.MetaMarketerID:  deal.MarketerID,
		gateway.MetaCreatorID:   deal.CreatorID,
	}
	if req.Metadata.MilestoneID != "" {
		metadata[gateway.MetaMilestoneID] = req.Metadata.MilestoneID
	}
	return amount, metadata, nil
}

// Confirm confirms a payment intent and, when the processor reports a
// definitive result, records it in the ledger straight away. The webhook
// for the same intent later finds the earning already escrowed.
func (s *Service) Confirm(ctx context.Context, actor identity.Actor, req ConfirmRequest) (*ConfirmResult, error) {
	if actor.Role != identity.RoleMarketer {
		return nil, apperr.Forbidden("only marketers can confirm payments")
	}

	in, err := s.gateway.RetrieveIntent(ctx, req.PaymentIntentID)
	if err != nil {
		return nil, fmt.Errorf("retrieving payment intent: %w", err)
	}
	dealID := in.Metadata[gateway.MetaDealID]
	switch {
	case dealID == "":
		return nil, apperr.Validation("payment intent %s was not created for a deal", in.ID)
	case req.DealID != "" && req.DealID != dealID:
		return nil, apperr.Validation("deal_id does not match the payment intent")
	}

	deal, err := s.store.GetDeal(ctx, dealID)
	if err != nil {
		return nil, store.AppErr(err, "deal")
	}
	if _, err := deal.Authorize(actor); err != nil {
		return nil, err
	}

	var override *money.Money
	if req.EscrowAmount != nil {
		amt, err := api.ParseMoney(*req.EscrowAmount, string(deal.AgreedAmount.Currency))
		if err != nil {
			return nil, err
		}
		if !amt.IsPositive() {
			return nil, apperr.Validation("escrow_amount must be positive")
		}
		if amt.Currency != in.Amount.Currency || amt.GreaterThan(in.Amount) {
			return nil, apperr.Validation("escrow_amount cannot exceed the %s charged", in.Amount)
		}
		if in.Status != gateway.IntentSucceeded && amt.GreaterThan(unfunded(deal)) {
			return nil, apperr.Validation("escrow_amount exceeds the deal's unfunded amount")
		}
		override = &amt
	}

	if in.Status != gateway.IntentSucceeded {
		metadata := in.Metadata
		in, err = s.gateway.ConfirmIntent(ctx, in.ID, req.PaymentMethodID)
		if err != nil {
			return nil, fmt.Errorf("confirming payment intent: %w", err)
		}
		if in.Metadata[gateway.MetaDealID] == "" {
			in.Metadata = metadata
		}
	}

	res := &ConfirmResult{Status: in.Status, PaymentIntent: in}
	switch in.Status {
	case gateway.IntentSucceeded:
		p, err := paymentFromIntent(in)
		if err != nil {
			return nil, err
		}
		p.Credited = override
		var out outbox
		earning, err := s.recordEscrow(ctx, s.store, p, &out)
		if err != nil {
			return nil, fmt.Errorf("recording payment %s: %w", in.ID, err)
		}
		s.publish(ctx, actor.UserID, &out)
		res.Earning = earning

	case gateway.IntentProcessing:
		p, err := paymentFromIntent(in)
		if err != nil {
			return nil, err
		}
		if _, err := s.recordPending(ctx, s.store, p); err != nil {
			return nil, fmt.Errorf("recording payment %s: %w", in.ID, err)
		}

	case gateway.IntentRequiresPaymentMethod:
		if le := in.LastError; le != nil {
			s.logger.Warn("payment declined",
				"intent_id", in.ID,
				"deal_id", dealID,
				"decline_code", le.DeclineCode,
			)
			msg := le.Message
			if msg == "" {
				msg = "The payment was declined"
			}
			return nil, apperr.PaymentFailed(le.DeclineCode, msg, nil)
		}
	}

	s.logger.Info("payment confirmed", "intent_id", in.ID, "deal_id", dealID, "status", in.Status)
	return res, nil
}

// GetIntent retrieves a payment intent for a party of its deal
func (s *Service) GetIntent(ctx context.Context, actor identity.Actor, intentID string) (*gateway.Intent, error) {
	in, err := s.gateway.RetrieveIntent(ctx, intentID)
	if err != nil {
		return nil, fmt.Errorf("retrieving payment intent: %w", err)
	}
	if actor.IsAdmin() {
		return in, nil
	}

	dealID := in.Metadata[gateway.MetaDealID]
	if dealID == "" {
		return nil, apperr.Forbidden("not a party to this payment")
	}
	deal, err := s.store.GetDeal(ctx, dealID)
	if err != nil {
		return nil, store.AppErr(err, "deal")
	}
	if !deal.CanView(actor) {
		return nil, apperr.Forbidden("not a party to this payment")
	}
	if actor.UserID != deal.MarketerID {
		in.ClientSecret = ""
	}
	return in, nil
}

// escrowPayment is a processor payment as it applies to a deal
type escrowPayment struct {
	DealID        string
	MilestoneID   string
	Type          dealdomain.TransactionType
	TransactionID string
	Amount        money.Money
	// Credited, when set, is the part of Amount earned by the creator.
	Credited *money.Money
}

// unfunded is what the deal still lacks before it is fully funded.
func unfunded(deal *dealdomain.Deal) money.Money {
	return deal.AgreedAmount.MustSub(deal.FundedTotal())
}

func paymentFromIntent(in *gateway.Intent) (escrowPayment, error) {
	p := escrowPayment{
		DealID:        in.Metadata[gateway.MetaDealID],
		MilestoneID:   in.Metadata[gateway.MetaMilestoneID],
		Type:          dealdomain.TransactionEscrow,
		TransactionID: in.ID,
		Amount:        in.Amount,
	}
	if p.DealID == "" {
		return p, apperr.Validation("payment intent %s carries no deal", in.ID)
	}
	if p.MilestoneID != "" {
		p.Type = dealdomain.TransactionMilestoneFunding
	}
	if raw := in.Metadata[gateway.MetaPaymentType]; raw != "" {
		t, err := dealdomain.ParseTransactionType(raw)
		if err != nil {
			return p, err
		}
		if t != dealdomain.TransactionEscrow && t != dealdomain.TransactionMilestoneFunding {
			return p, apperr.Validation("payment type %s cannot fund a deal", t)
		}
		p.Type = t
	}
	if p.Type == dealdomain.TransactionMilestoneFunding && p.MilestoneID == "" {
		return p, apperr.Validation("payment intent %s funds a milestone but names none", in.ID)
	}
	return p, nil
}

// recordEscrow writes the escrowed earning for p. Only the call that
// inserts or promotes the earning records the deal transaction and funds
// milestones; replays return the existing earning unchanged.
func (s *Service) recordEscrow(ctx context.Context, st store.Store, p escrowPayment, out *outbox) (*ledgerdomain.Earning, error) {
	var earning *ledgerdomain.Earning
	err := st.WithTx(ctx, func(tx store.Store) error {
		deal, err := tx.GetDealForUpdate(ctx, p.DealID)
		if err != nil {
			return store.AppErr(err, "deal")
		}
		if p.Amount.Currency != deal.AgreedAmount.Currency {
			return apperr.Validation("payment currency %s does not match deal currency %s", p.Amount.Currency, deal.AgreedAmount.Currency)
		}
		remaining := unfunded(deal)
		credited := p.Amount
		if p.Credited != nil {
			credited = *p.Credited
		}
		var milestone *dealdomain.Milestone
		if p.MilestoneID != "" {
			m, ok := deal.Milestone(p.MilestoneID)
			if !ok {
				return apperr.NotFound("milestone not found")
			}
			milestone = m
		}

		now := s.clock()
		changed, err := tx.MarkEscrowed(ctx, &ledgerdomain.Earning{
			ID:            ulid.Make().String(),
			UserID:        deal.CreatorID,
			DealID:        deal.ID,
			MilestoneID:   p.MilestoneID,
			Amount:        credited,
			Status:        ledgerdomain.EarningEscrowed,
			TransactionID: p.TransactionID,
			PaymentType:   string(p.Type),
			CreatedAt:     now,
			UpdatedAt:     now,
		})
		if err != nil {
			return err
		}
		if earning, err = tx.GetEarningByTransactionID(ctx, p.TransactionID); err != nil {
			return err
		}
		if !changed {
			return nil
		}
		if p.Credited != nil && credited.GreaterThan(remaining) {
			return apperr.Validation("escrow_amount exceeds the deal's unfunded amount")
		}

		txn := dealdomain.Transaction{Type: p.Type, Amount: p.Amount, TransactionID: p.TransactionID, CreatedAt: now}
		if _, err := tx.AppendDealTransaction(ctx, deal.ID, txn); err != nil {
			return err
		}
		deal.PaymentInfo.Transactions = append(deal.PaymentInfo.Transactions, txn)

		var toFund []*dealdomain.Milestone
		switch {
		case milestone != nil:
			if milestone.Status == dealdomain.MilestonePending {
				toFund = append(toFund, milestone)
			}
		case deal.FundedTotal().AmountMinor >= deal.AgreedAmount.AmountMinor:
			// a full escrow funds every milestone still waiting
			for _, m := range deal.Milestones {
				if m.Status == dealdomain.MilestonePending {
					toFund = append(toFund, m)
				}
			}
		}
		for _, m := range toFund {
			if err := m.Fund(now); err != nil {
				return err
			}
			if err := tx.TransitionMilestone(ctx, deal.ID, m.ID, dealdomain.MilestonePending, dealdomain.MilestoneFunded, now); err != nil {
				return store.AppErr(err, "milestone")
			}
			out.add(events.EventMilestoneFunded, "deal", deal.ID, events.MilestoneData{
				DealID:      deal.ID,
				MilestoneID: m.ID,
				Status:      string(dealdomain.MilestoneFunded),
			})
		}

		if deal.FullyFunded() && deal.PaymentInfo.PaymentStatus != dealdomain.PaymentPaid {
			if err := tx.SetDealPaymentStatus(ctx, deal.ID, dealdomain.PaymentPaid, now); err != nil {
				return store.AppErr(err, "deal")
			}
		}

		out.add(events.EventEarningEscrowed, "earning", earning.ID, events.EarningData{
			EarningID:     earning.ID,
			UserID:        earning.UserID,
			DealID:        earning.DealID,
			TransactionID: earning.TransactionID,
			AmountMinor:   earning.Amount.AmountMinor,
			Currency:      string(earning.Amount.Currency),
			Status:        string(earning.Status),
		})
		s.logger.Info("earning escrowed",
			"earning_id", earning.ID,
			"deal_id", deal.ID,
			"transaction_id", p.TransactionID,
			"amount", p.Amount.String(),
			"credited", credited.String(),
			"milestones_funded", len(toFund),
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return earning, nil
}

// recordPending notes a payment the processor is still settling.
func (s *Service) recordPending(ctx context.Context, st store.Store, p escrowPayment) (bool, error) {
	deal, err := st.GetDeal(ctx, p.DealID)
	if err != nil {
		return false, store.AppErr(err, "deal")
	}
	now := s.clock()
	return st.InsertEarning(ctx, &ledgerdomain.Earning{
		ID:            ulid.Make().String(),
		UserID:        deal.CreatorID,
		DealID:        deal.ID,
		MilestoneID:   p.MilestoneID,
		Amount:        p.Amount,
		Status:        ledgerdomain.EarningPending,
		TransactionID: p.TransactionID,
		PaymentType:   string(p.Type),
		CreatedAt:     now,
		UpdatedAt:     now,
	})
}

// outbox collects events to publish once the owning transaction commits.
type outbox struct {
	pending []pendingEvent
}

type pendingEvent struct {
	eventType     string
	aggregateType string
	aggregateID   string
	data          any
}

func (o *outbox) add(eventType, aggregateType, aggregateID string, data any) {
	o.pending = append(o.pending, pendingEvent{eventType, aggregateType, aggregateID, data})
}

func (s *Service) publish(ctx context.Context, actorID string, o *outbox) {
	for _, e := range o.pending {
		s.events.Emit(ctx, actorID, e.eventType, e.aggregateType, e.aggregateID, e.data)
	}
	o.pending = nil
}
