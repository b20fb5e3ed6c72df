package payments

import (
	"context"
	"fmt"

	"dealflow/internal/common/apperr"
	"dealflow/internal/common/events"
	ledgerdomain "dealflow/internal/ledger/domain"
	"dealflow/internal/payments/gateway"
	"dealflow/internal/store"
)

// Webhook outcomes reported to metrics.
const (
	outcomeProcessed        = "processed"
	outcomeDuplicate        = "duplicate"
	outcomeIgnored          = "ignored"
	outcomeRejected         = "rejected"
	outcomeInvalidSignature = "invalid_signature"
	outcomeMalformed        = "malformed"
	outcomeError            = "error"
)

// webhookActor is the actor id stamped on events caused by the processor.
const webhookActor = "stripe"

func handledEvent(eventType string) bool {
	switch eventType {
	case gateway.EventIntentSucceeded,
		gateway.EventIntentProcessing,
		gateway.EventIntentFailed,
		gateway.EventPayoutCreated,
		gateway.EventPayoutPaid,
		gateway.EventPayoutFailed:
		return true
	}
	return false
}

// acknowledged reports whether a failure to apply an event is final, so
// that redelivering it cannot help. Such events are accepted and logged.
func acknowledged(err error) bool {
	switch apperr.KindOf(err) {
	case apperr.KindNotFound, apperr.KindValidation, apperr.KindInvalidTransition:
		return true
	}
	return false
}

// Ingest verifies and applies one webhook delivery. The event id is
// recorded in the same transaction as its effects, so a redelivered or
// concurrently delivered event is applied exactly once. A nil error means
// the delivery should be acknowledged.
func (s *Service) Ingest(ctx context.Context, payload []byte, signatureHeader string) error {
	evt, err := s.gateway.ParseWebhook(payload, signatureHeader)
	if err != nil {
		outcome := outcomeMalformed
		if apperr.IsKind(err, apperr.KindSignatureInvalid) {
			outcome = outcomeInvalidSignature
		}
		s.metrics.WebhookEvent("unknown", outcome)
		s.logger.Warn("webhook rejected", "outcome", outcome, "error", err)
		return err
	}

	if !handledEvent(evt.Type) {
		s.metrics.WebhookEvent(evt.Type, outcomeIgnored)
		s.logger.Debug("webhook ignored", "event_id", evt.ID, "type", evt.Type)
		return nil
	}

	outcome := outcomeProcessed
	var out outbox
	err = s.store.WithTx(ctx, func(tx store.Store) error {
		first, err := tx.RecordWebhookEvent(ctx, evt.ID, evt.Type, s.clock())
		if err != nil {
			return fmt.Errorf("recording webhook event: %w", err)
		}
		if !first {
			outcome = outcomeDuplicate
			return nil
		}
		if err := s.apply(ctx, tx, evt, &out); err != nil {
			if !acknowledged(err) {
				return err
			}
			// nothing was written yet; keep the event id so the
			// redelivery is skipped
			outcome = outcomeRejected
			out.pending = nil
			s.logger.Warn("webhook event not applied",
				"event_id", evt.ID,
				"type", evt.Type,
				"error", err,
			)
		}
		return nil
	})
	if err != nil {
		s.metrics.WebhookEvent(evt.Type, outcomeError)
		s.logger.Error("webhook processing failed",
			"event_id", evt.ID,
			"type", evt.Type,
			"error", err,
		)
		return fmt.Errorf("processing webhook event %s: %w", evt.ID, err)
	}

	s.publish(ctx, webhookActor, &out)
	s.metrics.WebhookEvent(evt.Type, outcome)
	s.logger.Info("webhook handled", "event_id", evt.ID, "type", evt.Type, "outcome", outcome)
	return nil
}

func (s *Service) apply(ctx context.Context, tx store.Store, evt *gateway.Event, out *outbox) error {
	switch evt.Type {
	case gateway.EventIntentSucceeded, gateway.EventIntentProcessing, gateway.EventIntentFailed:
		if evt.Intent == nil {
			return apperr.Validation("event %s carries no payment intent", evt.ID)
		}
		p, err := paymentFromIntent(evt.Intent)
		if err != nil {
			return err
		}
		switch evt.Type {
		case gateway.EventIntentSucceeded:
			_, err = s.recordEscrow(ctx, tx, p, out)
			return err
		case gateway.EventIntentProcessing:
			_, err = s.recordPending(ctx, tx, p)
			return err
		default:
			failed, err := tx.FailPendingEarning(ctx, p.TransactionID, s.clock())
			if err != nil {
				return err
			}
			var declineCode string
			if evt.Intent.LastError != nil {
				declineCode = evt.Intent.LastError.DeclineCode
			}
			s.logger.Warn("payment failed",
				"intent_id", p.TransactionID,
				"deal_id", p.DealID,
				"decline_code", declineCode,
				"pending_earning_failed", failed,
			)
			return nil
		}

	default:
		if evt.Payout == nil {
			return apperr.Validation("event %s carries no payout", evt.ID)
		}
		return s.applyPayout(ctx, tx, evt, out)
	}
}

// applyPayout moves the withdrawal behind a payout to the reported state.
// Failed withdrawals stop counting against the balance.
func (s *Service) applyPayout(ctx context.Context, tx store.Store, evt *gateway.Event, out *outbox) error {
	w, err := tx.GetWithdrawalByTransactionID(ctx, evt.Payout.ID)
	if err != nil {
		err = store.AppErr(err, "withdrawal")
		if !apperr.IsKind(err, apperr.KindNotFound) {
			return err
		}
		if w, err = s.recoverWithdrawal(ctx, tx, evt.Payout, out); err != nil {
			return err
		}
	}

	var next ledgerdomain.WithdrawalStatus
	switch evt.Type {
	case gateway.EventPayoutPaid:
		next = ledgerdomain.WithdrawalPaid
	case gateway.EventPayoutFailed:
		next = ledgerdomain.WithdrawalFailed
	default:
		// payout.created confirms what the withdrawal already records
		return nil
	}
	if !w.CanMoveTo(next) {
		s.logger.Info("payout update skipped",
			"withdrawal_id", w.ID,
			"status", w.Status,
			"requested", next,
		)
		return nil
	}

	w.Status = next
	w.UpdatedAt = s.clock()
	if next == ledgerdomain.WithdrawalFailed {
		w.FailureCode = evt.Payout.FailureCode
		w.FailureMessage = evt.Payout.FailureMessage
	}
	if err := tx.UpdateWithdrawal(ctx, w); err != nil {
		return store.AppErr(err, "withdrawal")
	}

	out.add(events.EventWithdrawalUpdated, "withdrawal", w.ID, events.WithdrawalData{
		WithdrawalID:  w.ID,
		UserID:        w.UserID,
		TransactionID: w.TransactionID,
		AmountMinor:   w.Amount.AmountMinor,
		Currency:      string(w.Amount.Currency),
		Status:        string(w.Status),
		FailureCode:   w.FailureCode,
	})
	s.logger.Info("withdrawal updated", "withdrawal_id", w.ID, "status", w.Status)
	return nil
}

// recoverWithdrawal records the withdrawal behind a payout whose creation
// response was lost. The payout carries the withdrawal and user ids it was
// requested with; payouts made outside dealflow carry neither.
func (s *Service) recoverWithdrawal(ctx context.Context, tx store.Store, po *gateway.Payout, out *outbox) (*ledgerdomain.Withdrawal, error) {
	id := po.Metadata[gateway.MetaWithdrawalID]
	userID := po.Metadata[gateway.MetaUserID]
	if id == "" || userID == "" {
		return nil, apperr.NotFound("withdrawal not found for payout %s", po.ID)
	}
	if err := tx.LockUserLedger(ctx, userID); err != nil {
		return nil, fmt.Errorf("locking ledger: %w", err)
	}

	now := s.clock()
	w := &ledgerdomain.Withdrawal{
		ID:            id,
		UserID:        userID,
		Amount:        po.Amount,
		TransactionID: po.ID,
		Status:        ledgerdomain.WithdrawalPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := tx.InsertWithdrawal(ctx, w); err != nil {
		return nil, store.AppErr(err, "withdrawal")
	}

	out.add(events.EventWithdrawalRequested, "withdrawal", w.ID, events.WithdrawalData{
		WithdrawalID:  w.ID,
		UserID:        w.UserID,
		TransactionID: w.TransactionID,
		AmountMinor:   w.Amount.AmountMinor,
		Currency:      string(w.Amount.Currency),
		Status:        string(w.Status),
	})
	s.logger.Warn("withdrawal recovered from payout",
		"withdrawal_id", w.ID,
		"user_id", w.UserID,
		"payout_id", po.ID,
		"amount", w.Amount.String(),
	)
	return w, nil
}
