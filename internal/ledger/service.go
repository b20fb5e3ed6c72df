// Package ledger serves a creator's earnings, balances and withdrawals.
// Balances are never stored; they are folded from earnings and withdrawals
// on every read.
package ledger

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
	"dealflow/internal/common/money"
	"dealflow/internal/ledger/domain"
	"dealflow/internal/payments/gateway"
	"dealflow/internal/store"
)

// Service provides ledger operations
type Service struct {
	store           store.Store
	gateway         gateway.Gateway
	events          *events.Emitter
	logger          *slog.Logger
	defaultCurrency money.Currency
	now             func() time.Time
}

// NewService creates a new ledger service. Withdrawals without a currency
// are made in defaultCurrency.
func NewService(st store.Store, gw gateway.Gateway, emitter *events.Emitter, logger *slog.Logger, defaultCurrency money.Currency) *Service {
	if defaultCurrency == "" {
		defaultCurrency = money.USD
	}
	return &Service{
		store:           st,
		gateway:         gw,
		events:          emitter,
		logger:          logger,
		defaultCurrency: defaultCurrency,
		now:             time.Now,
	}
}

func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// resolveUser returns whose ledger actor may read. Only admins may name
// another user.
func resolveUser(actor identity.Actor, adminUserID string) (string, error) {
	if adminUserID == "" || adminUserID == actor.UserID {
		return actor.UserID, nil
	}
	if !actor.IsAdmin() {
		return "", apperr.Forbidden("Insufficient permissions")
	}
	return adminUserID, nil
}

// EarningsPage is one page of a user's earnings
type EarningsPage struct {
	Earnings   []domain.EarningRecord
	Page       int
	Limit      int
	Total      int64
	HasMore    bool
	NextCursor string
}

// ListEarnings lists a user's earnings newest first. With a cursor the page
// continues after the cursor's row; otherwise req.Page selects it.
func (s *Service) ListEarnings(ctx context.Context, actor identity.Actor, adminUserID string, req domain.EarningsRequest) (*EarningsPage, error) {
	userID, err := resolveUser(actor, adminUserID)
	if err != nil {
		return nil, err
	}
	q, err := domain.BuildEarningsQuery(userID, req, s.clock())
	if err != nil {
		return nil, err
	}

	limit := q.Limit
	q.Limit++
	rows, total, err := s.store.ListEarnings(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("listing earnings: %w", err)
	}

	page := &EarningsPage{Limit: limit, Total: total}
	if q.After == nil {
		page.Page = q.Offset/limit + 1
	}
	if len(rows) > limit {
		rows = rows[:limit]
		page.HasMore = true
		last := rows[len(rows)-1]
		page.NextCursor = domain.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}.Encode()
	}
	page.Earnings = rows
	return page, nil
}

// Summary computes a user's balances
func (s *Service) Summary(ctx context.Context, actor identity.Actor, adminUserID string) (*domain.Summary, error) {
	userID, err := resolveUser(actor, adminUserID)
	if err != nil {
		return nil, err
	}
	summary, err := s.summarize(ctx, s.store, userID)
	if err != nil {
		return nil, err
	}
	return &summary, nil
}

func (s *Service) summarize(ctx context.Context, st store.Store, userID string) (domain.Summary, error) {
	earned, err := st.EarningTotals(ctx, userID, nil)
	if err != nil {
		return domain.Summary{}, fmt.Errorf("summing earnings: %w", err)
	}
	since := domain.MonthStart(s.clock())
	period, err := st.EarningTotals(ctx, userID, &since)
	if err != nil {
		return domain.Summary{}, fmt.Errorf("summing period earnings: %w", err)
	}
	withdrawn, err := st.WithdrawalTotals(ctx, userID)
	if err != nil {
		return domain.Summary{}, fmt.Errorf("summing withdrawals: %w", err)
	}
	return domain.Summarize(userID, earned, period, withdrawn), nil
}

// WithdrawalRequest is the request to pay out completed earnings
type WithdrawalRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency" validate:"omitempty,len=3"`
	Destination string          `json:"destination" validate:"max=255"`
}

// RequestWithdrawal pays out part of a creator's withdrawable balance. The
// balance check, the payout and the withdrawal row happen under the user's
// ledger lock, so concurrent requests cannot overdraw. If the processor
// fails nothing is recorded.
func (s *Service) RequestWithdrawal(ctx context.Context, actor identity.Actor, req WithdrawalRequest) (*domain.Withdrawal, error) {
	if actor.Role != identity.RoleCreator {
		return nil, apperr.Forbidden("only creators can withdraw earnings")
	}
	currency := req.Currency
	if currency == "" {
		currency = string(s.defaultCurrency)
	}
	amount, err := api.ParseMoney(req.Amount, currency)
	if err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, apperr.Validation("Amount must be positive")
	}

	var w *domain.Withdrawal
	err = s.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.LockUserLedger(ctx, actor.UserID); err != nil {
			return fmt.Errorf("locking ledger: %w", err)
		}
		summary, err := s.summarize(ctx, tx, actor.UserID)
		if err != nil {
			return err
		}
		if amount.GreaterThan(summary.For(amount.Currency).WithdrawableBalance) {
			return apperr.Validation("Insufficient balance")
		}

		id := ulid.Make().String()
		payout, err := s.createPayout(ctx, amount, req.Destination, map[string]string{
			gateway.MetaUserID:       actor.UserID,
			gateway.MetaWithdrawalID: id,
		})
		if err != nil {
			return fmt.Errorf("creating payout: %w", err)
		}

		now := s.clock()
		w = &domain.Withdrawal{
			ID:            id,
			UserID:        actor.UserID,
			Amount:        amount,
			TransactionID: payout.ID,
			Destination:   req.Destination,
			Status:        domain.WithdrawalPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := tx.InsertWithdrawal(ctx, w); err != nil {
			return store.AppErr(err, "withdrawal")
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("withdrawal not created",
			"user_id", actor.UserID,
			"amount", amount.String(),
			"error", err,
		)
		return nil, err
	}

	s.events.Emit(ctx, actor.UserID, events.EventWithdrawalRequested, "withdrawal", w.ID, events.WithdrawalData{
		WithdrawalID:  w.ID,
		UserID:        w.UserID,
		TransactionID: w.TransactionID,
		AmountMinor:   w.Amount.AmountMinor,
		Currency:      string(w.Amount.Currency),
		Status:        string(w.Status),
	})
	s.logger.Info("withdrawal requested",
		"withdrawal_id", w.ID,
		"user_id", w.UserID,
		"payout_id", w.TransactionID,
		"amount", w.Amount.String(),
	)
	return w, nil
}

// createPayout asks the processor for a payout. A request that timed out is
// sent once more under the same withdrawal id, which makes the processor
// return the payout if the first request created it. A payout whose
// response never arrives is recorded later from its webhook.
func (s *Service) createPayout(ctx context.Context, amount money.Money, destination string, metadata map[string]string) (*gateway.Payout, error) {
	payout, err := s.gateway.CreatePayout(ctx, amount, destination, metadata)
	if apperr.IsKind(err, apperr.KindUpstreamTimeout) {
		s.logger.Warn("payout request timed out, retrying",
			"withdrawal_id", metadata[gateway.MetaWithdrawalID],
			"error", err,
		)
		payout, err = s.gateway.CreatePayout(ctx, amount, destination, metadata)
	}
	return payout, err
}

// WithdrawalsRequest selects a page of withdrawals
type WithdrawalsRequest struct {
	AdminUserID string
	Status      string
	Page        int
	Limit       int
}

// ListWithdrawals lists a user's withdrawals newest first
func (s *Service) ListWithdrawals(ctx context.Context, actor identity.Actor, req WithdrawalsRequest) ([]*domain.Withdrawal, int64, error) {
	userID, err := resolveUser(actor, req.AdminUserID)
	if err != nil {
		return nil, 0, err
	}
	q := domain.WithdrawalQuery{UserID: userID, Limit: req.Limit}
	if q.Limit <= 0 {
		q.Limit = domain.DefaultLimit
	}
	q.Limit = min(q.Limit, domain.MaxLimit)
	if req.Page > 1 {
		q.Offset = (req.Page - 1) * q.Limit
	}
	if req.Status != "" {
		st, err := domain.ParseWithdrawalStatus(req.Status)
		if err != nil {
			return nil, 0, err
		}
		q.Status = &st
	}

	rows, total, err := s.store.ListWithdrawals(ctx, q)
	if err != nil {
		return nil, 0, fmt.Errorf("listing withdrawals: %w", err)
	}
	return rows, total, nil
}
