package ledger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealflow/internal/common/apperr"
	"dealflow/internal/common/events"
	"dealflow/internal/common/identity"
	"dealflow/internal/common/money"
	"dealflow/internal/deals"
	dealdomain "dealflow/internal/deals/domain"
	"dealflow/internal/ledger/domain"
	"dealflow/internal/payments"
	"dealflow/internal/payments/gateway"
	"dealflow/internal/payments/gateway/gatewaytest"
	"dealflow/internal/store/memstore"
)

const secret = "whsec_test"

var (
	marketer = identity.Actor{UserID: "m1", Role: identity.RoleMarketer}
	creator  = identity.Actor{UserID: "c1", Role: identity.RoleCreator}
	admin    = identity.Actor{UserID: "a1", Role: identity.RoleAdmin}
	t0       = time.Date(2026, 4, 15, 12, 0, 0, 0, time.UTC)
)

type fixture struct {
	svc    *Service
	st     *memstore.Store
	gw     *gatewaytest.Fake
	rec    *events.Recorder
	logger *slog.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memstore.New()
	gw := gatewaytest.NewFake(secret)
	rec := &events.Recorder{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(st, gw, events.NewEmitter(rec, logger), logger, money.USD)
	svc.now = func() time.Time { return t0 }
	return &fixture{svc: svc, st: st, gw: gw, rec: rec, logger: logger}
}

func (f *fixture) earning(t *testing.T, txID string, amount int64, status domain.EarningStatus, at time.Time) {
	t.Helper()
	_, err := f.st.InsertEarning(context.Background(), &domain.Earning{
		ID:            "e-" + txID,
		UserID:        creator.UserID,
		DealID:        "deal-1",
		Amount:        money.New(amount, money.USD),
		Status:        status,
		TransactionID: txID,
		PaymentType:   string(dealdomain.TransactionEscrow),
		CreatedAt:     at,
		UpdatedAt:     at,
	})
	require.NoError(t, err)
}

func (f *fixture) withdrawal(t *testing.T, txID string, amount int64, status domain.WithdrawalStatus) {
	t.Helper()
	require.NoError(t, f.st.InsertWithdrawal(context.Background(), &domain.Withdrawal{
		ID:            "w-" + txID,
		UserID:        creator.UserID,
		Amount:        money.New(amount, money.USD),
		TransactionID: txID,
		Status:        status,
		CreatedAt:     t0,
		UpdatedAt:     t0,
	}))
}

func (f *fixture) withdrawable(t *testing.T) int64 {
	t.Helper()
	summary, err := f.svc.Summary(context.Background(), creator, "")
	require.NoError(t, err)
	return summary.For(money.USD).WithdrawableBalance.AmountMinor
}

func TestListEarningsRejectsInvertedRange(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.ListEarnings(context.Background(), creator, "", domain.EarningsRequest{
		Filter:    "dateRange",
		StartDate: "2026-03-10",
		EndDate:   "2026-03-01",
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Equal(t, "Start date cannot be after end date", apperr.MessageOf(err))
}

func TestAdminUserIDRequiresAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.earning(t, "pi_1", 1000, domain.EarningCompleted, t0)

	_, err := f.svc.ListEarnings(ctx, marketer, creator.UserID, domain.EarningsRequest{})
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
	assert.Equal(t, "Insufficient permissions", apperr.MessageOf(err))

	_, err = f.svc.Summary(ctx, marketer, creator.UserID)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	_, _, err = f.svc.ListWithdrawals(ctx, marketer, WithdrawalsRequest{AdminUserID: creator.UserID})
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	page, err := f.svc.ListEarnings(ctx, creator, creator.UserID, domain.EarningsRequest{})
	require.NoError(t, err)
	assert.Len(t, page.Earnings, 1)

	page, err = f.svc.ListEarnings(ctx, admin, creator.UserID, domain.EarningsRequest{})
	require.NoError(t, err)
	assert.Len(t, page.Earnings, 1)
	assert.Equal(t, domain.UnknownDealName, page.Earnings[0].DealName)
}

func TestListEarningsPaging(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		f.earning(t, fmt.Sprintf("pi_%d", i), 100, domain.EarningEscrowed, t0.Add(-time.Duration(i)*time.Hour))
	}
	// two rows share a timestamp; the id breaks the tie
	f.earning(t, "pi_tie", 100, domain.EarningEscrowed, t0.Add(-2*time.Hour))

	var (
		seen   []string
		cursor string
	)
	for {
		page, err := f.svc.ListEarnings(ctx, creator, "", domain.EarningsRequest{Limit: 2, Cursor: cursor})
		require.NoError(t, err)
		assert.Equal(t, int64(6), page.Total)
		for _, e := range page.Earnings {
			seen = append(seen, e.TransactionID)
		}
		if !page.HasMore {
			assert.Empty(t, page.NextCursor)
			break
		}
		require.NotEmpty(t, page.NextCursor)
		cursor = page.NextCursor
	}
	assert.Equal(t, []string{"pi_0", "pi_1", "pi_tie", "pi_2", "pi_3", "pi_4"}, seen)

	page, err := f.svc.ListEarnings(ctx, creator, "", domain.EarningsRequest{Limit: 4, Page: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Page)
	assert.False(t, page.HasMore)
	require.Len(t, page.Earnings, 2)
	assert.Equal(t, "pi_3", page.Earnings[0].TransactionID)

	_, err = f.svc.ListEarnings(ctx, creator, "", domain.EarningsRequest{Cursor: "%%%"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestSummaryBalances(t *testing.T) {
	f := newFixture(t)
	lastMonth := t0.AddDate(0, -1, 0)
	f.earning(t, "pi_1", 1000, domain.EarningPending, t0)
	f.earning(t, "pi_2", 2000, domain.EarningEscrowed, t0)
	f.earning(t, "pi_3", 3000, domain.EarningCompleted, lastMonth)
	f.earning(t, "pi_4", 500, domain.EarningFailed, t0)
	f.withdrawal(t, "po_1", 1000, domain.WithdrawalPending)
	f.withdrawal(t, "po_2", 500, domain.WithdrawalPaid)
	f.withdrawal(t, "po_3", 700, domain.WithdrawalFailed)

	summary, err := f.svc.Summary(context.Background(), creator, "")
	require.NoError(t, err)
	b := summary.For(money.USD)

	assert.Equal(t, int64(5000), b.TotalEarned.AmountMinor)
	assert.Equal(t, int64(1500), b.TotalWithdrawn.AmountMinor)
	assert.Equal(t, b.TotalEarned.AmountMinor-b.TotalWithdrawn.AmountMinor, b.AvailableBalance.AmountMinor)
	assert.Equal(t, int64(1500), b.WithdrawableBalance.AmountMinor)
	assert.Equal(t, int64(1000), b.Pending.AmountMinor)
	assert.Equal(t, int64(2000), b.Escrowed.AmountMinor)
	assert.Equal(t, int64(3000), b.Completed.AmountMinor)
	assert.Equal(t, int64(2000), b.CurrentPeriodEarned.AmountMinor)
}

func TestRequestWithdrawal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.earning(t, "pi_1", 3000, domain.EarningCompleted, t0)
	f.earning(t, "pi_2", 9000, domain.EarningEscrowed, t0)

	w, err := f.svc.RequestWithdrawal(ctx, creator, WithdrawalRequest{Amount: decimal.NewFromInt(20), Destination: "ba_123"})
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawalPending, w.Status)
	assert.Equal(t, money.New(2000, money.USD), w.Amount)
	require.Len(t, f.gw.Payouts(), 1)
	assert.Equal(t, f.gw.Payouts()[0].ID, w.TransactionID)
	assert.Equal(t, w.ID, f.gw.Payouts()[0].Metadata[gateway.MetaWithdrawalID])
	assert.Equal(t, []string{events.EventWithdrawalRequested}, f.rec.Types())
	assert.Equal(t, int64(1000), f.withdrawable(t))

	// escrowed earnings are not withdrawable
	_, err = f.svc.RequestWithdrawal(ctx, creator, WithdrawalRequest{Amount: decimal.NewFromInt(20)})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Equal(t, "Insufficient balance", apperr.MessageOf(err))
	assert.Len(t, f.gw.Payouts(), 1)

	rows, total, err := f.svc.ListWithdrawals(ctx, creator, WithdrawalsRequest{Status: "pending"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, rows, 1)
	assert.Equal(t, w.ID, rows[0].ID)
}

func TestRequestWithdrawalValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.earning(t, "pi_1", 3000, domain.EarningCompleted, t0)

	tests := []struct {
		name  string
		actor identity.Actor
		req   WithdrawalRequest
		kind  apperr.Kind
	}{
		{"marketer", marketer, WithdrawalRequest{Amount: decimal.NewFromInt(1)}, apperr.KindForbidden},
		{"admin", admin, WithdrawalRequest{Amount: decimal.NewFromInt(1)}, apperr.KindForbidden},
		{"zero", creator, WithdrawalRequest{}, apperr.KindValidation},
		{"negative", creator, WithdrawalRequest{Amount: decimal.NewFromInt(-5)}, apperr.KindValidation},
		{"unsupported currency", creator, WithdrawalRequest{Amount: decimal.NewFromInt(1), Currency: "XYZ"}, apperr.KindValidation},
		{"other currency has no balance", creator, WithdrawalRequest{Amount: decimal.NewFromInt(1), Currency: "EUR"}, apperr.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.RequestWithdrawal(ctx, tt.actor, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperr.KindOf(err))
		})
	}
	assert.Zero(t, f.gw.Calls("create_payout"))
}

func TestWithdrawalProcessorFailureLeavesNoRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.earning(t, "pi_1", 3000, domain.EarningCompleted, t0)
	f.gw.FailPayouts(apperr.New(apperr.KindUpstreamTimeout, "Payment processor timed out"))

	_, err := f.svc.RequestWithdrawal(ctx, creator, WithdrawalRequest{Amount: decimal.NewFromInt(10)})
	require.Error(t, err)
	assert.Equal(t, apperr.KindUpstreamTimeout, apperr.KindOf(err))

	rows, total, err := f.svc.ListWithdrawals(ctx, creator, WithdrawalsRequest{})
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Zero(t, total)
	assert.Equal(t, int64(3000), f.withdrawable(t))
	assert.Empty(t, f.rec.Types())
	assert.Equal(t, 2, f.gw.Calls("create_payout"))
}

func TestWithdrawalRetriesLostPayoutResponse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.earning(t, "pi_1", 3000, domain.EarningCompleted, t0)
	f.gw.LosePayoutResponses(1)

	w, err := f.svc.RequestWithdrawal(ctx, creator, WithdrawalRequest{Amount: decimal.NewFromInt(10)})
	require.NoError(t, err)

	payouts := f.gw.Payouts()
	require.Len(t, payouts, 1)
	assert.Equal(t, payouts[0].ID, w.TransactionID)
	assert.Equal(t, w.ID, payouts[0].Metadata[gateway.MetaWithdrawalID])
	assert.Equal(t, 2, f.gw.Calls("create_payout"))
	assert.Equal(t, int64(2000), f.withdrawable(t))
}

// TestLostPayoutRecordedFromWebhook covers a payout the processor made
// although every request for it timed out.
func TestLostPayoutRecordedFromWebhook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pay := payments.NewService(f.st, f.gw, events.NewEmitter(f.rec, f.logger), nil, f.logger)
	f.earning(t, "pi_1", 3000, domain.EarningCompleted, t0)
	f.gw.LosePayoutResponses(2)

	_, err := f.svc.RequestWithdrawal(ctx, creator, WithdrawalRequest{Amount: decimal.NewFromInt(10)})
	require.Error(t, err)
	assert.Equal(t, apperr.KindUpstreamTimeout, apperr.KindOf(err))

	payouts := f.gw.Payouts()
	require.Len(t, payouts, 1)
	po := *payouts[0]
	po.Status = gateway.PayoutPaid
	payload := gatewaytest.PayoutEvent("evt_po_1", gateway.EventPayoutPaid, &po)
	require.NoError(t, pay.Ingest(ctx, payload, gatewaytest.Sign(payload, secret, time.Now())))

	rows, total, err := f.svc.ListWithdrawals(ctx, creator, WithdrawalsRequest{})
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	assert.Equal(t, po.Metadata[gateway.MetaWithdrawalID], rows[0].ID)
	assert.Equal(t, po.ID, rows[0].TransactionID)
	assert.Equal(t, domain.WithdrawalPaid, rows[0].Status)
	assert.Equal(t, int64(2000), f.withdrawable(t))
	assert.Equal(t, []string{events.EventWithdrawalRequested, events.EventWithdrawalUpdated}, f.rec.Types())

	// the creator cannot draw the recovered amount a second time
	_, err = f.svc.RequestWithdrawal(ctx, creator, WithdrawalRequest{Amount: decimal.NewFromInt(25)})
	require.Error(t, err)
	assert.Equal(t, "Insufficient balance", apperr.MessageOf(err))
}

// TestEarningToFailedPayout follows money from a confirmed payment through
// release and withdrawal to a payout the bank rejects.
func TestEarningToFailedPayout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	emitter := events.NewEmitter(f.rec, f.logger)
	pay := payments.NewService(f.st, f.gw, emitter, nil, f.logger)
	dealSvc := deals.NewService(f.st, emitter, f.logger)

	deal, err := dealdomain.NewDealBuilder("deal-1", "offer-1", marketer.UserID, creator.UserID, money.New(5000, money.USD)).
		WithName("Spring launch").
		Build("deal-1-ms1", t0)
	require.NoError(t, err)
	require.NoError(t, f.st.InsertDeal(ctx, deal))

	intent, err := pay.CreateIntent(ctx, marketer, payments.CreateIntentRequest{Metadata: payments.PaymentMetadata{DealID: deal.ID}})
	require.NoError(t, err)
	_, err = pay.Confirm(ctx, marketer, payments.ConfirmRequest{PaymentIntentID: intent.PaymentIntentID})
	require.NoError(t, err)
	assert.Zero(t, f.withdrawable(t))

	_, err = dealSvc.ReleaseMilestone(ctx, deal.ID, "deal-1-ms1", marketer)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), f.withdrawable(t))

	w, err := f.svc.RequestWithdrawal(ctx, creator, WithdrawalRequest{Amount: decimal.NewFromInt(50)})
	require.NoError(t, err)
	assert.Zero(t, f.withdrawable(t))

	payload := gatewaytest.PayoutEvent("evt_po_1", gateway.EventPayoutFailed, &gateway.Payout{
		ID:          w.TransactionID,
		Status:      gateway.PayoutFailed,
		Amount:      w.Amount,
		FailureCode: "account_closed",
	})
	require.NoError(t, pay.Ingest(ctx, payload, gatewaytest.Sign(payload, secret, time.Now())))
	assert.Equal(t, int64(5000), f.withdrawable(t))

	rows, _, err := f.svc.ListWithdrawals(ctx, creator, WithdrawalsRequest{Status: "failed"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "account_closed", rows[0].FailureCode)

	page, err := f.svc.ListEarnings(ctx, creator, "", domain.EarningsRequest{Status: "completed"})
	require.NoError(t, err)
	require.Len(t, page.Earnings, 1)
	assert.Equal(t, "Spring launch", page.Earnings[0].DealName)
}
