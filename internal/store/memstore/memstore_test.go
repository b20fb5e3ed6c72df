package memstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealflow/internal/common/database"
	"dealflow/internal/common/money"
	dealdomain "dealflow/internal/deals/domain"
	ledgerdomain "dealflow/internal/ledger/domain"
	"dealflow/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func earning(id, tx string, at time.Time, status ledgerdomain.EarningStatus) *ledgerdomain.Earning {
	return &ledgerdomain.Earning{
		ID: id, UserID: "creator", DealID: "deal-1", Amount: money.New(1000, money.USD),
		Status: status, TransactionID: tx, PaymentType: "escrow", CreatedAt: at, UpdatedAt: at,
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := New()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx store.Store) error {
		_, err := tx.InsertEarning(ctx, earning("e1", "pi_1", t0, ledgerdomain.EarningPending))
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetEarningByTransactionID(ctx, "pi_1")
	assert.ErrorIs(t, err, database.ErrNotFound)

	require.NoError(t, s.WithTx(ctx, func(tx store.Store) error {
		_, err := tx.InsertEarning(ctx, earning("e1", "pi_1", t0, ledgerdomain.EarningPending))
		return err
	}))
	got, err := s.GetEarningByTransactionID(ctx, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.EarningPending, got.Status)
}

func TestMarkEscrowed(t *testing.T) {
	ctx := context.Background()
	s := New()

	changed, err := s.MarkEscrowed(ctx, earning("e1", "pi_1", t0, ledgerdomain.EarningEscrowed))
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.MarkEscrowed(ctx, earning("e2", "pi_1", t0, ledgerdomain.EarningEscrowed))
	require.NoError(t, err)
	assert.False(t, changed)

	inserted, err := s.InsertEarning(ctx, earning("e3", "pi_2", t0, ledgerdomain.EarningPending))
	require.NoError(t, err)
	assert.True(t, inserted)
	changed, err = s.MarkEscrowed(ctx, earning("e4", "pi_2", t0, ledgerdomain.EarningEscrowed))
	require.NoError(t, err)
	assert.True(t, changed)

	got, err := s.GetEarningByTransactionID(ctx, "pi_2")
	require.NoError(t, err)
	assert.Equal(t, "e3", got.ID)
	assert.Equal(t, ledgerdomain.EarningEscrowed, got.Status)

	failed, err := s.FailPendingEarning(ctx, "pi_2", t0)
	require.NoError(t, err)
	assert.False(t, failed)
}

func TestInsertDealConflict(t *testing.T) {
	ctx := context.Background()
	s := New()
	d, err := dealdomain.NewDealBuilder("deal-1", "offer-1", "m", "c", money.New(5000, money.USD)).Build("ms-1", t0)
	require.NoError(t, err)

	require.NoError(t, s.InsertDeal(ctx, d))
	dup := *d
	dup.ID = "deal-2"
	assert.ErrorIs(t, s.InsertDeal(ctx, &dup), database.ErrConflict)

	got, err := s.GetDealByOfferID(ctx, "offer-1")
	require.NoError(t, err)
	assert.Equal(t, "deal-1", got.ID)

	got.Milestones[0].Status = dealdomain.MilestoneReleased
	again, err := s.GetDeal(ctx, "deal-1")
	require.NoError(t, err)
	assert.Equal(t, dealdomain.MilestonePending, again.Milestones[0].Status)
}

func TestListEarningsCursorPages(t *testing.T) {
	ctx := context.Background()
	s := New()
	for i := 0; i < 7; i++ {
		// pairs share a timestamp so the id breaks ties
		at := t0.Add(time.Duration(i/2) * time.Minute)
		_, err := s.InsertEarning(ctx, earning(fmt.Sprintf("e%d", i), fmt.Sprintf("pi_%d", i), at, ledgerdomain.EarningEscrowed))
		require.NoError(t, err)
	}

	seen := map[string]bool{}
	q := ledgerdomain.EarningsQuery{UserID: "creator", Limit: 3}
	for page := 0; page < 5; page++ {
		rows, total, err := s.ListEarnings(ctx, q)
		require.NoError(t, err)
		assert.Equal(t, int64(7), total)
		if len(rows) == 0 {
			break
		}
		for _, r := range rows {
			assert.False(t, seen[r.ID], "duplicate %s", r.ID)
			seen[r.ID] = true
			assert.Equal(t, ledgerdomain.UnknownDealName, r.DealName)
		}
		last := rows[len(rows)-1]
		q.After = &ledgerdomain.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	assert.Len(t, seen, 7)
}

func TestListEarningsJoinsDealName(t *testing.T) {
	ctx := context.Background()
	s := New()
	d, err := dealdomain.NewDealBuilder("deal-1", "offer-1", "m", "c", money.New(5000, money.USD)).
		WithName("Spring launch").Build("ms-1", t0)
	require.NoError(t, err)
	require.NoError(t, s.InsertDeal(ctx, d))
	_, err = s.InsertEarning(ctx, earning("e1", "pi_1", t0, ledgerdomain.EarningEscrowed))
	require.NoError(t, err)

	rows, _, err := s.ListEarnings(ctx, ledgerdomain.EarningsQuery{UserID: "creator", Limit: 10})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Spring launch", rows[0].DealName)

	s.DeleteDeal("deal-1")
	rows, _, err = s.ListEarnings(ctx, ledgerdomain.EarningsQuery{UserID: "creator", Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.UnknownDealName, rows[0].DealName)
}

func TestRecordWebhookEvent(t *testing.T) {
	ctx := context.Background()
	s := New()
	first, err := s.RecordWebhookEvent(ctx, "evt_1", "payment_intent.succeeded", t0)
	require.NoError(t, err)
	assert.True(t, first)
	first, err = s.RecordWebhookEvent(ctx, "evt_1", "payment_intent.succeeded", t0)
	require.NoError(t, err)
	assert.False(t, first)
}

func TestTotals(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, _ = s.InsertEarning(ctx, earning("e1", "pi_1", t0, ledgerdomain.EarningCompleted))
	_, _ = s.InsertEarning(ctx, earning("e2", "pi_2", t0.AddDate(0, -2, 0), ledgerdomain.EarningCompleted))
	require.NoError(t, s.InsertWithdrawal(ctx, &ledgerdomain.Withdrawal{
		ID: "w1", UserID: "creator", Amount: money.New(300, money.USD), TransactionID: "po_1",
		Status: ledgerdomain.WithdrawalPending, CreatedAt: t0, UpdatedAt: t0,
	}))

	all, err := s.EarningTotals(ctx, "creator", nil)
	require.NoError(t, err)
	assert.Equal(t, []ledgerdomain.Total{{Status: "completed", Currency: money.USD, Amount: 2000}}, all)

	since := t0.AddDate(0, 0, -1)
	recent, err := s.EarningTotals(ctx, "creator", &since)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), recent[0].Amount)

	w, err := s.WithdrawalTotals(ctx, "creator")
	require.NoError(t, err)
	assert.Equal(t, []ledgerdomain.Total{{Status: "pending", Currency: money.USD, Amount: 300}}, w)
}
