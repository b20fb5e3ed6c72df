package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealflow/internal/common/apperr"
	"dealflow/internal/common/money"
)

var now = time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)

func TestBuildEarningsQueryDateRange(t *testing.T) {
	_, err := BuildEarningsQuery("u1", EarningsRequest{Filter: "dateRange", StartDate: "2026-03-10", EndDate: "2026-03-01"}, now)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	assert.Contains(t, err.Error(), "Start date cannot be after end date")

	_, err = BuildEarningsQuery("u1", EarningsRequest{Filter: "dateRange", StartDate: "2026-03-10"}, now)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, err = BuildEarningsQuery("u1", EarningsRequest{Filter: "dateRange", StartDate: "2022-01-01", EndDate: "2026-01-01"}, now)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	q, err := BuildEarningsQuery("u1", EarningsRequest{Filter: "dateRange", StartDate: "2026-03-01", EndDate: "2026-03-10"}, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), *q.From)
	assert.Equal(t, time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC), *q.To)
}

func TestBuildEarningsQueryFilters(t *testing.T) {
	q, err := BuildEarningsQuery("u1", EarningsRequest{Filter: "thisMonth"}, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), *q.From)
	assert.Nil(t, q.To)

	q, err = BuildEarningsQuery("u1", EarningsRequest{Filter: "last7days"}, now)
	require.NoError(t, err)
	assert.Equal(t, now.AddDate(0, 0, -7), *q.From)

	q, err = BuildEarningsQuery("u1", EarningsRequest{}, now)
	require.NoError(t, err)
	assert.Nil(t, q.From)
	assert.Equal(t, DefaultLimit, q.Limit)

	_, err = BuildEarningsQuery("u1", EarningsRequest{Filter: "lastDecade"}, now)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	_, err = BuildEarningsQuery("u1", EarningsRequest{Status: "withdrawn"}, now)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestBuildEarningsQueryPaging(t *testing.T) {
	q, err := BuildEarningsQuery("u1", EarningsRequest{Page: 3, Limit: 500}, now)
	require.NoError(t, err)
	assert.Equal(t, MaxLimit, q.Limit)
	assert.Equal(t, 200, q.Offset)

	_, err = BuildEarningsQuery("u1", EarningsRequest{Cursor: "%%%"}, now)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestCursorRoundTrip(t *testing.T) {
	c := Cursor{CreatedAt: time.Date(2026, 3, 2, 1, 2, 3, 456789000, time.UTC), ID: "01HZX"}
	got, err := DecodeCursor(c.Encode())
	require.NoError(t, err)
	assert.True(t, c.CreatedAt.Equal(got.CreatedAt))
	assert.Equal(t, c.ID, got.ID)

	assert.True(t, c.Before(c.CreatedAt, "01HZW"))
	assert.False(t, c.Before(c.CreatedAt, "01HZY"))
	assert.True(t, c.Before(c.CreatedAt.Add(-time.Second), "zzz"))

	for _, bad := range []string{"bm90LWEtY3Vyc29y", "MTIzOg", "YWJjOmlk"} {
		_, err := DecodeCursor(bad)
		assert.True(t, apperr.IsKind(err, apperr.KindValidation), bad)
	}
}

func TestSummarize(t *testing.T) {
	earnings := []Total{
		{Status: "pending", Currency: money.USD, Amount: 100},
		{Status: "escrowed", Currency: money.USD, Amount: 50000},
		{Status: "completed", Currency: money.USD, Amount: 30000},
		{Status: "failed", Currency: money.USD, Amount: 9999},
		{Status: "completed", Currency: money.EUR, Amount: 700},
	}
	period := []Total{{Status: "escrowed", Currency: money.USD, Amount: 50000}}
	withdrawals := []Total{
		{Status: "paid", Currency: money.USD, Amount: 10000},
		{Status: "pending", Currency: money.USD, Amount: 5000},
		{Status: "failed", Currency: money.USD, Amount: 20000},
	}

	s := Summarize("u1", earnings, period, withdrawals)
	require.Len(t, s.Balances, 2)

	usd := s.For(money.USD)
	assert.Equal(t, int64(80000), usd.TotalEarned.AmountMinor)
	assert.Equal(t, int64(15000), usd.TotalWithdrawn.AmountMinor)
	assert.Equal(t, int64(65000), usd.AvailableBalance.AmountMinor)
	assert.Equal(t, int64(15000), usd.WithdrawableBalance.AmountMinor)
	assert.Equal(t, int64(100), usd.Pending.AmountMinor)
	assert.Equal(t, int64(50000), usd.CurrentPeriodEarned.AmountMinor)

	eur := s.For(money.EUR)
	assert.Equal(t, int64(700), eur.AvailableBalance.AmountMinor)
	assert.Equal(t, int64(0), s.For(money.GBP).TotalEarned.AmountMinor)
}

func TestWithdrawalCanMoveTo(t *testing.T) {
	w := &Withdrawal{Status: WithdrawalPending}
	assert.True(t, w.CanMoveTo(WithdrawalPaid))
	assert.True(t, w.CanMoveTo(WithdrawalFailed))
	w.Status = WithdrawalPaid
	assert.False(t, w.CanMoveTo(WithdrawalFailed))
}
