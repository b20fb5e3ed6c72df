package domain

import (
	"sort"

	"dealflow/internal/common/money"
)

// Total is an aggregate amount for one status and currency.
type Total struct {
	Status   string
	Currency money.Currency
	Amount   int64
}

// Balance is the read-side view of one currency of a user's ledger.
type Balance struct {
	Currency            money.Currency `json:"currency"`
	TotalEarned         money.Money    `json:"total_earned"`
	TotalWithdrawn      money.Money    `json:"total_withdrawn"`
	AvailableBalance    money.Money    `json:"available_balance"`
	WithdrawableBalance money.Money    `json:"withdrawable_balance"`
	Pending             money.Money    `json:"pending"`
	Escrowed            money.Money    `json:"escrowed"`
	Completed           money.Money    `json:"completed"`
	CurrentPeriodEarned money.Money    `json:"current_period_earned"`
}

// Summary is a user's balances across currencies.
type Summary struct {
	UserID   string    `json:"user_id"`
	Balances []Balance `json:"balances"`
}

// Summarize folds earning and withdrawal totals into per-currency
// balances. periodEarnings holds earning totals since the start of the
// current period. Failed earnings and failed withdrawals are ignored.
func Summarize(userID string, earnings, periodEarnings, withdrawals []Total) Summary {
	byCurrency := map[money.Currency]*Balance{}
	get := func(c money.Currency) *Balance {
		b, ok := byCurrency[c]
		if !ok {
			z := money.Zero(c)
			b = &Balance{
				Currency: c, TotalEarned: z, TotalWithdrawn: z, AvailableBalance: z,
				WithdrawableBalance: z, Pending: z, Escrowed: z, Completed: z, CurrentPeriodEarned: z,
			}
			byCurrency[c] = b
		}
		return b
	}

	for _, t := range earnings {
		b := get(t.Currency)
		amt := money.New(t.Amount, t.Currency)
		switch EarningStatus(t.Status) {
		case EarningPending:
			b.Pending = b.Pending.MustAdd(amt)
		case EarningEscrowed:
			b.Escrowed = b.Escrowed.MustAdd(amt)
			b.TotalEarned = b.TotalEarned.MustAdd(amt)
		case EarningCompleted:
			b.Completed = b.Completed.MustAdd(amt)
			b.TotalEarned = b.TotalEarned.MustAdd(amt)
		}
	}
	for _, t := range periodEarnings {
		switch EarningStatus(t.Status) {
		case EarningEscrowed, EarningCompleted:
			b := get(t.Currency)
			b.CurrentPeriodEarned = b.CurrentPeriodEarned.MustAdd(money.New(t.Amount, t.Currency))
		}
	}
	for _, t := range withdrawals {
		switch WithdrawalStatus(t.Status) {
		case WithdrawalPending, WithdrawalPaid:
			b := get(t.Currency)
			b.TotalWithdrawn = b.TotalWithdrawn.MustAdd(money.New(t.Amount, t.Currency))
		}
	}

	out := Summary{UserID: userID, Balances: make([]Balance, 0, len(byCurrency))}
	for _, b := range byCurrency {
		b.AvailableBalance = b.TotalEarned.MustSub(b.TotalWithdrawn)
		b.WithdrawableBalance = b.Completed.MustSub(b.TotalWithdrawn)
		out.Balances = append(out.Balances, *b)
	}
	sort.Slice(out.Balances, func(i, j int) bool {
		return out.Balances[i].Currency < out.Balances[j].Currency
	})
	return out
}

// For returns the balance in currency c, or a zero balance.
func (s Summary) For(c money.Currency) Balance {
	for _, b := range s.Balances {
		if b.Currency == c {
			return b
		}
	}
	z := money.Zero(c)
	return Balance{
		Currency: c, TotalEarned: z, TotalWithdrawn: z, AvailableBalance: z,
		WithdrawableBalance: z, Pending: z, Escrowed: z, Completed: z, CurrentPeriodEarned: z,
	}
}
