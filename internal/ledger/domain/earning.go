package domain

import (
	"time"

	"dealflow/internal/common/apperr"
	"dealflow/internal/common/money"
)

// EarningStatus is the settlement state of an earning.
type EarningStatus string

const (
	EarningPending   EarningStatus = "pending"
	EarningEscrowed  EarningStatus = "escrowed"
	EarningCompleted EarningStatus = "completed"
	EarningFailed    EarningStatus = "failed"
)

// ParseEarningStatus validates a status filter value.
func ParseEarningStatus(s string) (EarningStatus, error) {
	switch st := EarningStatus(s); st {
	case EarningPending, EarningEscrowed, EarningCompleted, EarningFailed:
		return st, nil
	}
	return "", apperr.Validation("Invalid status %q", s)
}

// Earning records money held for or paid to a creator from a deal. The
// processor transaction id is unique across all earnings.
type Earning struct {
	ID            string        `json:"id"`
	UserID        string        `json:"user_id"`
	DealID        string        `json:"deal_id"`
	MilestoneID   string        `json:"milestone_id,omitempty"`
	Amount        money.Money   `json:"amount"`
	Status        EarningStatus `json:"status"`
	TransactionID string        `json:"transaction_id"`
	PaymentType   string        `json:"payment_type"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// UnknownDealName is shown when an earning's deal no longer exists.
const UnknownDealName = "Unknown Deal"

// EarningRecord is an earning enriched with its deal's display name.
type EarningRecord struct {
	Earning
	DealName string `json:"deal_name"`
}

// WithdrawalStatus is the payout state of a withdrawal.
type WithdrawalStatus string

const (
	WithdrawalPending WithdrawalStatus = "pending"
	WithdrawalPaid    WithdrawalStatus = "paid"
	WithdrawalFailed  WithdrawalStatus = "failed"
)

// ParseWithdrawalStatus validates a status filter value.
func ParseWithdrawalStatus(s string) (WithdrawalStatus, error) {
	switch st := WithdrawalStatus(s); st {
	case WithdrawalPending, WithdrawalPaid, WithdrawalFailed:
		return st, nil
	}
	return "", apperr.Validation("Invalid status %q", s)
}

// Withdrawal is a payout of completed earnings to an external account.
type Withdrawal struct {
	ID             string           `json:"id"`
	UserID         string           `json:"user_id"`
	Amount         money.Money      `json:"amount"`
	TransactionID  string           `json:"transaction_id"`
	Destination    string           `json:"destination,omitempty"`
	Status         WithdrawalStatus `json:"status"`
	FailureCode    string           `json:"failure_code,omitempty"`
	FailureMessage string           `json:"failure_message,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// CanMoveTo reports whether a payout notification may move the withdrawal
// to next. Paid and failed are final.
func (w *Withdrawal) CanMoveTo(next WithdrawalStatus) bool {
	switch w.Status {
	case WithdrawalPending:
		return next == WithdrawalPaid || next == WithdrawalFailed
	default:
		return false
	}
}

// WithdrawalQuery selects a page of a user's withdrawals.
type WithdrawalQuery struct {
	UserID string
	Status *WithdrawalStatus
	Limit  int
	Offset int
}
