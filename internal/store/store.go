// Package store defines the persistence boundary shared by every dealflow
// service. All mutation goes through the narrow mutators below so that the
// uniqueness and state invariants are enforced in one place.
package store

import (
	"context"
	"errors"
	"time"

	"dealflow/internal/common/apperr"
	"dealflow/internal/common/database"
	"dealflow/internal/common/identity"
	dealdomain "dealflow/internal/deals/domain"
	ledgerdomain "dealflow/internal/ledger/domain"
	negdomain "dealflow/internal/negotiation/domain"
)

// OfferFilter selects offers for a listing.
type OfferFilter struct {
	UserID string
	// Role restricts matches to offers where UserID plays that role.
	Role   identity.Role
	Status *negdomain.Status
	Limit  int
	Offset int
}

// Store is implemented by the Postgres store and the in-memory store.
// Lookups return database.ErrNotFound when nothing matches; conditional
// updates return database.ErrConflict when the row is not in the expected
// state.
type Store interface {
	// WithTx runs fn atomically. Calls on the Store passed to fn belong to
	// the transaction; nested calls join it.
	WithTx(ctx context.Context, fn func(tx Store) error) error

	CreateOffer(ctx context.Context, offer *negdomain.Offer) error
	GetOffer(ctx context.Context, id string) (*negdomain.Offer, error)
	// GetOfferForUpdate locks the offer until the transaction ends.
	GetOfferForUpdate(ctx context.Context, id string) (*negdomain.Offer, error)
	ListOffers(ctx context.Context, filter OfferFilter) ([]*negdomain.Offer, error)
	// SaveOfferState persists status, timestamps and rejection reason if the
	// stored status is still from.
	SaveOfferState(ctx context.Context, offer *negdomain.Offer, from negdomain.Status) error
	AppendCounter(ctx context.Context, offerID string, counter negdomain.Counter) error

	// InsertDeal stores a deal with its milestones. A second deal for the
	// same offer fails with database.ErrConflict.
	InsertDeal(ctx context.Context, deal *dealdomain.Deal) error
	GetDeal(ctx context.Context, id string) (*dealdomain.Deal, error)
	GetDealForUpdate(ctx context.Context, id string) (*dealdomain.Deal, error)
	GetDealByOfferID(ctx context.Context, offerID string) (*dealdomain.Deal, error)
	TransitionMilestone(ctx context.Context, dealID, milestoneID string, from, to dealdomain.MilestoneStatus, at time.Time) error
	// AppendDealTransaction records a money movement. Recording the same
	// (type, transaction id) twice is a no-op reported as false.
	AppendDealTransaction(ctx context.Context, dealID string, tx dealdomain.Transaction) (bool, error)
	SetDealPaymentStatus(ctx context.Context, dealID string, status dealdomain.PaymentStatus, at time.Time) error

	// InsertEarning stores an earning unless one exists for its transaction
	// id, reporting whether it was inserted.
	InsertEarning(ctx context.Context, earning *ledgerdomain.Earning) (bool, error)
	// MarkEscrowed inserts the earning as escrowed or promotes an existing
	// pending earning with the same transaction id. It reports whether
	// anything changed.
	MarkEscrowed(ctx context.Context, earning *ledgerdomain.Earning) (bool, error)
	// FailPendingEarning moves a pending earning to failed.
	FailPendingEarning(ctx context.Context, transactionID string, at time.Time) (bool, error)
	// CompleteEarnings moves escrowed earnings of a deal to completed. An
	// empty milestoneID matches every earning of the deal.
	CompleteEarnings(ctx context.Context, dealID, milestoneID string, at time.Time) (int64, error)
	GetEarningByTransactionID(ctx context.Context, transactionID string) (*ledgerdomain.Earning, error)
	// ListEarnings returns matching rows ordered by created_at DESC, id DESC
	// and the number of rows matching the filter without paging.
	ListEarnings(ctx context.Context, q ledgerdomain.EarningsQuery) ([]ledgerdomain.EarningRecord, int64, error)
	// EarningTotals sums a user's earnings by status and currency. A non-nil
	// since limits the sum to earnings created at or after it.
	EarningTotals(ctx context.Context, userID string, since *time.Time) ([]ledgerdomain.Total, error)

	// LockUserLedger serialises balance-changing work for one user until
	// the transaction ends.
	LockUserLedger(ctx context.Context, userID string) error
	InsertWithdrawal(ctx context.Context, w *ledgerdomain.Withdrawal) error
	GetWithdrawalByTransactionID(ctx context.Context, transactionID string) (*ledgerdomain.Withdrawal, error)
	UpdateWithdrawal(ctx context.Context, w *ledgerdomain.Withdrawal) error
	ListWithdrawals(ctx context.Context, q ledgerdomain.WithdrawalQuery) ([]*ledgerdomain.Withdrawal, int64, error)
	WithdrawalTotals(ctx context.Context, userID string) ([]ledgerdomain.Total, error)

	// RecordWebhookEvent reports whether eventID is seen for the first time.
	RecordWebhookEvent(ctx context.Context, eventID, eventType string, at time.Time) (bool, error)
}

// AppErr maps the store's sentinel errors onto client-facing kinds. what
// names the missing or contended record. Classified errors pass through.
func AppErr(err error, what string) error {
	var ae *apperr.Error
	switch {
	case err == nil, errors.As(err, &ae):
		return err
	case database.IsNotFound(err):
		return apperr.Wrap(err, apperr.KindNotFound, what+" not found")
	case errors.Is(err, database.ErrConflict):
		return apperr.Wrap(err, apperr.KindConflict, what+" was changed by another request")
	}
	return err
}
