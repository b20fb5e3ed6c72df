package postgres

import (
	"context"
	"fmt"

	"dealflow/internal/common/database"
	"dealflow/internal/common/money"
	"dealflow/internal/ledger/domain"
)

const withdrawalColumns = `id, user_id, amount_minor, currency, transaction_id, destination, status,
	failure_code, failure_message, created_at, updated_at`

// LockUserLedger takes the per-user advisory lock for the rest of the transaction
func (s *Store) LockUserLedger(ctx context.Context, userID string) error {
	if !s.inTx {
		return errNoTx
	}
	return database.AdvisoryXactLock(ctx, s.q, "ledger:"+userID)
}

// InsertWithdrawal stores a new withdrawal
func (s *Store) InsertWithdrawal(ctx context.Context, w *domain.Withdrawal) error {
	query := `INSERT INTO withdrawals (` + withdrawalColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := s.q.Exec(ctx, query,
		w.ID,
		w.UserID,
		w.Amount.AmountMinor,
		string(w.Amount.Currency),
		w.TransactionID,
		w.Destination,
		string(w.Status),
		w.FailureCode,
		w.FailureMessage,
		w.CreatedAt,
		w.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("withdrawal %s: %w", w.TransactionID, database.ErrConflict)
		}
		return fmt.Errorf("creating withdrawal: %w", err)
	}
	return nil
}

// GetWithdrawalByTransactionID retrieves a withdrawal by processor payout id
func (s *Store) GetWithdrawalByTransactionID(ctx context.Context, transactionID string) (*domain.Withdrawal, error) {
	row := s.q.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE transaction_id = $1`, transactionID)
	w, err := scanWithdrawal(row)
	if err != nil {
		return nil, database.NoRows(err, "withdrawal "+transactionID)
	}
	return w, nil
}

// UpdateWithdrawal stores the payout outcome of a withdrawal
func (s *Store) UpdateWithdrawal(ctx context.Context, w *domain.Withdrawal) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE withdrawals
		SET status = $2, failure_code = $3, failure_message = $4, updated_at = $5
		WHERE transaction_id = $1`,
		w.TransactionID, string(w.Status), w.FailureCode, w.FailureMessage, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("updating withdrawal %s: %w", w.TransactionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("withdrawal %s: %w", w.TransactionID, database.ErrNotFound)
	}
	return nil
}

// ListWithdrawals lists a user's withdrawals newest first
func (s *Store) ListWithdrawals(ctx context.Context, q domain.WithdrawalQuery) ([]*domain.Withdrawal, int64, error) {
	where := ` WHERE user_id = $1`
	args := []interface{}{q.UserID}
	if q.Status != nil {
		where += ` AND status = $2`
		args = append(args, string(*q.Status))
	}

	var total int64
	if err := s.q.QueryRow(ctx, `SELECT COUNT(*) FROM withdrawals`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting withdrawals: %w", err)
	}

	query := `SELECT ` + withdrawalColumns + ` FROM withdrawals` + where +
		fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d OFFSET %d`, q.Limit, q.Offset)
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing withdrawals: %w", err)
	}
	defer rows.Close()

	var out []*domain.Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning withdrawal: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("listing withdrawals: %w", err)
	}
	return out, total, nil
}

// WithdrawalTotals sums a user's withdrawals by status and currency
func (s *Store) WithdrawalTotals(ctx context.Context, userID string) ([]domain.Total, error) {
	return s.totals(ctx, `
		SELECT status, currency, SUM(amount_minor)::BIGINT
		FROM withdrawals
		WHERE user_id = $1
		GROUP BY status, currency
		ORDER BY status, currency`, userID)
}

func scanWithdrawal(row scanner) (*domain.Withdrawal, error) {
	var (
		w                domain.Withdrawal
		currency, status string
	)
	err := row.Scan(
		&w.ID,
		&w.UserID,
		&w.Amount.AmountMinor,
		&currency,
		&w.TransactionID,
		&w.Destination,
		&status,
		&w.FailureCode,
		&w.FailureMessage,
		&w.CreatedAt,
		&w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	w.Amount.Currency = money.Currency(currency)
	w.Status = domain.WithdrawalStatus(status)
	return &w, nil
}
