package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"dealflow/internal/common/database"
	"dealflow/internal/common/money"
	"dealflow/internal/ledger/domain"
)

const earningColumns = `id, user_id, deal_id, milestone_id, amount_minor, currency, status,
	transaction_id, payment_type, created_at, updated_at`

func earningArgs(e *domain.Earning, status domain.EarningStatus) []interface{} {
	return []interface{}{
		e.ID,
		e.UserID,
		e.DealID,
		e.MilestoneID,
		e.Amount.AmountMinor,
		string(e.Amount.Currency),
		string(status),
		e.TransactionID,
		e.PaymentType,
		e.CreatedAt,
		e.UpdatedAt,
	}
}

// InsertEarning inserts an earning unless its transaction id is taken
func (s *Store) InsertEarning(ctx context.Context, e *domain.Earning) (bool, error) {
	query := `INSERT INTO earnings (` + earningColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (transaction_id) DO NOTHING`

	tag, err := s.q.Exec(ctx, query, earningArgs(e, e.Status)...)
	if err != nil {
		return false, fmt.Errorf("creating earning: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkEscrowed inserts an escrowed earning or promotes a pending one in a
// single statement. A row already past pending is left untouched.
func (s *Store) MarkEscrowed(ctx context.Context, e *domain.Earning) (bool, error) {
	query := `INSERT INTO earnings (` + earningColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (transaction_id) DO UPDATE
		SET status = EXCLUDED.status,
			amount_minor = EXCLUDED.amount_minor,
			currency = EXCLUDED.currency,
			updated_at = EXCLUDED.updated_at
		WHERE earnings.status = 'pending'`

	tag, err := s.q.Exec(ctx, query, earningArgs(e, domain.EarningEscrowed)...)
	if err != nil {
		return false, fmt.Errorf("escrowing earning %s: %w", e.TransactionID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// FailPendingEarning marks a pending earning failed
func (s *Store) FailPendingEarning(ctx context.Context, transactionID string, at time.Time) (bool, error) {
	tag, err := s.q.Exec(ctx, `
		UPDATE earnings SET status = 'failed', updated_at = $2
		WHERE transaction_id = $1 AND status = 'pending'`, transactionID, at)
	if err != nil {
		return false, fmt.Errorf("failing earning %s: %w", transactionID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteEarnings settles escrowed earnings of a deal or one of its milestones
func (s *Store) CompleteEarnings(ctx context.Context, dealID, milestoneID string, at time.Time) (int64, error) {
	tag, err := s.q.Exec(ctx, `
		UPDATE earnings SET status = 'completed', updated_at = $3
		WHERE deal_id = $1 AND status = 'escrowed' AND ($2::TEXT = '' OR milestone_id = $2)`,
		dealID, milestoneID, at)
	if err != nil {
		return 0, fmt.Errorf("completing earnings of deal %s: %w", dealID, err)
	}
	return tag.RowsAffected(), nil
}

// GetEarningByTransactionID retrieves an earning by processor transaction id
func (s *Store) GetEarningByTransactionID(ctx context.Context, transactionID string) (*domain.Earning, error) {
	row := s.q.QueryRow(ctx, `SELECT `+earningColumns+` FROM earnings WHERE transaction_id = $1`, transactionID)
	e, err := scanEarning(row)
	if err != nil {
		return nil, database.NoRows(err, "earning "+transactionID)
	}
	return e, nil
}

// ListEarnings lists a user's earnings newest first with their deal names
func (s *Store) ListEarnings(ctx context.Context, q domain.EarningsQuery) ([]domain.EarningRecord, int64, error) {
	args := []interface{}{q.UserID}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	where := []string{"e.user_id = $1"}
	if q.Status != nil {
		where = append(where, "e.status = "+arg(string(*q.Status)))
	}
	if q.From != nil {
		where = append(where, "e.created_at >= "+arg(*q.From))
	}
	if q.To != nil {
		where = append(where, "e.created_at < "+arg(*q.To))
	}

	var total int64
	countQuery := `SELECT COUNT(*) FROM earnings e WHERE ` + strings.Join(where, " AND ")
	if err := s.q.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting earnings: %w", err)
	}

	if q.After != nil {
		ts := arg(q.After.CreatedAt)
		id := arg(q.After.ID)
		where = append(where, "(e.created_at, e.id) < ("+ts+", "+id+")")
	}

	query := `
		SELECT e.id, e.user_id, e.deal_id, e.milestone_id, e.amount_minor, e.currency, e.status,
			   e.transaction_id, e.payment_type, e.created_at, e.updated_at,
			   COALESCE(d.name, '` + domain.UnknownDealName + `')
		FROM earnings e
		LEFT JOIN deals d ON d.id = e.deal_id
		WHERE ` + strings.Join(where, " AND ") +
		fmt.Sprintf(` ORDER BY e.created_at DESC, e.id DESC LIMIT %d OFFSET %d`, q.Limit, q.Offset)

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing earnings: %w", err)
	}
	defer rows.Close()

	var out []domain.EarningRecord
	for rows.Next() {
		var rec domain.EarningRecord
		e, err := scanEarning(rows, &rec.DealName)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning earning: %w", err)
		}
		rec.Earning = *e
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("listing earnings: %w", err)
	}
	return out, total, nil
}

// EarningTotals sums a user's earnings by status and currency
func (s *Store) EarningTotals(ctx context.Context, userID string, since *time.Time) ([]domain.Total, error) {
	query := `SELECT status, currency, SUM(amount_minor)::BIGINT FROM earnings WHERE user_id = $1`
	args := []interface{}{userID}
	if since != nil {
		query += ` AND created_at >= $2`
		args = append(args, *since)
	}
	query += ` GROUP BY status, currency ORDER BY status, currency`
	return s.totals(ctx, query, args...)
}

func (s *Store) totals(ctx context.Context, query string, args ...interface{}) ([]domain.Total, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("summing: %w", err)
	}
	defer rows.Close()

	var out []domain.Total
	for rows.Next() {
		var (
			t        domain.Total
			currency string
		)
		if err := rows.Scan(&t.Status, &currency, &t.Amount); err != nil {
			return nil, fmt.Errorf("scanning total: %w", err)
		}
		t.Currency = money.Currency(currency)
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanEarning(row scanner, extra ...any) (*domain.Earning, error) {
	var (
		e                domain.Earning
		currency, status string
	)
	dest := append([]any{
		&e.ID,
		&e.UserID,
		&e.DealID,
		&e.MilestoneID,
		&e.Amount.AmountMinor,
		&currency,
		&status,
		&e.TransactionID,
		&e.PaymentType,
		&e.CreatedAt,
		&e.UpdatedAt,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	e.Amount.Currency = money.Currency(currency)
	e.Status = domain.EarningStatus(status)
	return &e, nil
}
